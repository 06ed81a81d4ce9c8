package installer

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/3leaps/apkfetch/internal/shell"
)

var (
	sessionNamePattern = regexp.MustCompile(`^\w+\.apk$`)
	pmFailurePattern   = regexp.MustCompile(`Failure \[(\w+)(?::\s*([^\]]*))?\]`)
)

// ShellSessionService drives install sessions with the pm command of the shell it
// runs in. Status events are delivered asynchronously after Commit, the way the
// platform delivers its broadcasts.
type ShellSessionService struct {
	runner shell.InputRunner

	mu        sync.Mutex
	receivers map[int]func(StatusEvent)
	callbacks map[int]func(bool)
}

var _ SessionService = (*ShellSessionService)(nil)

func NewShellSessionService(r shell.InputRunner) *ShellSessionService {
	return &ShellSessionService{
		runner:    r,
		receivers: make(map[int]func(StatusEvent)),
		callbacks: make(map[int]func(bool)),
	}
}

func (s *ShellSessionService) Create(ctx context.Context, p SessionParams) (int, error) {
	cmd := fmt.Sprintf("pm install-create --user 0 -r -S %d", p.Size)
	if p.InstallerID != "" {
		if err := validateInstallerID(p.InstallerID); err != nil {
			return 0, err
		}
		cmd = fmt.Sprintf("pm install-create -i %s --user 0 -r -S %d", p.InstallerID, p.Size)
	}
	res, err := s.runner.Run(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if !res.Success() {
		return 0, &CommandError{Command: cmd, Result: res}
	}
	lines := res.Lines()
	if len(lines) == 0 {
		return 0, fmt.Errorf("%s: no output", cmd)
	}
	id, err := strconv.Atoi(sessionIDPattern.FindString(lines[0]))
	if err != nil {
		return 0, fmt.Errorf("%s: no session id in %q", cmd, lines[0])
	}
	return id, nil
}

func (s *ShellSessionService) Write(ctx context.Context, sessionID int, name string, r io.Reader, size int64) error {
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: session file name %q", ErrUnsafePath, name)
	}
	cmd := fmt.Sprintf("pm install-write -S %d %d %s -", size, sessionID, name)
	res, err := s.runner.RunInput(ctx, cmd, r)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &CommandError{Command: cmd, Result: res}
	}
	return nil
}

func (s *ShellSessionService) Commit(ctx context.Context, sessionID int) error {
	res, err := s.runner.Run(ctx, fmt.Sprintf("pm install-commit %d", sessionID))
	if err != nil {
		return err
	}
	ev := parseCommitOutput(res)

	s.mu.Lock()
	receiver := s.receivers[sessionID]
	callback := s.callbacks[sessionID]
	s.mu.Unlock()
	// The status event is delivered before the session callback.
	go func() {
		if receiver != nil {
			receiver(ev)
		}
		if callback != nil {
			callback(ev.Status == StatusSuccess)
		}
	}()
	return nil
}

func (s *ShellSessionService) Abandon(sessionID int) error {
	cmd := fmt.Sprintf("pm install-abandon %d", sessionID)
	res, err := s.runner.Run(context.Background(), cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &CommandError{Command: cmd, Result: res}
	}
	return nil
}

func (s *ShellSessionService) RegisterStatusReceiver(sessionID int, fn func(StatusEvent)) func() {
	s.mu.Lock()
	s.receivers[sessionID] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.receivers, sessionID)
		s.mu.Unlock()
	}
}

func (s *ShellSessionService) RegisterSessionCallback(sessionID int, fn func(bool)) func() {
	s.mu.Lock()
	s.callbacks[sessionID] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.callbacks, sessionID)
		s.mu.Unlock()
	}
}

// parseCommitOutput turns "Success" or "Failure [INSTALL_FAILED_X: detail]" into a
// status event.
func parseCommitOutput(res shell.Result) StatusEvent {
	out := res.Stdout + "\n" + res.Stderr
	if m := pmFailurePattern.FindStringSubmatch(out); m != nil {
		msg := m[1]
		if m[2] != "" {
			msg += ": " + strings.TrimSpace(m[2])
		}
		return StatusEvent{Status: statusForFailure(m[1]), Message: msg}
	}
	if res.Success() && strings.Contains(res.Stdout, "Success") {
		return StatusEvent{Status: StatusSuccess}
	}
	return StatusEvent{Status: StatusFailure, Message: res.String()}
}

func statusForFailure(name string) int {
	switch name {
	case "INSTALL_FAILED_INSUFFICIENT_STORAGE", "INSTALL_FAILED_MEDIA_UNAVAILABLE", "INSTALL_FAILED_CONTAINER_ERROR":
		return StatusStorage
	case "INSTALL_FAILED_ALREADY_EXISTS", "INSTALL_FAILED_UPDATE_INCOMPATIBLE", "INSTALL_FAILED_DUPLICATE_PACKAGE",
		"INSTALL_FAILED_CONFLICTING_PROVIDER", "INSTALL_FAILED_VERSION_DOWNGRADE", "INSTALL_FAILED_SHARED_USER_INCOMPATIBLE",
		"INSTALL_FAILED_DUPLICATE_PERMISSION":
		return StatusConflict
	case "INSTALL_FAILED_NO_MATCHING_ABIS", "INSTALL_FAILED_OLDER_SDK", "INSTALL_FAILED_NEWER_SDK",
		"INSTALL_FAILED_MISSING_FEATURE", "INSTALL_FAILED_CPU_ABI_INCOMPATIBLE", "INSTALL_FAILED_MISSING_SHARED_LIBRARY":
		return StatusIncompatible
	case "INSTALL_FAILED_ABORTED":
		return StatusAborted
	case "INSTALL_FAILED_USER_RESTRICTED", "INSTALL_FAILED_VERIFICATION_FAILURE", "INSTALL_FAILED_VERIFICATION_TIMEOUT":
		return StatusBlocked
	case "INSTALL_FAILED_INVALID_APK", "INSTALL_FAILED_INVALID_URI", "INSTALL_FAILED_TEST_ONLY":
		return StatusInvalid
	}
	if strings.HasPrefix(name, "INSTALL_PARSE_FAILED_") {
		return StatusInvalid
	}
	return StatusFailure
}
