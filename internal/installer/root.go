package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/shell"
)

// ErrUnsafePath rejects a file that must not be interpolated into a shell command.
var ErrUnsafePath = errors.New("unsafe apk path")

// deniedChars may never appear in a path passed to a shell.
const deniedChars = "`;()$\" &|<>*?{}[]!#"

var (
	nonWordChar      = regexp.MustCompile(`\W`)
	sessionIDPattern = regexp.MustCompile(`\d+`)
)

// ValidateShellPath checks that file is an APK of id lying directly in
// downloadDir and returns its canonical path. Nothing that fails here is ever
// placed in a command line.
func ValidateShellPath(file, downloadDir string, id model.PackageIdentity) (string, error) {
	canonical, err := canonicalPath(file)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	dir, err := canonicalPath(downloadDir)
	if err != nil {
		return "", fmt.Errorf("%w: download dir: %v", ErrUnsafePath, err)
	}
	name := filepath.Base(canonical)

	if i := strings.IndexAny(canonical, deniedChars); i >= 0 {
		return "", fmt.Errorf("%w: %q contains %q", ErrUnsafePath, canonical, canonical[i])
	}
	if i := strings.IndexAny(name, deniedChars); i >= 0 {
		return "", fmt.Errorf("%w: file name %q contains %q", ErrUnsafePath, name, name[i])
	}
	if filepath.Dir(canonical) != dir {
		return "", fmt.Errorf("%w: %q is not in the download directory %q", ErrUnsafePath, canonical, dir)
	}
	if !strings.HasPrefix(name, id.FilePrefix()) {
		return "", fmt.Errorf("%w: file name %q does not start with %q", ErrUnsafePath, name, id.FilePrefix())
	}
	ext := filepath.Ext(name)
	if ext != ".apk" {
		return "", fmt.Errorf("%w: file name %q has no .apk extension", ErrUnsafePath, name)
	}
	if nonWordChar.MatchString(strings.TrimSuffix(name, ext)) {
		return "", fmt.Errorf("%w: file name %q contains non-word characters", ErrUnsafePath, name)
	}
	return canonical, nil
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// CommandError describes a shell step that exited with a non-zero code.
type CommandError struct {
	Command string
	Result  shell.Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q: %s", e.Command, e.Result)
}

// RootBackend installs through pm running in a root shell.
type RootBackend struct {
	runner      shell.Runner
	downloadDir string
	installerID string
}

func NewRootBackend(runner shell.Runner, downloadDir, installerID string) *RootBackend {
	return &RootBackend{runner: runner, downloadDir: downloadDir, installerID: installerID}
}

func (b *RootBackend) ExecuteInstall(ctx context.Context, file string, id model.PackageIdentity) (Result, error) {
	path, err := ValidateShellPath(file, b.downloadDir, id)
	if err != nil {
		return Result{}, err
	}
	if err := validateInstallerID(b.installerID); err != nil {
		return Result{}, err
	}
	if !shell.IsRoot(ctx, b.runner) {
		return failure(CodeRootMissing, ShortPermissionDenied, "Missing root permission", nil), nil
	}
	return pmInstall(ctx, b.runner, "Root", path, b.installerID), nil
}

func validateInstallerID(installerID string) error {
	if installerID == "" || nonWordChar.MatchString(strings.ReplaceAll(installerID, ".", "")) {
		return fmt.Errorf("%w: installer id %q", ErrUnsafePath, installerID)
	}
	return nil
}

// pmInstall runs the create, write and commit steps of a pm install session.
// path must have passed ValidateShellPath.
func pmInstall(ctx context.Context, r shell.Runner, label, path, installerID string) Result {
	info, err := os.Stat(path)
	if err != nil {
		return failure(StatusStorage, ShortStorage, "The installation failed because of storage issues.", err)
	}
	size := info.Size()
	name := filepath.Base(path)
	logger := log.WithFields(log.Fields{"shell": label, "file": name})

	create := fmt.Sprintf("pm install-create -i %s --user 0 -r -S %d", installerID, size)
	res, fail := runStep(ctx, r, label, create)
	if fail != nil {
		return *fail
	}
	lines := res.Lines()
	var sid string
	if len(lines) > 0 {
		sid = sessionIDPattern.FindString(lines[0])
	}
	if sid == "" {
		return shellFailure(label, create, res, errors.New("no session id in output"))
	}
	logger = logger.WithField("session", sid)
	logger.Debug("created install session")

	write := fmt.Sprintf(`cat "%s" | pm install-write -S %d %s "%s"`, path, size, sid, name)
	if _, fail := runStep(ctx, r, label, write); fail != nil {
		abandonShellSession(r, sid)
		return *fail
	}
	if err := ctx.Err(); err != nil {
		abandonShellSession(r, sid)
		return failure(StatusAborted, ShortAborted, "The installation was cancelled.", err)
	}

	// Commit is irreversible; run it to completion.
	commit := fmt.Sprintf("pm install-commit %s", sid)
	if _, fail := runStep(context.WithoutCancel(ctx), r, label, commit); fail != nil {
		return *fail
	}
	logger.Debug("committed install session")
	return success("")
}

func runStep(ctx context.Context, r shell.Runner, label, command string) (shell.Result, *Result) {
	res, err := r.Run(ctx, command)
	if err != nil {
		f := shellFailure(label, command, res, err)
		return res, &f
	}
	if !res.Success() {
		f := shellFailure(label, command, res, &CommandError{Command: command, Result: res})
		return res, &f
	}
	return res, nil
}

func shellFailure(label, command string, res shell.Result, cause error) Result {
	msg := fmt.Sprintf("%s command '%s' failed. Result code: %d. Stdout: '%s'. Stderr: '%s'.",
		label, command, res.ExitCode, strings.TrimSpace(res.Stdout), strings.TrimSpace(res.Stderr))
	return failure(CodeShellFailed, ShortShellFailed, msg, cause)
}

func abandonShellSession(r shell.Runner, sid string) {
	if _, err := r.Run(context.Background(), "pm install-abandon "+sid); err != nil {
		log.Warnf("abandon session %s: %v", sid, err)
	}
}
