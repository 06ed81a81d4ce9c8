package installer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/shell"
)

var bromite = model.PackageIdentity{Name: "bromite", PackageName: "org.bromite.bromite"}

// fakeSessions delivers the scripted events on Commit from another goroutine.
type fakeSessions struct {
	mu        sync.Mutex
	createErr error
	writeErr  error
	events    []StatusEvent
	finished  *bool
	onCommit  func()
	written   []byte
	committed bool
	abandoned bool
	receiver  func(StatusEvent)
	callback  func(bool)

	callbackFirst bool // fire the session callback before the status events
}

func (f *fakeSessions) Create(context.Context, SessionParams) (int, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	return 7, nil
}

func (f *fakeSessions) Write(_ context.Context, _ int, _ string, r io.Reader, _ int64) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	b, err := io.ReadAll(r)
	f.mu.Lock()
	f.written = b
	f.mu.Unlock()
	return err
}

func (f *fakeSessions) Commit(context.Context, int) error {
	f.mu.Lock()
	f.committed = true
	receiver, callback, events, finished := f.receiver, f.callback, f.events, f.finished
	f.mu.Unlock()
	if f.onCommit != nil {
		f.onCommit()
	}
	go func() {
		if finished != nil && f.callbackFirst {
			callback(*finished)
		}
		for _, ev := range events {
			receiver(ev)
		}
		if finished != nil && !f.callbackFirst {
			callback(*finished)
		}
	}()
	return nil
}

func (f *fakeSessions) Abandon(int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = true
	return nil
}

func (f *fakeSessions) RegisterStatusReceiver(_ int, fn func(StatusEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = fn
	return func() {}
}

func (f *fakeSessions) RegisterSessionCallback(_ int, fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = fn
	return func() {}
}

func (f *fakeSessions) state() (committed, abandoned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed, f.abandoned
}

type fakeConfirmation struct {
	mu      sync.Mutex
	intents []string
	err     error
}

func (f *fakeConfirmation) LaunchConfirmation(_ context.Context, intent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	return f.err
}

func (f *fakeConfirmation) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.intents...)
}

type reply struct {
	prefix string
	res    shell.Result
}

// scriptedShell answers commands by prefix and records what ran.
type scriptedShell struct {
	mu      sync.Mutex
	replies []reply
	ran     []string
	stdin   []byte
	probe   shell.BrokerState
}

func (s *scriptedShell) Run(ctx context.Context, command string) (shell.Result, error) {
	return s.RunInput(ctx, command, nil)
}

func (s *scriptedShell) RunInput(_ context.Context, command string, stdin io.Reader) (shell.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, command)
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return shell.Result{}, err
		}
		s.stdin = b
	}
	for _, r := range s.replies {
		if strings.HasPrefix(command, r.prefix) {
			return r.res, nil
		}
	}
	return shell.Result{ExitCode: 1, Stderr: "unexpected command"}, nil
}

func (s *scriptedShell) Probe(context.Context) shell.BrokerState { return s.probe }

func (s *scriptedShell) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ran...)
}

var pmReplies = []reply{
	{prefix: "id -u", res: shell.Result{Stdout: "0\n"}},
	{prefix: "pm install-create", res: shell.Result{Stdout: "Success: created install session [1234]\n"}},
	{prefix: "cat ", res: shell.Result{Stdout: "Success: streamed 4 bytes\n"}},
	{prefix: "pm install-write", res: shell.Result{Stdout: "Success: streamed 4 bytes\n"}},
	{prefix: "pm install-commit", res: shell.Result{Stdout: "Success\n"}},
	{prefix: "pm install-abandon", res: shell.Result{Stdout: "Success\n"}},
}

func writeAPK(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("abcd"), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func canonicalDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return dir
}

func boolPtr(b bool) *bool { return &b }

func TestSessionBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		sessions      *fakeSessions
		launcher      *fakeConfirmation
		cancel        bool
		wantSuccess   bool
		wantCode      int
		wantShort     string
		wantMessage   string
		wantCommitted bool
		wantAbandoned bool
	}{
		{
			name:          "success",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusSuccess}}},
			wantSuccess:   true,
			wantCommitted: true,
		},
		{
			name:          "storage",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusStorage}}},
			wantCode:      StatusStorage,
			wantShort:     ShortStorage,
			wantMessage:   "The installation failed because of storage issues.",
			wantCommitted: true,
		},
		{
			name:          "conflict with platform message",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusConflict, Message: "INSTALL_FAILED_UPDATE_INCOMPATIBLE"}}},
			wantCode:      StatusConflict,
			wantShort:     ShortConflict,
			wantMessage:   "INSTALL_FAILED_UPDATE_INCOMPATIBLE. The installation failed because it conflicts (or is inconsistent with) with another package already installed on the device.",
			wantCommitted: true,
		},
		{
			name:          "unknown status",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: 42}}},
			wantCode:      42,
			wantShort:     "status-42",
			wantMessage:   "The installation failed. Status: 42.",
			wantCommitted: true,
		},
		{
			name:          "user action in background mode",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusPendingUserAction}}},
			wantCode:      CodeUserInteractionNeeded,
			wantShort:     ShortUserInteractionRequired,
			wantMessage:   "The installation requires user interaction which is not possible in the background.",
			wantCommitted: true,
		},
		{
			name:          "confirmation screen missing",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusPendingUserAction, ConfirmationIntent: "x"}}},
			launcher:      &fakeConfirmation{err: errors.New("no activity")},
			wantCode:      CodeActivityNotAvailable,
			wantShort:     ShortFailure,
			wantMessage:   "Installation failed because Activity is not available.",
			wantCommitted: true,
		},
		{
			name:          "fallback callback reports failure",
			sessions:      &fakeSessions{finished: boolPtr(false)},
			wantCode:      StatusAborted,
			wantShort:     ShortAborted,
			wantMessage:   "The installation failed because it was actively aborted.",
			wantCommitted: true,
		},
		{
			name:          "fallback success leaves the result to the broadcast",
			sessions:      &fakeSessions{finished: boolPtr(true), callbackFirst: true, events: []StatusEvent{{Status: StatusBlocked}}},
			wantCode:      StatusBlocked,
			wantShort:     ShortBlocked,
			wantMessage:   "The installation failed because it was blocked.",
			wantCommitted: true,
		},
		{
			name:          "fallback failure before the broadcast",
			sessions:      &fakeSessions{finished: boolPtr(false), callbackFirst: true, events: []StatusEvent{{Status: StatusSuccess}}},
			wantCode:      StatusAborted,
			wantShort:     ShortAborted,
			wantMessage:   "The installation failed because it was actively aborted.",
			wantCommitted: true,
		},
		{
			name:          "broadcast wins over late fallback",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusBlocked}}, finished: boolPtr(false)},
			wantCode:      StatusBlocked,
			wantShort:     ShortBlocked,
			wantMessage:   "The installation failed because it was blocked.",
			wantCommitted: true,
		},
		{
			name:        "session cannot be created",
			sessions:    &fakeSessions{createErr: errors.New("no space")},
			wantCode:    StatusStorage,
			wantShort:   ShortSessionCreateFailed,
			wantMessage: "The installation failed because the install session could not be created.",
		},
		{
			name:          "write fails",
			sessions:      &fakeSessions{writeErr: errors.New("EIO")},
			wantCode:      StatusStorage,
			wantShort:     ShortStorage,
			wantMessage:   "The installation failed because of storage issues.",
			wantAbandoned: true,
		},
		{
			name:          "cancelled before commit",
			sessions:      &fakeSessions{events: []StatusEvent{{Status: StatusSuccess}}},
			cancel:        true,
			wantCode:      StatusAborted,
			wantShort:     ShortAborted,
			wantMessage:   "The installation was cancelled.",
			wantAbandoned: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			file := writeAPK(t, t.TempDir(), "org_bromite_bromite_1.apk")
			var launcher ConfirmationLauncher
			if tc.launcher != nil {
				launcher = tc.launcher
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.cancel {
				cancel()
			}

			res, err := NewSessionBackend(tc.sessions, launcher).ExecuteInstall(ctx, file, bromite)
			if err != nil {
				t.Fatalf("ExecuteInstall: %v", err)
			}
			if res.Success != tc.wantSuccess || res.Code != tc.wantCode || res.ShortCode != tc.wantShort {
				t.Fatalf("result: got %+v want success=%v code=%d short=%q", res, tc.wantSuccess, tc.wantCode, tc.wantShort)
			}
			if res.Message != tc.wantMessage {
				t.Fatalf("message: got %q want %q", res.Message, tc.wantMessage)
			}
			committed, abandoned := tc.sessions.state()
			if committed != tc.wantCommitted || abandoned != tc.wantAbandoned {
				t.Fatalf("session: committed=%v abandoned=%v, want %v/%v", committed, abandoned, tc.wantCommitted, tc.wantAbandoned)
			}
		})
	}
}

func TestSessionBackendStreamsFile(t *testing.T) {
	t.Parallel()

	file := writeAPK(t, t.TempDir(), "org_bromite_bromite_1.apk")
	sessions := &fakeSessions{events: []StatusEvent{{Status: StatusSuccess}}}
	if _, err := NewSessionBackend(sessions, nil).ExecuteInstall(context.Background(), file, bromite); err != nil {
		t.Fatalf("ExecuteInstall: %v", err)
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if string(sessions.written) != "abcd" {
		t.Fatalf("written: got %q want %q", sessions.written, "abcd")
	}
}

func TestValidateShellPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ok   bool
	}{
		{name: "org_bromite_bromite_120_0_6099_145.apk", ok: true},
		{name: "org_bromite_bromite.apk", ok: true},
		{name: "org_bromite_bromite_1;reboot.apk"},
		{name: "org_bromite_bromite_1 .apk"},
		{name: "org_bromite_bromite_$(id).apk"},
		{name: "org_bromite_bromite_`id`.apk"},
		{name: "org_bromite_bromite_1\".apk"},
		{name: "org_bromite_bromite_1&.apk"},
		{name: "org_bromite_bromite_1|x.apk"},
		{name: "org_bromite_bromite_1<x>.apk"},
		{name: "org_bromite_bromite_*.apk"},
		{name: "org_bromite_bromite_?.apk"},
		{name: "org_bromite_bromite_{1}.apk"},
		{name: "org_bromite_bromite_[1].apk"},
		{name: "org_bromite_bromite_1!.apk"},
		{name: "org_bromite_bromite_#1.apk"},
		{name: "org_bromite_bromite-1.apk"},
		{name: "org_bromite_bromite_1.apk.apk"},
		{name: "com_brave_browser_1.apk"},
		{name: "org_bromite_bromite_1.zip"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := canonicalDir(t)
			file := writeAPK(t, dir, tc.name)
			got, err := ValidateShellPath(file, dir, bromite)
			if tc.ok {
				if err != nil || got != file {
					t.Fatalf("ValidateShellPath(%q): got %q, %v", tc.name, got, err)
				}
				return
			}
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("ValidateShellPath(%q): got %v want ErrUnsafePath", tc.name, err)
			}
		})
	}
}

func TestValidateShellPathLocation(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	nested := writeAPK(t, filepath.Join(dir, "sub"), "org_bromite_bromite_1.apk")
	if _, err := ValidateShellPath(nested, dir, bromite); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("nested file: got %v want ErrUnsafePath", err)
	}

	outside := writeAPK(t, canonicalDir(t), "org_bromite_bromite_2.apk")
	link := filepath.Join(dir, "org_bromite_bromite_3.apk")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := ValidateShellPath(link, dir, bromite); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("symlink out of the download dir: got %v want ErrUnsafePath", err)
	}

	spaced := filepath.Join(canonicalDir(t), "download dir")
	if err := os.Mkdir(spaced, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := writeAPK(t, spaced, "org_bromite_bromite_1.apk")
	if _, err := ValidateShellPath(file, spaced, bromite); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("download dir with a space: got %v want ErrUnsafePath", err)
	}
}

func TestRootBackendRejectsUnsafePathBeforeRunning(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	file := writeAPK(t, dir, "org_bromite_bromite_$(reboot).apk")
	sh := &scriptedShell{replies: pmReplies}

	_, err := NewRootBackend(sh, dir, "org.apkfetch").ExecuteInstall(context.Background(), file, bromite)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("ExecuteInstall: got %v want ErrUnsafePath", err)
	}
	if ran := sh.commands(); len(ran) != 0 {
		t.Fatalf("commands ran for an unsafe path: %v", ran)
	}

	file = writeAPK(t, dir, "org_bromite_bromite_1.apk")
	_, err = NewRootBackend(sh, dir, "org.x;reboot").ExecuteInstall(context.Background(), file, bromite)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("unsafe installer id: got %v want ErrUnsafePath", err)
	}
	if ran := sh.commands(); len(ran) != 0 {
		t.Fatalf("commands ran for an unsafe installer id: %v", ran)
	}
}

func TestRootBackendCommandSequence(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	name := "org_bromite_bromite_120_0.apk"
	file := writeAPK(t, dir, name)
	sh := &scriptedShell{replies: pmReplies}

	res, err := NewRootBackend(sh, dir, "org.apkfetch").ExecuteInstall(context.Background(), file, bromite)
	if err != nil || !res.Success {
		t.Fatalf("ExecuteInstall: %+v, %v", res, err)
	}
	want := []string{
		"id -u",
		"pm install-create -i org.apkfetch --user 0 -r -S 4",
		`cat "` + file + `" | pm install-write -S 4 1234 "` + name + `"`,
		"pm install-commit 1234",
	}
	if diff := cmp.Diff(want, sh.commands()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestRootBackendFailures(t *testing.T) {
	t.Parallel()

	commitFails := append([]reply{{
		prefix: "pm install-commit",
		res:    shell.Result{ExitCode: 1, Stdout: "Failure [INSTALL_FAILED_VERSION_DOWNGRADE]\n"},
	}}, pmReplies...)
	writeFails := append([]reply{{
		prefix: "cat ",
		res:    shell.Result{ExitCode: 1, Stderr: "cat: permission denied\n"},
	}}, pmReplies...)
	noSession := append([]reply{{
		prefix: "pm install-create",
		res:    shell.Result{Stdout: "Error: something\n"},
	}}, pmReplies...)

	tests := []struct {
		name        string
		replies     []reply
		wantCode    int
		wantShort   string
		wantMessage string
		wantLast    string
	}{
		{
			name:        "not root",
			replies:     []reply{{prefix: "id -u", res: shell.Result{Stdout: "10123\n"}}},
			wantCode:    CodeRootMissing,
			wantShort:   ShortPermissionDenied,
			wantMessage: "Missing root permission",
			wantLast:    "id -u",
		},
		{
			name:        "commit rejected",
			replies:     commitFails,
			wantCode:    CodeShellFailed,
			wantShort:   ShortShellFailed,
			wantMessage: "Root command 'pm install-commit 1234' failed. Result code: 1. Stdout: 'Failure [INSTALL_FAILED_VERSION_DOWNGRADE]'. Stderr: ''.",
			wantLast:    "pm install-commit 1234",
		},
		{
			name:      "write fails",
			replies:   writeFails,
			wantCode:  CodeShellFailed,
			wantShort: ShortShellFailed,
			wantLast:  "pm install-abandon 1234",
		},
		{
			name:        "no session id",
			replies:     noSession,
			wantCode:    CodeShellFailed,
			wantShort:   ShortShellFailed,
			wantMessage: "Root command 'pm install-create -i org.apkfetch --user 0 -r -S 4' failed. Result code: 0. Stdout: 'Error: something'. Stderr: ''.",
			wantLast:    "pm install-create -i org.apkfetch --user 0 -r -S 4",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := canonicalDir(t)
			file := writeAPK(t, dir, "org_bromite_bromite_1.apk")
			sh := &scriptedShell{replies: tc.replies}

			res, err := NewRootBackend(sh, dir, "org.apkfetch").ExecuteInstall(context.Background(), file, bromite)
			if err != nil {
				t.Fatalf("ExecuteInstall: %v", err)
			}
			if res.Success || res.Code != tc.wantCode || res.ShortCode != tc.wantShort {
				t.Fatalf("result: got %+v want code=%d short=%q", res, tc.wantCode, tc.wantShort)
			}
			if tc.wantMessage != "" && res.Message != tc.wantMessage {
				t.Fatalf("message: got %q want %q", res.Message, tc.wantMessage)
			}
			ran := sh.commands()
			if last := ran[len(ran)-1]; last != tc.wantLast {
				t.Fatalf("last command: got %q want %q", last, tc.wantLast)
			}
		})
	}
}

func TestRootBackendCommitErrorCarriesOutput(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	file := writeAPK(t, dir, "org_bromite_bromite_1.apk")
	sh := &scriptedShell{replies: append([]reply{{
		prefix: "pm install-commit",
		res:    shell.Result{ExitCode: 1, Stderr: "boom"},
	}}, pmReplies...)}

	res, _ := NewRootBackend(sh, dir, "org.apkfetch").ExecuteInstall(context.Background(), file, bromite)
	var cmdErr *CommandError
	if !errors.As(res.Err(), &cmdErr) {
		t.Fatalf("result error %v does not carry a CommandError", res.Err())
	}
	if cmdErr.Result.ExitCode != 1 || cmdErr.Result.Stderr != "boom" {
		t.Fatalf("command error: got %+v", cmdErr.Result)
	}
}

func TestBrokerBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state       shell.BrokerState
		wantSuccess bool
		wantCode    int
		wantShort   string
		wantMessage string
	}{
		{state: shell.BrokerReady, wantSuccess: true},
		{state: shell.BrokerUnsupported, wantCode: -433, wantShort: ShortBrokerUnsupported, wantMessage: "Shizuku is not supported on this device"},
		{state: shell.BrokerNotRunning, wantCode: -432, wantShort: ShortBrokerUnavailable, wantMessage: "Shizuku is not running. Please start the Shizuku service."},
		{state: shell.BrokerPermissionDenied, wantCode: -431, wantShort: ShortPermissionDenied, wantMessage: "Missing Shizuku permission. Retry again."},
	}
	for _, tc := range tests {
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()

			dir := canonicalDir(t)
			file := writeAPK(t, dir, "org_bromite_bromite_1.apk")
			sh := &scriptedShell{replies: pmReplies, probe: tc.state}

			res, err := NewBrokerBackend(sh, dir, "org.apkfetch").ExecuteInstall(context.Background(), file, bromite)
			if err != nil {
				t.Fatalf("ExecuteInstall: %v", err)
			}
			if res.Success != tc.wantSuccess || res.Code != tc.wantCode || res.ShortCode != tc.wantShort || res.Message != tc.wantMessage {
				t.Fatalf("result: got %+v", res)
			}
			if !tc.wantSuccess && len(sh.commands()) != 0 {
				t.Fatalf("commands ran without a ready broker: %v", sh.commands())
			}
		})
	}
}

type fakeIntents struct {
	result ActivityResult
	err    error
}

func (f *fakeIntents) LaunchInstall(_ context.Context, _ string, onResult func(ActivityResult)) error {
	if f.err != nil {
		return f.err
	}
	go onResult(f.result)
	return nil
}

func intPtr(i int) *int { return &i }

func TestIntentBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		manufacturer string
		intents      *fakeIntents
		wantSuccess  bool
		wantCode     int
		wantShort    string
		wantMessage  string
	}{
		{
			name:        "ok",
			intents:     &fakeIntents{result: ActivityResult{ResultCode: ResultOK}},
			wantSuccess: true,
		},
		{
			name:        "storage",
			intents:     &fakeIntents{result: ActivityResult{ResultCode: 1, InstallResult: intPtr(-4)}},
			wantCode:    1,
			wantShort:   ShortStorage,
			wantMessage: "Your device don't have enough storage space to install the app. ResultCode: 1, INSTALL_RESULT: -4",
		},
		{
			name:         "storage on huawei",
			manufacturer: "HUAWEI",
			intents:      &fakeIntents{result: ActivityResult{ResultCode: 1, InstallResult: intPtr(-4)}},
			wantCode:     1,
			wantShort:    ShortStorage,
			wantMessage:  "Insufficient storage space. ResultCode: 1, INSTALL_RESULT: -4",
		},
		{
			name:         "huawei falls back to the general decoder",
			manufacturer: "HUAWEI",
			intents:      &fakeIntents{result: ActivityResult{ResultCode: 1, InstallResult: intPtr(-1)}},
			wantCode:     1,
			wantShort:    ShortConflict,
			wantMessage:  "App is already installed. ResultCode: 1, INSTALL_RESULT: -1",
		},
		{
			name:        "unknown install result",
			intents:     &fakeIntents{result: ActivityResult{ResultCode: 1, InstallResult: intPtr(-999)}},
			wantCode:    1,
			wantShort:   ShortFailure,
			wantMessage: "Installation failed. ResultCode: 1, INSTALL_RESULT: -999",
		},
		{
			name:        "cancelled by the user",
			intents:     &fakeIntents{result: ActivityResult{ResultCode: ResultCanceled}},
			wantCode:    ResultCanceled,
			wantShort:   ShortAborted,
			wantMessage: "Installation failed. ResultCode: 0, INSTALL_RESULT: null",
		},
		{
			name:        "no install screen",
			intents:     &fakeIntents{err: errors.New("activity not found")},
			wantCode:    CodeActivityNotAvailable,
			wantShort:   ShortFailure,
			wantMessage: "Installation failed because Activity is not available.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			file := writeAPK(t, t.TempDir(), "org_bromite_bromite_1.apk")
			res, err := NewIntentBackend(tc.intents, tc.manufacturer).ExecuteInstall(context.Background(), file, bromite)
			if err != nil {
				t.Fatalf("ExecuteInstall: %v", err)
			}
			if res.Success != tc.wantSuccess || res.Code != tc.wantCode || res.ShortCode != tc.wantShort {
				t.Fatalf("result: got %+v want success=%v code=%d short=%q", res, tc.wantSuccess, tc.wantCode, tc.wantShort)
			}
			if res.Message != tc.wantMessage {
				t.Fatalf("message: got %q want %q", res.Message, tc.wantMessage)
			}
		})
	}
}

func TestShellSessionService(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		commit      shell.Result
		wantSuccess bool
		wantShort   string
		wantMessage string
	}{
		{name: "success", commit: shell.Result{Stdout: "Success\n"}, wantSuccess: true},
		{
			name:        "downgrade",
			commit:      shell.Result{ExitCode: 1, Stdout: "Failure [INSTALL_FAILED_VERSION_DOWNGRADE: Downgrade detected]\n"},
			wantShort:   ShortConflict,
			wantMessage: "INSTALL_FAILED_VERSION_DOWNGRADE: Downgrade detected. The installation failed because it conflicts (or is inconsistent with) with another package already installed on the device.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			file := writeAPK(t, t.TempDir(), "org_bromite_bromite_1.apk")
			sh := &scriptedShell{replies: append([]reply{{prefix: "pm install-commit", res: tc.commit}}, []reply{
				{prefix: "pm install-create", res: shell.Result{Stdout: "Success: created install session [77]\n"}},
				{prefix: "pm install-write", res: shell.Result{Stdout: "Success\n"}},
			}...)}
			b := NewSessionBackend(NewShellSessionService(sh), nil)
			b.InstallerID = "org.apkfetch"

			res, err := b.ExecuteInstall(context.Background(), file, bromite)
			if err != nil {
				t.Fatalf("ExecuteInstall: %v", err)
			}
			if res.Success != tc.wantSuccess || res.ShortCode != tc.wantShort || res.Message != tc.wantMessage {
				t.Fatalf("result: got %+v", res)
			}
			want := []string{
				"pm install-create -i org.apkfetch --user 0 -r -S 4",
				"pm install-write -S 4 77 org_bromite_bromite.apk -",
				"pm install-commit 77",
			}
			if diff := cmp.Diff(want, sh.commands()); diff != "" {
				t.Fatalf("commands mismatch (-want +got):\n%s", diff)
			}
			sh.mu.Lock()
			defer sh.mu.Unlock()
			if string(sh.stdin) != "abcd" {
				t.Fatalf("stdin: got %q want %q", sh.stdin, "abcd")
			}
		})
	}
}

func TestParseCommitOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		res  shell.Result
		want StatusEvent
	}{
		{res: shell.Result{Stdout: "Success\n"}, want: StatusEvent{Status: StatusSuccess}},
		{
			res:  shell.Result{ExitCode: 1, Stdout: "Failure [INSTALL_FAILED_INSUFFICIENT_STORAGE]"},
			want: StatusEvent{Status: StatusStorage, Message: "INSTALL_FAILED_INSUFFICIENT_STORAGE"},
		},
		{
			res:  shell.Result{ExitCode: 1, Stderr: "Failure [INSTALL_PARSE_FAILED_NO_CERTIFICATES: no certs]"},
			want: StatusEvent{Status: StatusInvalid, Message: "INSTALL_PARSE_FAILED_NO_CERTIFICATES: no certs"},
		},
		{
			res:  shell.Result{ExitCode: 1, Stdout: "Failure [INSTALL_FAILED_NO_MATCHING_ABIS: x86]"},
			want: StatusEvent{Status: StatusIncompatible, Message: "INSTALL_FAILED_NO_MATCHING_ABIS: x86"},
		},
		{
			res:  shell.Result{ExitCode: 1, Stdout: "Failure [INSTALL_FAILED_INTERNAL_ERROR]"},
			want: StatusEvent{Status: StatusFailure, Message: "INSTALL_FAILED_INTERNAL_ERROR"},
		},
		{
			res:  shell.Result{ExitCode: 255},
			want: StatusEvent{Status: StatusFailure, Message: `exit code 255, stdout "", stderr ""`},
		},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, parseCommitOutput(tc.res)); diff != "" {
			t.Fatalf("parseCommitOutput(%v) mismatch (-want +got):\n%s", tc.res, diff)
		}
	}
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	deps := Deps{
		Sessions:    &fakeSessions{},
		Confirm:     &fakeConfirmation{},
		Root:        &scriptedShell{},
		Broker:      &scriptedShell{},
		Intents:     &fakeIntents{},
		DownloadDir: t.TempDir(),
		InstallerID: "org.apkfetch",
	}

	if _, err := NewBackend(KindIntent, deps); err == nil {
		t.Fatalf("intent backend accepted in background mode")
	}
	b, err := NewBackend(KindSession, deps)
	if err != nil {
		t.Fatalf("NewBackend(session): %v", err)
	}
	if s := b.(*SessionBackend); s.launcher != nil || s.InstallerID != "org.apkfetch" {
		t.Fatalf("background session backend: launcher=%v installer=%q", s.launcher, s.InstallerID)
	}

	deps.Foreground = true
	for _, kind := range Kinds {
		if _, err := NewBackend(kind, deps); err != nil {
			t.Fatalf("NewBackend(%s): %v", kind, err)
		}
	}
	if _, err := NewBackend(KindRoot, Deps{}); err == nil {
		t.Fatalf("root backend without a root shell accepted")
	}

	kind, err := ParseKind(" Broker ")
	if err != nil || kind != KindBroker {
		t.Fatalf("ParseKind: got %q, %v", kind, err)
	}
	if _, err := ParseKind("adb"); err == nil {
		t.Fatalf("ParseKind accepted an unknown backend")
	}
}
