package installer

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

// SessionParams sizes a new install session.
type SessionParams struct {
	PackageName string
	InstallerID string
	Size        int64
}

// StatusEvent is one status broadcast for an install session.
type StatusEvent struct {
	Status  int
	Message string

	// ConfirmationIntent identifies the confirmation screen for
	// StatusPendingUserAction.
	ConfirmationIntent string
}

// SessionService is the platform package installer. The two Register methods
// return a function that removes the registration.
type SessionService interface {
	Create(ctx context.Context, p SessionParams) (int, error)
	Write(ctx context.Context, sessionID int, name string, r io.Reader, size int64) error
	Commit(ctx context.Context, sessionID int) error
	Abandon(sessionID int) error
	RegisterStatusReceiver(sessionID int, fn func(StatusEvent)) func()
	RegisterSessionCallback(sessionID int, fn func(success bool)) func()
}

// ConfirmationLauncher shows the platform confirmation screen.
type ConfirmationLauncher interface {
	LaunchConfirmation(ctx context.Context, intent string) error
}

// SessionBackend streams the APK into a platform install session. Without a
// ConfirmationLauncher it runs in background mode and fails attempts that need
// the user.
type SessionBackend struct {
	service  SessionService
	launcher ConfirmationLauncher

	// InstallerID is recorded as the installing package.
	InstallerID string
}

func NewSessionBackend(service SessionService, launcher ConfirmationLauncher) *SessionBackend {
	return &SessionBackend{service: service, launcher: launcher}
}

func (b *SessionBackend) ExecuteInstall(ctx context.Context, file string, id model.PackageIdentity) (Result, error) {
	f, err := os.Open(file)
	if err != nil {
		return Result{}, fmt.Errorf("session install: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("session install: %w", err)
	}

	sid, err := b.service.Create(ctx, SessionParams{PackageName: id.PackageName, InstallerID: b.InstallerID, Size: info.Size()})
	if err != nil {
		return failure(StatusStorage, ShortSessionCreateFailed,
			"The installation failed because the install session could not be created.", err), nil
	}
	logger := log.WithFields(log.Fields{"package": id.PackageName, "session": sid})
	logger.Debug("created install session")

	result := NewFuture[Result]()
	unregister := b.service.RegisterStatusReceiver(sid, func(ev StatusEvent) {
		b.onStatus(ctx, result, ev)
	})
	defer unregister()
	// The session callback only reports aborted sessions. Success comes from the
	// status receiver.
	unregisterCallback := b.service.RegisterSessionCallback(sid, func(ok bool) {
		if !ok {
			result.TryResolve(sessionFailure(StatusAborted, ""))
		}
	})
	defer unregisterCallback()

	abandon := func(res Result) Result {
		if err := b.service.Abandon(sid); err != nil {
			logger.Warnf("abandon session: %v", err)
		}
		return res
	}

	if err := b.service.Write(ctx, sid, id.FilePrefix()+".apk", f, info.Size()); err != nil {
		if ctx.Err() != nil {
			return abandon(failure(StatusAborted, ShortAborted, "The installation was cancelled.", ctx.Err())), nil
		}
		return abandon(failure(StatusStorage, ShortStorage, "The installation failed because of storage issues.", err)), nil
	}
	if err := ctx.Err(); err != nil {
		return abandon(failure(StatusAborted, ShortAborted, "The installation was cancelled.", err)), nil
	}
	if err := b.service.Commit(ctx, sid); err != nil {
		return abandon(failure(StatusFailure, ShortFailure, "The installation failed in a generic way.", err)), nil
	}
	logger.Debug("committed install session")

	// A committed session cannot be withdrawn, so the terminal result is awaited
	// regardless of ctx.
	res, _ := result.Await(context.WithoutCancel(ctx))
	return res, nil
}

func (b *SessionBackend) onStatus(ctx context.Context, result *Future[Result], ev StatusEvent) {
	switch ev.Status {
	case StatusPendingUserAction:
		if b.launcher == nil {
			result.TryResolve(failure(CodeUserInteractionNeeded, ShortUserInteractionRequired,
				"The installation requires user interaction which is not possible in the background.", nil))
			return
		}
		markAwaitingConfirmation(ctx)
		if err := b.launcher.LaunchConfirmation(ctx, ev.ConfirmationIntent); err != nil {
			result.TryResolve(failure(CodeActivityNotAvailable, ShortFailure,
				"Installation failed because Activity is not available.", err))
		}
	case StatusSuccess:
		result.TryResolve(success(""))
	default:
		result.TryResolve(sessionFailure(ev.Status, ev.Message))
	}
}
