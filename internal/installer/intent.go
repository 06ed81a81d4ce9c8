package installer

import (
	"context"
	"fmt"
	"os"

	"github.com/3leaps/apkfetch/internal/model"
)

// Activity result codes.
const (
	ResultOK       = -1
	ResultCanceled = 0
)

// ActivityResult is what the install screen returns. InstallResult is nil when
// the platform attached no INSTALL_RESULT extra.
type ActivityResult struct {
	ResultCode    int
	InstallResult *int
}

// IntentLauncher opens the platform install screen for file and calls onResult
// once the screen closes.
type IntentLauncher interface {
	LaunchInstall(ctx context.Context, file string, onResult func(ActivityResult)) error
}

// IntentBackend asks the user to confirm the install on the platform install
// screen. It needs a foreground UI.
type IntentBackend struct {
	launcher     IntentLauncher
	manufacturer string
}

func NewIntentBackend(launcher IntentLauncher, manufacturer string) *IntentBackend {
	return &IntentBackend{launcher: launcher, manufacturer: manufacturer}
}

func (b *IntentBackend) ExecuteInstall(ctx context.Context, file string, _ model.PackageIdentity) (Result, error) {
	if _, err := os.Stat(file); err != nil {
		return Result{}, fmt.Errorf("intent install: %w", err)
	}
	result := NewFuture[Result]()
	err := b.launcher.LaunchInstall(ctx, file, func(r ActivityResult) {
		result.TryResolve(b.decode(r))
	})
	if err != nil {
		return failure(CodeActivityNotAvailable, ShortFailure, "Installation failed because Activity is not available.", err), nil
	}
	markAwaitingConfirmation(ctx)

	res, err := result.Await(ctx)
	if err != nil {
		return failure(StatusAborted, ShortAborted, "The installation was cancelled.", err), nil
	}
	return res, nil
}

func (b *IntentBackend) decode(r ActivityResult) Result {
	if r.ResultCode == ResultOK {
		return success("")
	}
	installResult := "null"
	short := ShortFailure
	msg := "Installation failed."
	if r.InstallResult != nil {
		installResult = fmt.Sprint(*r.InstallResult)
		short = installResultShortCode(*r.InstallResult)
		if decoded, ok := DecodeInstallResult(b.manufacturer, *r.InstallResult); ok {
			msg = decoded
		}
	} else if r.ResultCode == ResultCanceled {
		short = ShortAborted
	}
	return failure(r.ResultCode, short,
		fmt.Sprintf("%s ResultCode: %d, INSTALL_RESULT: %s", msg, r.ResultCode, installResult), nil)
}
