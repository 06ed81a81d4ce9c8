// Package installer installs verified APK files through one of several
// privileged backends.
//
// Every attempt checks the signing certificate of the file before the backend
// runs and the certificate of the installed package after the backend reports
// success. Either mismatch fails the attempt, even when the platform accepted
// the package.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

// Backend performs the privileged part of an install. Expected failures are
// reported in the Result; the error is reserved for invalid arguments.
type Backend interface {
	ExecuteInstall(ctx context.Context, file string, id model.PackageIdentity) (Result, error)
}

// Verifier checks signing certificates against the pinned fingerprint.
type Verifier interface {
	CheckFile(ctx context.Context, path string, id model.PackageIdentity) (model.FingerprintResult, error)
	CheckInstalled(ctx context.Context, id model.PackageIdentity) (model.FingerprintResult, error)
}

// State of one install attempt.
type State int

const (
	StateCreated State = iota
	StateAwaitingBackend
	StateAwaitingUserConfirmation
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingBackend:
		return "awaiting-backend"
	case StateAwaitingUserConfirmation:
		return "awaiting-user-confirmation"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("state-%d", int(s))
}

// Installer runs install attempts through one backend.
type Installer struct {
	backend  Backend
	verifier Verifier

	// OnState, when set, is called for every state transition.
	OnState func(id model.PackageIdentity, s State)
}

func New(backend Backend, verifier Verifier) *Installer {
	return &Installer{backend: backend, verifier: verifier}
}

// Install verifies file, hands it to the backend and verifies the installed
// package. The error is non-nil only for invalid arguments; every other outcome is
// described by the Result.
func (i *Installer) Install(ctx context.Context, file string, id model.PackageIdentity) (Result, error) {
	if id.PackageName == "" {
		return Result{}, errors.New("install: package identity has no package name")
	}
	info, err := os.Stat(file)
	if err != nil {
		return Result{}, fmt.Errorf("install %s: %w", id.PackageName, err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("install %s: %s is not a regular file", id.PackageName, file)
	}

	a := newAttempt(id, i.OnState)
	res, err := i.run(withAttempt(ctx, a), a, file, id)
	if err != nil {
		a.complete(failure(0, ShortFailure, err.Error(), err))
		return Result{}, err
	}
	a.complete(res)
	res, _ = a.result.Await(context.Background())

	fields := log.Fields{"package": id.PackageName, "file": file}
	if res.Success {
		log.WithFields(fields).WithField("fingerprint", res.CertificateHash).Info("installed")
	} else {
		log.WithFields(fields).WithFields(log.Fields{"code": res.Code, "reason": res.ShortCode}).Warn(res.Message)
	}
	return res, nil
}

func (i *Installer) run(ctx context.Context, a *attempt, file string, id model.PackageIdentity) (Result, error) {
	pre, err := i.verifier.CheckFile(ctx, file, id)
	switch {
	case errors.Is(err, model.ErrMultipleSigners):
		return failure(CodeUntrustedArtifact, ShortUntrustedArtifact,
			"Downloaded application is NOT verified. It is signed by more than one certificate.", err), nil
	case err != nil:
		return failure(CodeSignatureCheckFailed, ShortSignatureCheckFailed,
			"Can't validate the signature of the APK file.", err), nil
	case !pre.Valid:
		return failure(CodeUntrustedArtifact, ShortUntrustedArtifact,
			fmt.Sprintf("Downloaded application is NOT verified. Expected %s but was %s.", id.SignatureHash, pre.Hex),
			model.ErrUntrustedArtifact), nil
	}

	a.transition(StateAwaitingBackend)
	res, err := i.backend.ExecuteInstall(ctx, file, id)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, nil
	}

	// The package is committed at this point; the caller's cancellation must not
	// skip the check of what was installed.
	post, err := i.verifier.CheckInstalled(context.WithoutCancel(ctx), id)
	switch {
	case errors.Is(err, model.ErrMultipleSigners):
		return failure(CodePostInstallMismatch, ShortPostInstallMismatch,
			"Installed app is NOT verified. It is signed by more than one certificate.", err), nil
	case err != nil:
		return failure(CodeInstalledCheckFailed, ShortInstalledCheckFailed, "Failed to check installed app.", err), nil
	case !post.Valid || post.Hex != pre.Hex:
		return failure(CodePostInstallMismatch, ShortPostInstallMismatch,
			fmt.Sprintf("Installed app is NOT verified. Expected %s but was %s.", pre.Hex, post.Hex),
			model.ErrPostInstallMismatch), nil
	}
	return success(pre.Hex), nil
}

// attempt tracks the state of one Install call.
type attempt struct {
	id      model.PackageIdentity
	onState func(model.PackageIdentity, State)
	result  *Future[Result]
	mu      sync.Mutex
	state   State
}

func newAttempt(id model.PackageIdentity, onState func(model.PackageIdentity, State)) *attempt {
	a := &attempt{id: id, onState: onState, result: NewFuture[Result]()}
	a.notify(StateCreated)
	return a
}

func (a *attempt) transition(s State) {
	a.mu.Lock()
	if a.state == StateCompleted || a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	a.notify(s)
}

func (a *attempt) complete(res Result) {
	if !a.result.TryResolve(res) {
		return
	}
	a.mu.Lock()
	a.state = StateCompleted
	a.mu.Unlock()
	a.notify(StateCompleted)
}

func (a *attempt) notify(s State) {
	log.WithFields(log.Fields{"package": a.id.PackageName, "state": s.String()}).Debug("install state")
	if a.onState != nil {
		a.onState(a.id, s)
	}
}

type attemptKey struct{}

func withAttempt(ctx context.Context, a *attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// markAwaitingConfirmation records that the backend handed control to the user.
func markAwaitingConfirmation(ctx context.Context) {
	if a, ok := ctx.Value(attemptKey{}).(*attempt); ok {
		a.transition(StateAwaitingUserConfirmation)
	}
}
