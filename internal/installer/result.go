package installer

import (
	"fmt"

	"github.com/3leaps/apkfetch/internal/model"
)

// Codes reported by the installer itself. Platform status and install result
// codes are passed through unchanged.
const (
	CodeSignatureCheckFailed  = -103
	CodeUntrustedArtifact     = -100
	CodeInstalledCheckFailed  = -102
	CodePostInstallMismatch   = -101
	CodeActivityNotAvailable  = -110
	CodeRootMissing           = -421
	CodeShellFailed           = -422
	CodeBrokerPermission      = -431
	CodeBrokerNotRunning      = -432
	CodeBrokerUnsupported     = -433
	CodeUserInteractionNeeded = -440
)

// Short codes are stable, machine readable failure identifiers.
const (
	ShortStorage                 = "storage"
	ShortSessionCreateFailed     = "session-create-failed"
	ShortConflict                = "conflict"
	ShortIncompatible            = "incompatible"
	ShortAborted                 = "aborted"
	ShortBlocked                 = "blocked"
	ShortInvalid                 = "invalid"
	ShortFailure                 = "failure"
	ShortBrokerUnavailable       = "broker-unavailable"
	ShortBrokerUnsupported       = "broker-unsupported"
	ShortPermissionDenied        = "permission-denied"
	ShortUserInteractionRequired = "user-interaction-required"
	ShortUntrustedArtifact       = "untrusted-artifact"
	ShortPostInstallMismatch     = "post-install-mismatch"
	ShortSignatureCheckFailed    = "signature-check-failed"
	ShortInstalledCheckFailed    = "installed-check-failed"
	ShortShellFailed             = "shell-failed"
)

// Result is the outcome of one install attempt.
type Result struct {
	Success         bool
	CertificateHash string
	Code            int
	ShortCode       string
	Message         string
	Cause           error
}

func (r Result) Error() string {
	if r.Success {
		return ""
	}
	if r.Cause != nil {
		return fmt.Sprintf("%s (%s, code %d): %v", r.Message, r.ShortCode, r.Code, r.Cause)
	}
	return fmt.Sprintf("%s (%s, code %d)", r.Message, r.ShortCode, r.Code)
}

// Err returns nil for a successful result and an error describing the failure
// otherwise. Security failures wrap the matching model sentinel.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Failure{Result: r}
}

// IsSecurityFailure reports whether the attempt was stopped by a fingerprint
// mismatch.
func (r Result) IsSecurityFailure() bool {
	return r.ShortCode == ShortUntrustedArtifact || r.ShortCode == ShortPostInstallMismatch
}

// Failure adapts a failed Result to the error interface.
type Failure struct {
	Result Result
}

func (f *Failure) Error() string { return f.Result.Error() }

func (f *Failure) Unwrap() error { return f.Result.Cause }

func (f *Failure) Is(target error) bool {
	switch f.Result.ShortCode {
	case ShortUntrustedArtifact:
		return target == model.ErrUntrustedArtifact
	case ShortPostInstallMismatch:
		return target == model.ErrPostInstallMismatch
	}
	return false
}

func success(hash string) Result {
	return Result{Success: true, CertificateHash: hash}
}

func failure(code int, short, message string, cause error) Result {
	return Result{Code: code, ShortCode: short, Message: message, Cause: cause}
}
