package model

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork             = errors.New("network error")
	ErrRateLimited         = errors.New("api rate limit exceeded")
	ErrNoMatchingRelease   = errors.New("no matching release")
	ErrInsecureURL         = errors.New("insecure url")
	ErrSizeMismatch        = errors.New("size mismatch")
	ErrHashMismatch        = errors.New("hash mismatch")
	ErrMultipleSigners     = errors.New("multiple signers")
	ErrNoSignature         = errors.New("no signature")
	ErrUntrustedArtifact   = errors.New("untrusted artifact")
	ErrPostInstallMismatch = errors.New("post-install fingerprint mismatch")
	ErrUnsupportedDevice   = errors.New("package not supported on this device")
)

// NetworkError is a transport or HTTP failure. errors.Is(err, ErrNetwork) holds for
// every NetworkError.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("request %s failed with HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("request %s failed with HTTP %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("request %s failed: %v", e.URL, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// IsSecurityError reports whether err signals a potential tampering attempt rather
// than a transient failure.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrUntrustedArtifact) ||
		errors.Is(err, ErrPostInstallMismatch) ||
		errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrMultipleSigners)
}
