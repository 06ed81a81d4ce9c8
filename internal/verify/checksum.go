package verify

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/3leaps/apkfetch/internal/model"
)

// ParseDigest splits "algo:hex" into its parts. A bare digest is taken as sha256.
func ParseDigest(s string) (algo, digest string, err error) {
	algo, digest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		algo, digest = "sha256", algo
	}
	algo = strings.ToLower(algo)
	digestLen := expectedDigestLength(algo)
	if digestLen == 0 {
		return "", "", fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	if !isHexDigest(digest, digestLen) {
		return "", "", fmt.Errorf("invalid %s digest %q", algo, digest)
	}
	return algo, strings.ToLower(digest), nil
}

// NewHash returns a hasher for algo.
func NewHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}

// FileDigest returns the lowercase hex digest of the file at path.
func FileDigest(path, algo string) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	// #nosec G304 -- path is a file this process downloaded
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileHash checks the file at path against expected ("sha256:<hex>").
func VerifyFileHash(path, expected string) error {
	algo, want, err := ParseDigest(expected)
	if err != nil {
		return err
	}
	got, err := FileDigest(path, algo)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s of %s is %s, expected %s", model.ErrHashMismatch, algo, path, got, want)
	}
	return nil
}

func isHexDigest(value string, expectedLen int) bool {
	if expectedLen > 0 && len(value) != expectedLen {
		return false
	}
	if len(value)%2 != 0 {
		return false
	}
	for _, ch := range value {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') && (ch < 'A' || ch > 'F') {
			return false
		}
	}
	return true
}

func expectedDigestLength(algo string) int {
	switch strings.ToLower(algo) {
	case "sha256":
		return 64
	case "sha512":
		return 128
	default:
		return 0
	}
}
