package verify

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedisct1/go-minisign"

	"github.com/3leaps/apkfetch/internal/model"
)

// SignatureSuffix is appended to an artifact URL to locate its minisign signature.
const SignatureSuffix = ".minisig"

// VerifyMinisignSignature checks the file at path against the minisign signature
// at sigPath. pubKey is the base64 public key line pinned in the catalog.
func VerifyMinisignSignature(path, sigPath, pubKey string) error {
	pk, err := minisign.NewPublicKey(strings.TrimSpace(pubKey))
	if err != nil {
		return fmt.Errorf("read minisign pubkey: %w", err)
	}

	sig, err := minisign.NewSignatureFromFile(sigPath)
	if err != nil {
		return fmt.Errorf("read minisign signature: %w", err)
	}

	// #nosec G304 -- path is a file this process downloaded
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	valid, err := pk.Verify(content, sig)
	if err != nil {
		return fmt.Errorf("%w: minisign: %v", model.ErrUntrustedArtifact, err)
	}
	if !valid {
		return fmt.Errorf("%w: minisign signature verification failed", model.ErrUntrustedArtifact)
	}

	return nil
}
