// Package verify checks downloaded artifacts and installed packages against the
// signing certificate fingerprints, file digests and signatures pinned in the
// catalog.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

// Source selects what a PackageInspector reads certificates from. Exactly one
// field is set.
type Source struct {
	Path        string
	PackageName string
}

func FileSource(path string) Source { return Source{Path: path} }

func InstalledSource(packageName string) Source { return Source{PackageName: packageName} }

func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	return "installed package " + s.PackageName
}

// PackageInspector reads signing certificates and installation state.
type PackageInspector interface {
	// SigningCertificates returns the DER encoded certificate of every signer.
	SigningCertificates(ctx context.Context, src Source) ([][]byte, error)
	IsInstalled(ctx context.Context, packageName string) (bool, error)
	InstalledVersion(ctx context.Context, packageName string) (string, error)
}

type Verifier struct {
	inspector PackageInspector
}

func NewVerifier(inspector PackageInspector) *Verifier {
	return &Verifier{inspector: inspector}
}

// CheckFile compares the signer of the APK at path with the pinned fingerprint of id.
func (v *Verifier) CheckFile(ctx context.Context, path string, id model.PackageIdentity) (model.FingerprintResult, error) {
	return v.check(ctx, FileSource(path), id)
}

// CheckInstalled compares the signer of the installed package id with its pinned
// fingerprint.
func (v *Verifier) CheckInstalled(ctx context.Context, id model.PackageIdentity) (model.FingerprintResult, error) {
	return v.check(ctx, InstalledSource(id.PackageName), id)
}

func (v *Verifier) check(ctx context.Context, src Source, id model.PackageIdentity) (model.FingerprintResult, error) {
	certs, err := v.inspector.SigningCertificates(ctx, src)
	if err != nil {
		return model.FingerprintResult{}, fmt.Errorf("read signing certificates of %s: %w", src, err)
	}
	switch len(certs) {
	case 0:
		return model.FingerprintResult{}, fmt.Errorf("%s: %w", src, model.ErrNoSignature)
	case 1:
	default:
		return model.FingerprintResult{}, fmt.Errorf("%s has %d signers: %w", src, len(certs), model.ErrMultipleSigners)
	}

	fp := Fingerprint(certs[0])
	res := model.FingerprintResult{Valid: fp == strings.ToLower(id.SignatureHash), Hex: fp}
	fields := log.Fields{"package": id.PackageName, "source": src.String(), "fingerprint": fp}
	if res.Valid {
		log.WithFields(fields).Debug("signing certificate matches")
	} else {
		log.WithFields(fields).Warnf("signing certificate does not match pinned %s", id.SignatureHash)
	}
	return res, nil
}

// Status reports whether id is installed and, if so, whether it is signed by the
// pinned certificate.
func (v *Verifier) Status(ctx context.Context, id model.PackageIdentity) (model.InstallationStatus, error) {
	installed, err := v.inspector.IsInstalled(ctx, id.PackageName)
	if err != nil {
		return "", fmt.Errorf("check whether %s is installed: %w", id.PackageName, err)
	}
	if !installed {
		return model.StatusNotInstalled, nil
	}
	res, err := v.CheckInstalled(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrMultipleSigners) {
			return model.StatusInstalledWrongFingerprint, nil
		}
		return "", err
	}
	if !res.Valid {
		return model.StatusInstalledWrongFingerprint, nil
	}
	return model.StatusInstalled, nil
}

// Fingerprint is the lowercase hex SHA-256 of a DER encoded certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
