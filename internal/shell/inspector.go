package shell

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/3leaps/apkfetch/internal/apk"
	"github.com/3leaps/apkfetch/internal/verify"
)

var (
	packageNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)
	versionNamePattern = regexp.MustCompile(`versionName=(\S+)`)
)

// PackageInspector reads installed packages with pm and dumpsys, and APK files
// directly.
type PackageInspector struct {
	runner Runner
}

var _ verify.PackageInspector = (*PackageInspector)(nil)

func NewPackageInspector(r Runner) *PackageInspector {
	return &PackageInspector{runner: r}
}

func (p *PackageInspector) SigningCertificates(ctx context.Context, src verify.Source) ([][]byte, error) {
	if src.Path != "" {
		return apk.Signers(src.Path)
	}
	path, err := p.apkPath(ctx, src.PackageName)
	if err != nil {
		return nil, err
	}
	return apk.Signers(path)
}

func (p *PackageInspector) IsInstalled(ctx context.Context, packageName string) (bool, error) {
	_, err := p.apkPath(ctx, packageName)
	if errors.Is(err, errNotInstalled) {
		return false, nil
	}
	return err == nil, err
}

func (p *PackageInspector) InstalledVersion(ctx context.Context, packageName string) (string, error) {
	if !packageNamePattern.MatchString(packageName) {
		return "", fmt.Errorf("invalid package name %q", packageName)
	}
	res, err := p.runner.Run(ctx, "dumpsys package "+packageName)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("dumpsys package %s: %s", packageName, res)
	}
	m := versionNamePattern.FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", fmt.Errorf("%s: %w", packageName, errNotInstalled)
	}
	return m[1], nil
}

var errNotInstalled = errors.New("package is not installed")

// apkPath returns the base APK of an installed package.
func (p *PackageInspector) apkPath(ctx context.Context, packageName string) (string, error) {
	if !packageNamePattern.MatchString(packageName) {
		return "", fmt.Errorf("invalid package name %q", packageName)
	}
	res, err := p.runner.Run(ctx, "pm path "+packageName)
	if err != nil {
		return "", err
	}
	var paths []string
	for _, line := range res.Lines() {
		if rest, ok := strings.CutPrefix(line, "package:"); ok {
			paths = append(paths, rest)
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%s: %w", packageName, errNotInstalled)
	}
	for _, candidate := range paths {
		if strings.HasSuffix(candidate, "/base.apk") {
			return candidate, nil
		}
	}
	return paths[0], nil
}
