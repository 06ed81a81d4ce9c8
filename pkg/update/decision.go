package update

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

type Decision string

const (
	DecisionInstall   Decision = "install"   // Not installed yet
	DecisionUpdate    Decision = "update"    // Newer release available
	DecisionSkip      Decision = "skip"      // Already at the available version
	DecisionReinstall Decision = "reinstall" // Force reinstall of the same version
	DecisionDowngrade Decision = "downgrade" // Explicit downgrade with force
	DecisionRefuse    Decision = "refuse"    // Installed app has a foreign signer
)

// Installed describes the on-device state of a package.
type Installed struct {
	Present bool
	Version string

	// FingerprintMatches is false when the installed package is signed by a
	// certificate other than the pinned one.
	FingerprintMatches bool
}

// FormatVersionDisplay strips a leading "v" so that tags and version names print
// the same way.
func FormatVersionDisplay(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// NormalizeVersion parses v. The boolean is false when v is empty or not a
// version.
func NormalizeVersion(v string) (*version.Version, bool) {
	trimmed := FormatVersionDisplay(v)
	if trimmed == "" {
		return nil, false
	}
	parsed, err := version.NewVersion(trimmed)
	if err != nil {
		return nil, false
	}
	return parsed, true
}

// CompareVersions returns -1, 0 or 1 when a is older than, equal to or newer than
// b. It fails when either version cannot be parsed.
func CompareVersions(a, b string) (int, error) {
	av, ok := NormalizeVersion(a)
	if !ok {
		return 0, fmt.Errorf("invalid version %q", a)
	}
	bv, ok := NormalizeVersion(b)
	if !ok {
		return 0, fmt.Errorf("invalid version %q", b)
	}
	return av.Compare(bv), nil
}

// Decide determines whether available should be installed over installed.
//
// force reinstalls the same version and allows downgrades. It never overrides a
// foreign signer: replacing such a package would fail on the device anyway and
// hides a potential tampering problem.
func Decide(installed Installed, available string, force bool) (Decision, string) {
	target := FormatVersionDisplay(available)
	if !installed.Present {
		return DecisionInstall, fmt.Sprintf("Installing %s", target)
	}
	if !installed.FingerprintMatches {
		return DecisionRefuse, fmt.Sprintf("Refusing to replace installed %s: it is signed by a different certificate. Uninstall it first.",
			FormatVersionDisplay(installed.Version))
	}
	current := FormatVersionDisplay(installed.Version)

	cmp, err := CompareVersions(current, target)
	if err != nil {
		if current == target {
			return skipOrReinstall(target, force)
		}
		return DecisionUpdate, fmt.Sprintf("Updating: %s → %s (versions compared as text)", current, target)
	}

	switch {
	case cmp == 0:
		return skipOrReinstall(target, force)
	case cmp < 0:
		return DecisionUpdate, fmt.Sprintf("Updating: %s → %s", current, target)
	case force:
		return DecisionDowngrade, fmt.Sprintf("Downgrading: %s → %s", current, target)
	default:
		return DecisionSkip, fmt.Sprintf("Installed version %s is newer than %s. Use --force to downgrade.", current, target)
	}
}

func skipOrReinstall(target string, force bool) (Decision, string) {
	if force {
		return DecisionReinstall, fmt.Sprintf("Reinstalling %s...", target)
	}
	return DecisionSkip, fmt.Sprintf("Already at latest version (%s). Use --force to reinstall.", target)
}

// UpdateAvailable reports whether d leads to an install.
func (d Decision) UpdateAvailable() bool {
	switch d {
	case DecisionInstall, DecisionUpdate, DecisionReinstall, DecisionDowngrade:
		return true
	}
	return false
}

// DescribeDecision returns a human-readable dry-run status.
func DescribeDecision(d Decision) string {
	switch d {
	case DecisionInstall:
		return "Not installed"
	case DecisionUpdate:
		return "Update available"
	case DecisionSkip:
		return "Already at latest version (no update needed)"
	case DecisionReinstall:
		return "Force reinstall requested"
	case DecisionDowngrade:
		return "Downgrade requested"
	case DecisionRefuse:
		return "Update refused (installed app has a different signer)"
	default:
		return string(d)
	}
}
