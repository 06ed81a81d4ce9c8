package model

import (
	"regexp"
	"time"
)

// SourceType names a release host.
type SourceType string

const (
	SourceGitHub SourceType = "github"
	SourceGitLab SourceType = "gitlab"
)

// Source describes where releases of a package are published.
type Source struct {
	Type      SourceType `json:"type"`
	Owner     string     `json:"owner"`
	Repo      string     `json:"repo"`
	ProjectID int        `json:"projectId,omitempty"` // GitLab only
	PerPage   int        `json:"perPage,omitempty"`

	// SkipLatestEndpoint bypasses the "latest release" endpoint and goes straight to
	// the paginated list. Needed for repos whose newest release is not the one we want
	// (nightlies, betas, or desktop-only releases published in between).
	SkipLatestEndpoint bool   `json:"skipLatestEndpoint,omitempty"`
	AllowPrerelease    bool   `json:"allowPrerelease,omitempty"`
	ReleaseNamePrefix  string `json:"releaseNamePrefix,omitempty"`
	RequireDescription bool   `json:"requireDescription,omitempty"`
}

// PackageIdentity is one trackable package. Identities are created once from the
// catalog and never mutated.
type PackageIdentity struct {
	Name          string `json:"name"`
	Title         string `json:"title,omitempty"`
	PackageName   string `json:"packageName"`
	SignatureHash string `json:"signatureHash"`
	SupportedABIs []ABI  `json:"supportedAbis"`
	MinSDK        int    `json:"minSdk,omitempty"`
	Source        Source `json:"source"`

	// AssetPatterns maps an ABI to the asset name pattern for that ABI. A pattern is
	// either an exact name or a regular expression when prefixed with "re:".
	// The key "*" applies to every ABI; "{{abi}}" is replaced by the ABI token.
	AssetPatterns map[string]string `json:"assetPatterns"`
	ABITokens     map[ABI]string    `json:"abiTokens,omitempty"`

	// The version is the tag without VersionPrefix, cut at the first VersionCutAt.
	VersionPrefix string `json:"versionPrefix,omitempty"`
	VersionCutAt  string `json:"versionCutAt,omitempty"`

	Zipped      bool   `json:"zipped,omitempty"`
	MinisignKey string `json:"minisignKey,omitempty"`
}

// ReleaseCandidate is what a release predicate sees.
type ReleaseCandidate struct {
	Name       string
	TagName    string
	Prerelease bool
}

// AssetCandidate is what an asset predicate sees.
type AssetCandidate struct {
	Name string
}

// ReleaseQuery is a single resolution request against a release host.
type ReleaseQuery struct {
	Owner              string
	Repo               string
	ProjectID          int
	PerPage            int
	SkipLatestEndpoint bool
	RequireDescription bool
	AcceptRelease      func(ReleaseCandidate) bool
	AcceptAsset        func(AssetCandidate) bool
}

// ResolvedRelease is the outcome of a successful resolution.
type ResolvedRelease struct {
	Version     string `json:"version"`
	TagName     string `json:"tagName"`
	AssetName   string `json:"assetName"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size"` // 0 when the host does not report it
	PublishedAt string `json:"publishedAt"`
	FileHash    string `json:"fileHash,omitempty"` // "sha256:<hex>"
	Description string `json:"description,omitempty"`
}

// CacheEntry is a resolved release plus the time it was fetched.
type CacheEntry struct {
	Release   ResolvedRelease `json:"release"`
	CreatedAt time.Time       `json:"createdAt"`
}

// FingerprintResult is the outcome of a certificate fingerprint check.
type FingerprintResult struct {
	Valid bool
	Hex   string
}

// InstallationStatus describes the on-device state of a package.
type InstallationStatus string

const (
	StatusInstalled                 InstallationStatus = "installed"
	StatusInstalledWrongFingerprint InstallationStatus = "installed-with-different-fingerprint"
	StatusNotInstalled              InstallationStatus = "not-installed"
)

var nonWord = regexp.MustCompile(`\W`)

// FilePrefix is the package name with every non-word character replaced by "_".
// Downloaded APK files must start with it.
func (p PackageIdentity) FilePrefix() string {
	return nonWord.ReplaceAllString(p.PackageName, "_")
}

// Supports reports whether abi is one of the package's supported ABIs.
func (p PackageIdentity) Supports(abi ABI) bool {
	for _, a := range p.SupportedABIs {
		if a == abi {
			return true
		}
	}
	return false
}
