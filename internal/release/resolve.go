// Package release turns a package identity into a release query, sends it to the
// right release host and derives the version from the tag.
package release

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

// Finder is implemented by the per-host resolvers.
type Finder interface {
	FindLatestRelease(ctx context.Context, q model.ReleaseQuery) (model.ResolvedRelease, error)
}

// Device describes the target the release is picked for.
type Device struct {
	ABIs        []model.ABI
	SDK         int
	Prefer32Bit bool
}

type Resolver struct {
	finders map[model.SourceType]Finder
	device  Device
}

func NewResolver(device Device, github, gitlab Finder) *Resolver {
	return &Resolver{
		finders: map[model.SourceType]Finder{
			model.SourceGitHub: github,
			model.SourceGitLab: gitlab,
		},
		device: device,
	}
}

// Resolve finds the newest release of id for the best ABI of the device.
func (r *Resolver) Resolve(ctx context.Context, id model.PackageIdentity) (model.ResolvedRelease, error) {
	if id.MinSDK > 0 && r.device.SDK > 0 && r.device.SDK < id.MinSDK {
		return model.ResolvedRelease{}, fmt.Errorf("%w: %s requires sdk %d, device has %d",
			model.ErrUnsupportedDevice, id.Name, id.MinSDK, r.device.SDK)
	}
	abi, err := model.BestABI(r.device.ABIs, id.SupportedABIs, r.device.Prefer32Bit)
	if err != nil {
		return model.ResolvedRelease{}, fmt.Errorf("%s: %w", id.Name, err)
	}
	return r.ResolveABI(ctx, id, abi)
}

func (r *Resolver) ResolveABI(ctx context.Context, id model.PackageIdentity, abi model.ABI) (model.ResolvedRelease, error) {
	finder := r.finders[id.Source.Type]
	if finder == nil {
		return model.ResolvedRelease{}, fmt.Errorf("%s: no resolver for source type %q", id.Name, id.Source.Type)
	}
	q, err := BuildQuery(id, abi)
	if err != nil {
		return model.ResolvedRelease{}, err
	}

	log.WithFields(log.Fields{"package": id.Name, "abi": abi, "source": id.Source.Type}).Debug("resolving latest release")
	rel, err := finder.FindLatestRelease(ctx, q)
	if err != nil {
		return model.ResolvedRelease{}, fmt.Errorf("%s: %w", id.Name, err)
	}
	rel.Version = CleanVersion(id, rel.TagName)
	return rel, nil
}

// BuildQuery derives the host query for one identity and ABI.
func BuildQuery(id model.PackageIdentity, abi model.ABI) (model.ReleaseQuery, error) {
	if !id.Supports(abi) {
		return model.ReleaseQuery{}, fmt.Errorf("%w: %s does not ship %s", model.ErrUnsupportedDevice, id.Name, abi)
	}
	accept, err := AssetMatcher(id, abi)
	if err != nil {
		return model.ReleaseQuery{}, err
	}
	src := id.Source
	return model.ReleaseQuery{
		Owner:              src.Owner,
		Repo:               src.Repo,
		ProjectID:          src.ProjectID,
		PerPage:            src.PerPage,
		SkipLatestEndpoint: src.SkipLatestEndpoint,
		RequireDescription: src.RequireDescription,
		AcceptRelease: func(c model.ReleaseCandidate) bool {
			if c.Prerelease && !src.AllowPrerelease {
				return false
			}
			return strings.HasPrefix(c.Name, src.ReleaseNamePrefix)
		},
		AcceptAsset: accept,
	}, nil
}

// AssetMatcher returns the asset predicate for abi. The pattern for the ABI wins
// over the "*" pattern. Patterns prefixed with "re:" are regular expressions
// matched against the whole name; "{{abi}}" expands to the ABI token.
func AssetMatcher(id model.PackageIdentity, abi model.ABI) (func(model.AssetCandidate) bool, error) {
	pattern, ok := id.AssetPatterns[string(abi)]
	if !ok {
		pattern, ok = id.AssetPatterns["*"]
	}
	if !ok {
		return nil, fmt.Errorf("%s: no asset pattern for %s", id.Name, abi)
	}
	token := string(abi)
	if t, ok := id.ABITokens[abi]; ok {
		token = t
	}

	if expr, isRegex := strings.CutPrefix(pattern, "re:"); isRegex {
		expr = strings.ReplaceAll(expr, "{{abi}}", regexp.QuoteMeta(token))
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("%s: asset pattern %q: %w", id.Name, pattern, err)
		}
		return func(a model.AssetCandidate) bool { return re.MatchString(a.Name) }, nil
	}
	name := strings.ReplaceAll(pattern, "{{abi}}", token)
	return func(a model.AssetCandidate) bool { return a.Name == name }, nil
}

// CleanVersion strips the configured prefix from tag and cuts it at the
// configured separator.
func CleanVersion(id model.PackageIdentity, tag string) string {
	v := strings.TrimPrefix(tag, id.VersionPrefix)
	if id.VersionCutAt != "" {
		v, _, _ = strings.Cut(v, id.VersionCutAt)
	}
	return v
}
