// Package github finds the newest matching release of a GitHub repository.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/httpclient"
	"github.com/3leaps/apkfetch/internal/jsonstream"
	"github.com/3leaps/apkfetch/internal/model"
)

const (
	maxPages       = 10
	defaultPerPage = 30
)

type Resolver struct {
	client  Getter
	apiBase string
	token   string
}

type Option func(*Resolver)

// WithAPIBase points the resolver at another API root, for GitHub Enterprise or tests.
func WithAPIBase(base string) Option {
	return func(r *Resolver) { r.apiBase = strings.TrimRight(base, "/") }
}

func WithToken(token string) Option {
	return func(r *Resolver) { r.token = token }
}

func NewResolver(client Getter, opts ...Option) *Resolver {
	r := &Resolver{client: client, apiBase: DefaultAPIBase}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindLatestRelease returns the first release accepted by q.AcceptRelease that has
// an asset accepted by q.AcceptAsset. The "latest" endpoint is tried first unless
// q.SkipLatestEndpoint is set; then up to ten pages of the release list are scanned.
func (r *Resolver) FindLatestRelease(ctx context.Context, q model.ReleaseQuery) (model.ResolvedRelease, error) {
	repo := url.PathEscape(q.Owner) + "/" + url.PathEscape(q.Repo)

	if !q.SkipLatestEndpoint {
		latestURL := fmt.Sprintf("%s/repos/%s/releases/latest", r.apiBase, repo)
		var (
			rel   model.ResolvedRelease
			found bool
		)
		err := r.fetch(ctx, latestURL, func(rd *jsonstream.Reader) error {
			var err error
			rel, found, err = readRelease(rd, q)
			return err
		})
		switch {
		case err == nil && found:
			return rel, nil
		case err != nil && !isNotFound(err):
			return model.ResolvedRelease{}, err
		}
		log.WithField("repo", repo).Debug("latest release does not match, scanning release list")
	}

	perPage := q.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	for page := 1; page <= maxPages; page++ {
		listURL := fmt.Sprintf("%s/repos/%s/releases?per_page=%d&page=%d", r.apiBase, repo, perPage, page)
		var (
			rel   model.ResolvedRelease
			found bool
			count int
		)
		err := r.fetch(ctx, listURL, func(rd *jsonstream.Reader) error {
			var err error
			rel, found, count, err = readReleaseList(rd, q)
			return err
		})
		if err != nil {
			return model.ResolvedRelease{}, err
		}
		if found {
			return rel, nil
		}
		if count < perPage {
			break
		}
	}
	return model.ResolvedRelease{}, fmt.Errorf("%w: github %s", model.ErrNoMatchingRelease, repo)
}

func (r *Resolver) fetch(ctx context.Context, rawURL string, parse func(*jsonstream.Reader) error) error {
	resp, err := r.client.Get(ctx, rawURL,
		httpclient.WithHeader("Accept", "application/vnd.github+json"),
		httpclient.WithBearer(r.token),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := parse(jsonstream.NewReader(resp.Body)); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &model.NetworkError{URL: rawURL, Err: err}
		}
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return nil
}

// isNotFound covers repositories without any published (non-prerelease) release,
// where the latest endpoint answers 404.
func isNotFound(err error) bool {
	var netErr *model.NetworkError
	return errors.As(err, &netErr) && netErr.StatusCode == 404
}

func readReleaseList(rd *jsonstream.Reader, q model.ReleaseQuery) (model.ResolvedRelease, bool, int, error) {
	if err := rd.BeginArray(); err != nil {
		return model.ResolvedRelease{}, false, 0, err
	}
	count := 0
	for rd.More() {
		count++
		rel, found, err := readRelease(rd, q)
		if err != nil {
			return model.ResolvedRelease{}, false, count, err
		}
		if found {
			// stop at the first match; the rest of the page is never read
			return rel, true, count, nil
		}
	}
	return model.ResolvedRelease{}, false, count, rd.EndArray()
}

// asset is one entry of a release's "assets" array.
type asset struct {
	name   string
	url    string
	size   int64
	digest string
}

// readRelease consumes one release object. The release predicate runs as soon as
// name and prerelease are known; a rejected release has its assets skipped.
func readRelease(rd *jsonstream.Reader, q model.ReleaseQuery) (model.ResolvedRelease, bool, error) {
	if err := rd.BeginObject(); err != nil {
		return model.ResolvedRelease{}, false, err
	}

	var (
		cand              model.ReleaseCandidate
		rel               model.ResolvedRelease
		seenName, seenPre bool
		decided, accepted bool
		match             *asset
		pending           []asset
	)
	decide := func() {
		if !decided && seenName && seenPre {
			decided = true
			accepted = q.AcceptRelease == nil || q.AcceptRelease(cand)
		}
	}

	for rd.More() {
		key, err := rd.Name()
		if err != nil {
			return model.ResolvedRelease{}, false, err
		}
		switch key {
		case "tag_name":
			tag, _, err := rd.String()
			if err != nil {
				return model.ResolvedRelease{}, false, err
			}
			cand.TagName = tag
			rel.TagName = tag
		case "name":
			// a release without a title has "name": null
			name, _, err := rd.String()
			if err != nil {
				return model.ResolvedRelease{}, false, err
			}
			cand.Name = name
			seenName = true
			decide()
		case "prerelease":
			pre, _, err := rd.Bool()
			if err != nil {
				return model.ResolvedRelease{}, false, err
			}
			cand.Prerelease = pre
			seenPre = true
			decide()
		case "published_at":
			published, _, err := rd.String()
			if err != nil {
				return model.ResolvedRelease{}, false, err
			}
			rel.PublishedAt = published
		case "assets":
			if decided && !accepted {
				if err := rd.Skip(); err != nil {
					return model.ResolvedRelease{}, false, err
				}
				continue
			}
			matched, err := readAssets(rd, q.AcceptAsset, decided)
			if err != nil {
				return model.ResolvedRelease{}, false, err
			}
			if decided {
				if len(matched) > 0 {
					match = &matched[0]
				}
			} else {
				pending = matched
			}
		default:
			if err := rd.Skip(); err != nil {
				return model.ResolvedRelease{}, false, err
			}
		}
	}
	if err := rd.EndObject(); err != nil {
		return model.ResolvedRelease{}, false, err
	}

	// assets may precede name or prerelease; their matches were held back until now
	seenName, seenPre = true, true
	decide()
	if match == nil && len(pending) > 0 {
		match = &pending[0]
	}
	if !accepted || match == nil {
		return model.ResolvedRelease{}, false, nil
	}
	rel.Version = rel.TagName
	rel.AssetName = match.name
	rel.DownloadURL = match.url
	rel.Size = match.size
	rel.FileHash = match.digest
	return rel, true, nil
}

// readAssets returns accepted assets in document order. With firstOnly set it stops
// evaluating the predicate after the first match.
func readAssets(rd *jsonstream.Reader, accept func(model.AssetCandidate) bool, firstOnly bool) ([]asset, error) {
	if err := rd.BeginArray(); err != nil {
		return nil, err
	}
	var matched []asset
	for rd.More() {
		if firstOnly && len(matched) > 0 {
			if err := rd.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		a, err := readAsset(rd)
		if err != nil {
			return nil, err
		}
		if accept == nil || accept(model.AssetCandidate{Name: a.name}) {
			matched = append(matched, a)
		}
	}
	return matched, rd.EndArray()
}

func readAsset(rd *jsonstream.Reader) (asset, error) {
	var a asset
	if err := rd.BeginObject(); err != nil {
		return a, err
	}
	for rd.More() {
		key, err := rd.Name()
		if err != nil {
			return a, err
		}
		switch key {
		case "name":
			a.name, _, err = rd.String()
		case "browser_download_url":
			a.url, _, err = rd.String()
		case "size":
			a.size, _, err = rd.Int64()
		case "digest":
			a.digest, _, err = rd.String()
		default:
			err = rd.Skip()
		}
		if err != nil {
			return a, err
		}
	}
	return a, rd.EndObject()
}
