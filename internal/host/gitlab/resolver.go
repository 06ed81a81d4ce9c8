// Package gitlab finds the newest matching release of a GitLab project.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/httpclient"
	"github.com/3leaps/apkfetch/internal/jsonstream"
	"github.com/3leaps/apkfetch/internal/model"
)

const (
	DefaultAPIBase = "https://gitlab.com/api/v4"

	maxPages       = 10
	defaultPerPage = 20
)

type Getter interface {
	Get(ctx context.Context, url string, opts ...httpclient.RequestOption) (*http.Response, error)
}

type Resolver struct {
	client  Getter
	apiBase string
}

func NewResolver(client Getter, apiBase string) *Resolver {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Resolver{client: client, apiBase: strings.TrimRight(apiBase, "/")}
}

// FindLatestRelease tries the permalink of the latest release and then the
// paginated release list of q.ProjectID. GitLab has no prerelease flag, so release
// predicates always see Prerelease=false.
func (r *Resolver) FindLatestRelease(ctx context.Context, q model.ReleaseQuery) (model.ResolvedRelease, error) {
	if !q.SkipLatestEndpoint {
		latestURL := fmt.Sprintf("%s/projects/%s%%2F%s/releases/permalink/latest",
			r.apiBase, url.PathEscape(q.Owner), url.PathEscape(q.Repo))
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
		case err != nil && !errors.Is(err, model.ErrNetwork):
			return model.ResolvedRelease{}, err
		case err != nil:
			log.WithField("project", q.Owner+"/"+q.Repo).Debugf("latest release endpoint failed: %v", err)
		}
	}

	if q.ProjectID == 0 {
		return model.ResolvedRelease{}, fmt.Errorf("%w: gitlab %s/%s has no project id", model.ErrNoMatchingRelease, q.Owner, q.Repo)
	}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	for page := 1; page <= maxPages; page++ {
		listURL := fmt.Sprintf("%s/projects/%d/releases?per_page=%d&page=%d", r.apiBase, q.ProjectID, perPage, page)
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
	return model.ResolvedRelease{}, fmt.Errorf("%w: gitlab project %d", model.ErrNoMatchingRelease, q.ProjectID)
}

func (r *Resolver) fetch(ctx context.Context, rawURL string, parse func(*jsonstream.Reader) error) error {
	resp, err := r.client.Get(ctx, rawURL, httpclient.WithHeader("Accept", "application/json"))
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
			return rel, true, count, nil
		}
	}
	return model.ResolvedRelease{}, false, count, rd.EndArray()
}

type link struct {
	name string
	url  string
	size int64
}

func readRelease(rd *jsonstream.Reader, q model.ReleaseQuery) (model.ResolvedRelease, bool, error) {
	if err := rd.BeginObject(); err != nil {
		return model.ResolvedRelease{}, false, err
	}

	var (
		cand              model.ReleaseCandidate
		rel               model.ResolvedRelease
		hasTag, hasName   bool
		hasDesc           bool
		decided, accepted bool
		match             *link
		pending           []link
	)
	decide := func() {
		if !decided && hasTag && hasName {
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
			rel.TagName, hasTag, err = rd.String()
			cand.TagName = rel.TagName
			decide()
		case "name":
			cand.Name, _, err = rd.String()
			hasName = true
			decide()
		case "created_at":
			rel.PublishedAt, _, err = rd.String()
		case "description":
			if q.RequireDescription {
				rel.Description, hasDesc, err = rd.String()
			} else {
				err = rd.Skip()
			}
		case "assets":
			if decided && !accepted {
				err = rd.Skip()
				break
			}
			var links []link
			links, err = readAssets(rd, q.AcceptAsset, decided)
			if err == nil {
				if decided && len(links) > 0 {
					match = &links[0]
				} else if !decided {
					pending = links
				}
			}
		default:
			err = rd.Skip()
		}
		if err != nil {
			return model.ResolvedRelease{}, false, err
		}
	}
	if err := rd.EndObject(); err != nil {
		return model.ResolvedRelease{}, false, err
	}

	if !hasTag {
		return model.ResolvedRelease{}, false, nil
	}
	// assets may precede the name; their matches were held back until now
	hasName = true
	decide()
	if match == nil && len(pending) > 0 {
		match = &pending[0]
	}
	if !accepted || match == nil || (q.RequireDescription && !hasDesc) {
		return model.ResolvedRelease{}, false, nil
	}
	rel.Version = rel.TagName
	rel.AssetName = match.name
	rel.DownloadURL = match.url
	rel.Size = match.size
	return rel, true, nil
}

// readAssets reads the "assets" object and returns the accepted entries of
// assets.links in document order.
func readAssets(rd *jsonstream.Reader, accept func(model.AssetCandidate) bool, firstOnly bool) ([]link, error) {
	if err := rd.BeginObject(); err != nil {
		return nil, err
	}
	var matched []link
	for rd.More() {
		key, err := rd.Name()
		if err != nil {
			return nil, err
		}
		if key != "links" {
			if err := rd.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		if err := rd.BeginArray(); err != nil {
			return nil, err
		}
		for rd.More() {
			if firstOnly && len(matched) > 0 {
				if err := rd.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			l, ok, err := readLink(rd)
			if err != nil {
				return nil, err
			}
			if ok && (accept == nil || accept(model.AssetCandidate{Name: l.name})) {
				matched = append(matched, l)
			}
		}
		if err := rd.EndArray(); err != nil {
			return nil, err
		}
	}
	return matched, rd.EndObject()
}

// readLink reads one asset link. Links without a name or url are ignored; a
// missing or malformed size reads as 0.
func readLink(rd *jsonstream.Reader) (link, bool, error) {
	var (
		l               link
		hasName, hasURL bool
	)
	if err := rd.BeginObject(); err != nil {
		return l, false, err
	}
	for rd.More() {
		key, err := rd.Name()
		if err != nil {
			return l, false, err
		}
		switch key {
		case "name":
			l.name, hasName, err = rd.String()
		case "url":
			l.url, hasURL, err = rd.String()
		case "size":
			if l.size, _, err = rd.Int64(); err != nil {
				l.size, err = 0, nil
			}
		default:
			err = rd.Skip()
		}
		if err != nil {
			return l, false, err
		}
	}
	return l, hasName && hasURL, rd.EndObject()
}
