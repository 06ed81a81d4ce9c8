package github

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/3leaps/apkfetch/internal/httpclient"
)

const DefaultAPIBase = "https://api.github.com"

// Getter is the subset of httpclient.Client the resolver needs.
type Getter interface {
	Get(ctx context.Context, url string, opts ...httpclient.RequestOption) (*http.Response, error)
}

func TokenFromEnv() string {
	if tok := strings.TrimSpace(os.Getenv("APKFETCH_GITHUB_TOKEN")); tok != "" {
		return tok
	}
	return strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
}

func UserAgent(version string) string {
	return fmt.Sprintf("apkfetch/%s", version)
}
