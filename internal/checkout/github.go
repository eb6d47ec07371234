package checkout

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ej-framework/ej/internal/ejerr"
	"github.com/google/go-github/v68/github"
)

// ValidateGitHubRemote performs a read-only preflight check against the
// GitHub API for github.com remotes, confirming the commit actually
// exists before a builder spends fleet time checking it out. Remotes
// on other hosts skip this check entirely.
func ValidateGitHubRemote(ctx context.Context, req Request) error {
	owner, repo, ok := parseGitHubRemote(req.RemoteURL)
	if !ok {
		return nil
	}

	client := github.NewClient(nil)
	if req.FetchToken != "" {
		client = client.WithAuthToken(req.FetchToken)
	}

	_, _, err := client.Repositories.GetCommit(ctx, owner, repo, req.CommitHash, nil)
	if err != nil {
		return ejerr.New(ejerr.CheckoutFailed, fmt.Errorf("checkout: github preflight for %s/%s@%s: %w", owner, repo, req.CommitHash, err))
	}
	return nil
}

func parseGitHubRemote(remoteURL string) (owner, repo string, ok bool) {
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host != "github.com" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), true
}
