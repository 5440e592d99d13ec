// Package github confirms that a repository handed off by a build exists
// and fills in the details the engine did not report.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/vyvo/appbuilder/pkg/outcome"
)

// ErrRepoNotFound is returned when the repository does not exist or the
// token cannot see it.
var ErrRepoNotFound = errors.New("repository not found")

// Repository is what the verifier learns about a repository.
type Repository struct {
	Owner         string
	Name          string
	HTMLURL       string
	DefaultBranch string
	Private       bool
}

// Verifier looks repositories up through the GitHub REST API.
type Verifier struct {
	client *github.Client
	host   string
}

// NewVerifier creates a verifier. An empty token makes anonymous requests;
// a non-empty baseURL points at a GitHub Enterprise or test API.
func NewVerifier(ctx context.Context, token, baseURL string) (*Verifier, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = parsed
	}
	return &Verifier{client: client, host: "github.com"}, nil
}

// Lookup fetches repository details.
func (v *Verifier) Lookup(ctx context.Context, owner, repo string) (Repository, error) {
	r, _, err := v.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return Repository{}, fmt.Errorf("%s/%s: %w", owner, repo, ErrRepoNotFound)
		}
		return Repository{}, fmt.Errorf("failed to fetch repository %s/%s: %w", owner, repo, err)
	}

	out := Repository{
		Name:          r.GetName(),
		HTMLURL:       r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
	}
	if o := r.GetOwner(); o != nil {
		out.Owner = o.GetLogin()
	}
	return out, nil
}

// Verify confirms a GitHub handoff. Repositories hosted elsewhere are
// returned unchanged.
func (v *Verifier) Verify(ctx context.Context, ready outcome.GithubReady) (outcome.GithubReady, error) {
	ref, ok := outcome.ParseRepoURL(ready.RepoURL)
	if !ok || ref.Host != v.host {
		return ready, nil
	}

	repo, err := v.Lookup(ctx, ref.Owner, ref.Repo)
	if err != nil {
		return ready, err
	}
	owner, name := ref.Owner, ref.Repo
	if repo.Owner != "" {
		owner = repo.Owner
	}
	if repo.Name != "" {
		name = repo.Name
	}
	ready = ready.Relocate(ref.Host, owner, name)
	if repo.HTMLURL != "" {
		ready.RepoURL = repo.HTMLURL
	}
	ready.DefaultBranch = repo.DefaultBranch
	ready.Verified = true
	return ready, nil
}
