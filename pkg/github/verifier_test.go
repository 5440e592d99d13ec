package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/outcome"
)

func newTestVerifier(t *testing.T) (*Verifier, *string) {
	t.Helper()
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/todo", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":           "todo",
			"html_url":       "https://github.com/acme/todo",
			"default_branch": "main",
			"private":        false,
			"owner":          map[string]any{"login": "acme"},
		})
	})
	// A renamed repository answers under its new owner and name.
	mux.HandleFunc("/repos/old-org/todo-app", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":           "todo",
			"html_url":       "https://github.com/acme/todo",
			"default_branch": "trunk",
			"owner":          map[string]any{"login": "acme"},
		})
	})
	mux.HandleFunc("/repos/acme/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v, err := NewVerifier(context.Background(), "secret", srv.URL)
	require.NoError(t, err)
	return v, &auth
}

func TestLookup(t *testing.T) {
	v, auth := newTestVerifier(t)

	repo, err := v.Lookup(context.Background(), "acme", "todo")
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, "Bearer secret", *auth)

	_, err = v.Lookup(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, ErrRepoNotFound)
}

func TestVerify(t *testing.T) {
	v, _ := newTestVerifier(t)

	ready := outcome.DefaultResolver().Resolve(engine.ExecutionSnapshot{
		State:      engine.StateSuccess,
		RawOutputs: map[string]any{"repoUrl": "https://github.com/acme/todo.git", "repoName": "todo"},
	}).(outcome.GithubReady)
	got, err := v.Verify(context.Background(), ready)
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, "main", got.DefaultBranch)
	assert.Equal(t, "https://github.com/acme/todo", got.RepoURL)
	assert.Equal(t, ready.ImportURL, got.ImportURL)

	_, err = v.Verify(context.Background(), outcome.GithubReady{RepoURL: "https://github.com/acme/missing"})
	assert.ErrorIs(t, err, ErrRepoNotFound)
}

func TestVerifyRebuildsImportURLForRenamedRepository(t *testing.T) {
	v, _ := newTestVerifier(t)

	ready := outcome.DefaultResolver().Resolve(engine.ExecutionSnapshot{
		State:      engine.StateSuccess,
		RawOutputs: map[string]any{"repoUrl": "old-org/todo-app", "repoName": "todo-app"},
	}).(outcome.GithubReady)
	require.Equal(t, outcome.DefaultImportBaseURL+"https://github.com/old-org/todo-app", ready.ImportURL)

	got, err := v.Verify(context.Background(), ready)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Owner)
	assert.Equal(t, "todo", got.RepoName)
	assert.Equal(t, "https://github.com/acme/todo", got.RepoURL)
	assert.Equal(t, outcome.DefaultImportBaseURL+"https://github.com/acme/todo", got.ImportURL)
	assert.Equal(t, "trunk", got.DefaultBranch)
}

func TestVerifySkipsOtherHosts(t *testing.T) {
	v, _ := newTestVerifier(t)

	ready := outcome.GithubReady{RepoURL: "https://gitlab.com/acme/todo"}
	got, err := v.Verify(context.Background(), ready)
	require.NoError(t, err)
	assert.Equal(t, ready, got)
}
