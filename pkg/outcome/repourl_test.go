package outcome

import "testing"

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in    string
		ok    bool
		host  string
		owner string
		repo  string
	}{
		{in: "owner/repo", ok: true, host: "github.com", owner: "owner", repo: "repo"},
		{in: "https://github.com/owner/repo", ok: true, host: "github.com", owner: "owner", repo: "repo"},
		{in: "http://github.com/owner/repo/", ok: true, host: "github.com", owner: "owner", repo: "repo"},
		{in: "github.com/owner/repo", ok: true, host: "github.com", owner: "owner", repo: "repo"},
		{in: "https://github.com/owner/repo.git", ok: true, host: "github.com", owner: "owner", repo: "repo"},
		{in: "https://GitHub.com/owner/repo/tree/main?tab=readme", ok: true, host: "github.com", owner: "owner", repo: "repo"},
		{in: "https://gitlab.example.com/team/app", ok: true, host: "gitlab.example.com", owner: "team", repo: "app"},
		{in: "", ok: false},
		{in: "repo", ok: false},
		{in: "https://github.com/owner", ok: false},
		{in: "a/b/c", ok: false},
		{in: "git@github.com:owner/repo.git", ok: false},
		{in: "https://", ok: false},
	}

	for _, tt := range tests {
		got, ok := ParseRepoURL(tt.in)
		if ok != tt.ok {
			t.Fatalf("ParseRepoURL(%q) ok=%v, want %v", tt.in, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if got.Host != tt.host || got.Owner != tt.owner || got.Repo != tt.repo {
			t.Fatalf("ParseRepoURL(%q) = %+v", tt.in, got)
		}
	}
}

func TestNormalizeRepoURL(t *testing.T) {
	tests := map[string]string{
		"owner/repo":                    "https://github.com/owner/repo",
		"https://github.com/owner/repo": "https://github.com/owner/repo",
		"http://github.com/owner/repo":  "http://github.com/owner/repo",
		"github.com/owner/repo":         "https://github.com/owner/repo",
		"  owner/repo  ":                "https://github.com/owner/repo",
		"":                              "",
	}
	for in, want := range tests {
		if got := NormalizeRepoURL(in); got != want {
			t.Fatalf("NormalizeRepoURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGithubReadyRelocate(t *testing.T) {
	r := Resolver{ImportBaseURL: "https://deploy.example.com/import?repo="}
	ready := r.githubReady("old-org/todo-app", "todo-app")

	moved := ready.Relocate("github.com", "acme", "todo")
	want := GithubReady{
		RepoURL:   "https://github.com/acme/todo",
		RepoName:  "todo",
		Owner:     "acme",
		ImportURL: "https://deploy.example.com/import?repo=https://github.com/acme/todo",
	}
	if moved != want {
		t.Fatalf("Relocate() = %+v, want %+v", moved, want)
	}

	// An import link that was not built from the repository URL is kept.
	custom := GithubReady{RepoURL: "https://github.com/acme/todo", ImportURL: "https://elsewhere.example.com"}
	if got := custom.Relocate("github.com", "acme", "todo2").ImportURL; got != custom.ImportURL {
		t.Fatalf("ImportURL = %q, want %q", got, custom.ImportURL)
	}
}
