package outcome

import "strings"

// RepoRef is the owner/repository pair extracted from a repository URL.
type RepoRef struct {
	Host  string
	Owner string
	Repo  string
}

// ParseRepoURL extracts owner and repository from either host/owner/repo
// (scheme optional) or bare owner/repo. A trailing ".git" is dropped.
func ParseRepoURL(raw string) (RepoRef, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return RepoRef{}, false
	}
	if idx := strings.Index(s, "://"); idx != -1 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "?#"); idx != -1 {
		s = s[:idx]
	}
	s = strings.Trim(s, "/")

	var parts []string
	for _, part := range strings.Split(s, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}

	var ref RepoRef
	switch {
	case len(parts) >= 3 && strings.Contains(parts[0], "."):
		ref = RepoRef{Host: strings.ToLower(parts[0]), Owner: parts[1], Repo: parts[2]}
	case len(parts) == 2 && !strings.Contains(parts[0], "."):
		ref = RepoRef{Host: "github.com", Owner: parts[0], Repo: parts[1]}
	default:
		return RepoRef{}, false
	}

	ref.Repo = strings.TrimSuffix(ref.Repo, ".git")
	if ref.Owner == "" || ref.Repo == "" || strings.ContainsAny(ref.Owner+ref.Repo, " :@") {
		return RepoRef{}, false
	}
	return ref, true
}

// NormalizeRepoURL makes a stored repository URL absolute. Bare owner/repo
// values are assumed to live on github.com.
func NormalizeRepoURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if ref, ok := ParseRepoURL(s); ok && !strings.Contains(strings.SplitN(s, "/", 2)[0], ".") {
		return "https://github.com/" + ref.Owner + "/" + ref.Repo
	}
	if first := strings.SplitN(s, "/", 2)[0]; strings.Contains(first, ".") {
		return "https://" + s
	}
	return "https://github.com/" + strings.TrimPrefix(s, "/")
}

// Relocate points a handoff at the repository's canonical location and
// rebuilds the import link on the same import base.
func (g GithubReady) Relocate(host, owner, repo string) GithubReady {
	canonical := "https://" + host + "/" + owner + "/" + repo
	if ref, ok := ParseRepoURL(g.RepoURL); ok {
		previous := "https://" + ref.Host + "/" + ref.Owner + "/" + ref.Repo
		if base, found := strings.CutSuffix(g.ImportURL, previous); found {
			g.ImportURL = base + canonical
		}
	}
	g.Owner = owner
	g.RepoName = repo
	g.RepoURL = canonical
	return g
}
