package outcome

import (
	"sort"
	"strings"

	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
)

// DefaultImportBaseURL is the hosting provider's import page. The repository
// URL is appended verbatim.
const DefaultImportBaseURL = "https://vercel.com/new/import?s="

// DefaultSearchDepth bounds the search through nested deploy task outputs.
const DefaultSearchDepth = 4

var (
	previewKeys  = []string{"previewUrl", "preview_url"}
	repoURLKeys  = []string{"repoUrl", "githubRepo"}
	repoNameKeys = []string{"repoName", "githubRepoName"}
)

// DefaultDeployTasks are the task ids known to publish a preview URL.
var DefaultDeployTasks = []string{"deploy", "deploy-vercel", "vercel-deploy", "build-and-deploy"}

// Resolver turns a successful snapshot into an Outcome. The zero value is
// usable and behaves like DefaultResolver.
type Resolver struct {
	ImportBaseURL string
	DeployTasks   []string
	SearchDepth   int
}

// DefaultResolver returns a resolver with the built-in defaults.
func DefaultResolver() Resolver {
	return Resolver{
		ImportBaseURL: DefaultImportBaseURL,
		DeployTasks:   DefaultDeployTasks,
		SearchDepth:   DefaultSearchDepth,
	}
}

// Resolve applies DefaultResolver to snap.
func Resolve(snap engine.ExecutionSnapshot) Outcome {
	return DefaultResolver().Resolve(snap)
}

// Resolve never fails. Rules are tried in order and the first match wins:
// a preview URL in the outputs, then a repository URL/name pair, then a
// preview URL inside a deploy task's variables, and finally Unresolved.
func (r Resolver) Resolve(snap engine.ExecutionSnapshot) Outcome {
	outputs := snap.RawOutputs
	repoURL := firstString(outputs, repoURLKeys)
	repoName := firstString(outputs, repoNameKeys)

	if preview := firstString(outputs, previewKeys); preview != "" {
		out := PreviewReady{PreviewURL: preview}
		if repoURL != "" {
			out.Repository = handleFor(repoURL, repoName)
		}
		return out
	}

	// An explicit github_ready status lets the name come from the URL.
	if repoURL != "" && (repoName != "" || githubReadyStatus(outputs)) {
		return r.githubReady(repoURL, repoName)
	}

	if preview := r.searchTasks(snap.TaskOutputs); preview != "" {
		return PreviewReady{PreviewURL: preview}
	}

	return Unresolved{RawSnapshot: snap}
}

func (r Resolver) githubReady(rawURL, rawName string) GithubReady {
	base := r.ImportBaseURL
	if base == "" {
		base = DefaultImportBaseURL
	}
	out := GithubReady{
		RepoURL:  NormalizeRepoURL(rawURL),
		RepoName: rawName,
	}
	if ref, ok := ParseRepoURL(rawURL); ok {
		out.Owner = ref.Owner
		out.RepoName = ref.Repo
		out.ImportURL = base + "https://" + ref.Host + "/" + ref.Owner + "/" + ref.Repo
	} else {
		out.ImportURL = base + rawURL
	}
	return out
}

func handleFor(rawURL, rawName string) *flows.RepositoryHandle {
	name := rawName
	if ref, ok := ParseRepoURL(rawURL); ok && name == "" {
		name = ref.Repo
	}
	return &flows.RepositoryHandle{URL: NormalizeRepoURL(rawURL), Name: name}
}

// searchTasks looks at deploy tasks from the most recent run backwards.
func (r Resolver) searchTasks(tasks []engine.TaskOutput) string {
	known := r.DeployTasks
	if known == nil {
		known = DefaultDeployTasks
	}
	depth := r.SearchDepth
	if depth <= 0 {
		depth = DefaultSearchDepth
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		if !matchesTask(tasks[i].TaskID, known) {
			continue
		}
		if preview := deepFind(tasks[i].Vars, depth); preview != "" {
			return preview
		}
	}
	return ""
}

func matchesTask(id string, known []string) bool {
	for _, k := range known {
		if strings.EqualFold(strings.TrimSpace(id), k) {
			return true
		}
	}
	return false
}

// deepFind checks preview keys at this level before descending, visiting
// nested keys in sorted order so the result is stable.
func deepFind(bag map[string]any, depth int) string {
	if bag == nil || depth <= 0 {
		return ""
	}
	if preview := firstString(bag, previewKeys); preview != "" {
		return preview
	}
	keys := make([]string, 0, len(bag))
	for k := range bag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if preview := deepFindValue(bag[k], depth-1); preview != "" {
			return preview
		}
	}
	return ""
}

func deepFindValue(v any, depth int) string {
	switch val := v.(type) {
	case map[string]any:
		return deepFind(val, depth)
	case []any:
		for _, item := range val {
			if preview := deepFindValue(item, depth-1); preview != "" {
				return preview
			}
		}
	}
	return ""
}

func githubReadyStatus(outputs map[string]any) bool {
	status, _ := outputs["status"].(string)
	return strings.EqualFold(strings.TrimSpace(status), "github_ready")
}

func firstString(bag map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := bag[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
