package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/appbuilder/pkg/api"
	"github.com/vyvo/appbuilder/pkg/engine/enginetest"
	"github.com/vyvo/appbuilder/pkg/outcome"
)

func runCLI(t *testing.T, fake *enginetest.Engine, args ...string) (string, string, error) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("APPBUILDER_POLL_INTERVAL", "1ms")

	srv := httptest.NewServer(fake.Handler("/api/v1"))
	t.Cleanup(srv.Close)

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--engine-url", srv.URL+"/api/v1"))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestBuildPrintsSummary(t *testing.T) {
	fake := enginetest.New(
		enginetest.Step{State: "RUNNING"},
		enginetest.Step{State: "SUCCESS", Outputs: map[string]any{"previewUrl": "https://app.example.com"}},
	)

	stdout, stderr, err := runCLI(t, fake, "build", "--prompt", "todo app")
	require.NoError(t, err)
	assert.Equal(t, "Build complete! Preview URL: https://app.example.com\n", stdout)
	assert.Contains(t, stderr, "Checking engine health")
	assert.Contains(t, stderr, "[1/60]")
}

func TestBuildUpdateJSON(t *testing.T) {
	fake := enginetest.New(enginetest.Step{State: "SUCCESS", Outputs: map[string]any{"repoUrl": "acme/todo", "repoName": "todo"}})

	stdout, _, err := runCLI(t, fake, "build", "-p", "add dark mode", "--repo-url", "https://github.com/acme/todo", "--repo-name", "todo", "--json")
	require.NoError(t, err)

	var view api.OutcomeView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	assert.Equal(t, outcome.KindGithubReady, view.Kind)
	assert.Equal(t, "https://github.com/acme/todo", view.RepoURL)

	calls := fake.Triggers()
	require.Len(t, calls, 1)
	assert.Equal(t, "update-feature", calls[0].Flow)
}

func TestBuildFailureExitsNonZero(t *testing.T) {
	fake := enginetest.New(enginetest.Step{State: "KILLED"})

	stdout, _, err := runCLI(t, fake, "build", "--prompt", "todo app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine_terminal_failure")
	assert.Contains(t, stdout, "KILLED")
}

func TestBuildRequiresPrompt(t *testing.T) {
	_, _, err := runCLI(t, enginetest.New(), "build")
	assert.Error(t, err)

	_, _, err = runCLI(t, enginetest.New(), "build", "--prompt", "  ")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	fake := enginetest.New()
	stdout, _, err := runCLI(t, fake, "health")
	require.NoError(t, err)
	assert.Contains(t, stdout, "healthy")

	fake.SetHealthy(false)
	_, _, err = runCLI(t, fake, "health")
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
