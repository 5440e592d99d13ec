package builds

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/appbuilder/pkg/builderr"
	"github.com/vyvo/appbuilder/pkg/controller"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/outcome"
)

func newBuild(session string, created time.Time) Build {
	return Build{
		ID:        uuid.NewString(),
		SessionID: session,
		Prompt:    "todo app",
		Flow:      "production/simple-builder-v2",
		Status:    StatusRunning,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	first := newBuild("s1", base)
	second := newBuild("s1", base.Add(time.Second))
	other := newBuild("s2", base.Add(2*time.Second))
	for _, b := range []Build{first, second, other} {
		require.NoError(t, store.Create(ctx, b))
	}

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, Build{ID: "missing"}), ErrNotFound)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other.ID, all[0].ID)

	mine, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)

	first.Complete(controller.Result{
		Flow:        flows.FlowTarget{Namespace: "production", Flow: "simple-builder-v2"},
		ExecutionID: "e1",
		Attempts:    3,
		Outcome:     outcome.PreviewReady{PreviewURL: "https://app.example.com"},
		Summary:     "Build complete! Preview URL: https://app.example.com",
	}, base.Add(time.Minute))
	require.NoError(t, store.Update(ctx, first))

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, "https://app.example.com", got.PreviewURL)
	assert.Equal(t, 3, got.Attempts)
	assert.False(t, got.FinishedAt.IsZero())

	require.NoError(t, store.AppendEvent(ctx, first.ID, NewEvent(EventPrompt, "todo app", nil)))
	require.NoError(t, store.AppendEvent(ctx, first.ID, NewEvent(EventProgress, "Build running", map[string]int{"attempt": 1})))
	events, err := store.Events(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPrompt, events[0].Type)
	assert.JSONEq(t, `{"attempt":1}`, string(events[1].Data))
}

func TestMemStore(t *testing.T) {
	exerciseStore(t, NewMemStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("APPBUILDER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("APPBUILDER_TEST_DATABASE_URL not set")
	}
	store, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestCompleteFailure(t *testing.T) {
	b := newBuild("s1", time.Now())
	err := builderr.PollTimeout(60)
	b.Complete(controller.Result{Outcome: outcome.TimedOut{AttemptsMade: 60}, Err: err, Summary: err.Message, Attempts: 60}, time.Now())

	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, string(builderr.KindPollTimeout), b.ErrorKind)
	assert.Equal(t, string(outcome.KindTimedOut), b.OutcomeKind)
	assert.True(t, b.Status.Finished())
}

func TestCompleteGithubHandoff(t *testing.T) {
	b := newBuild("s1", time.Now())
	b.Complete(controller.Result{Outcome: outcome.GithubReady{RepoURL: "https://github.com/acme/todo", RepoName: "todo", ImportURL: "https://vercel.com/new/import?s=https://github.com/acme/todo"}}, time.Now())

	assert.Equal(t, StatusSucceeded, b.Status)
	assert.Equal(t, "todo", b.RepoName)
	assert.NotEmpty(t, b.ImportURL)
}
