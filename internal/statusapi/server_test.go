package statusapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/gitops-loop/internal/history/inmemory"
	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
	"github.com/Sh00ty/gitops-loop/internal/mutator"
	storage "github.com/Sh00ty/gitops-loop/internal/storage/inmemory"
)

type fakeReconciler struct {
	statuses    map[models.TargetRef]models.TargetStatus
	retriggered []models.TargetRef
}

func (f *fakeReconciler) Statuses() []models.TargetStatus {
	result := make([]models.TargetStatus, 0, len(f.statuses))
	for _, status := range f.statuses {
		result = append(result, status)
	}
	return result
}

func (f *fakeReconciler) Status(target models.TargetRef) (models.TargetStatus, bool) {
	status, ok := f.statuses[target]
	return status, ok
}

func (f *fakeReconciler) Retrigger(target models.TargetRef) error {
	if _, ok := f.statuses[target]; !ok {
		return models.ErrNotFound
	}
	f.retriggered = append(f.retriggered, target)
	return nil
}

var apiRef = models.TargetRef{Kind: models.KindService, Name: "api"}

type testEnv struct {
	reconciler *fakeReconciler
	store      *storage.Store
	artifacts  *inmemory.History
	health     *Health
	client     *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		reconciler: &fakeReconciler{statuses: map[models.TargetRef]models.TargetStatus{
			apiRef: {Target: apiRef, State: models.StateDegraded, SyncStatus: models.OutOfSync},
		}},
		store:     storage.NewStore(),
		artifacts: inmemory.NewHistory(),
		health:    NewHealth(),
	}
	mut := mutator.New(env.store, metrics.Noop{}, zerolog.Nop())
	srv := NewServer(env.reconciler, env.store, mut, env.artifacts, env.health, zerolog.Nop())

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	env.client = NewClient(httpSrv.URL, time.Second)
	return env
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	statuses, err := env.client.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.StateDegraded, statuses[0].State)

	status, err := env.client.Status(ctx, apiRef)
	require.NoError(t, err)
	assert.Equal(t, models.OutOfSync, status.SyncStatus)

	_, err = env.client.Status(ctx, models.TargetRef{Kind: models.KindService, Name: "ghost"})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.client.Retrigger(ctx, apiRef))
	assert.Equal(t, []models.TargetRef{apiRef}, env.reconciler.retriggered)

	err := env.client.Retrigger(ctx, models.TargetRef{Kind: models.KindScrapeTarget, Name: "ghost"})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetriggerBadTarget(t *testing.T) {
	env := newTestEnv(t)

	srv := NewServer(env.reconciler, env.store, nil, env.artifacts, env.health, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/retrigger?target=deployment/api", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/retrigger?target=api", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryAndRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := models.Document{
		Target: apiRef,
		Image:  models.ImageRef{Repository: "registry.local/api", Tag: "v1.0.0"},
	}
	_, err := env.store.Append(ctx, doc, 0)
	require.NoError(t, err)
	doc.Image.Tag = "v1.1.0"
	_, err = env.store.Append(ctx, doc, 1)
	require.NoError(t, err)

	resp, err := env.client.Rollback(ctx, apiRef, 1)
	require.NoError(t, err)
	assert.True(t, resp.Written)
	assert.Equal(t, uint64(3), resp.Revision.Seq)

	revisions, err := env.client.History(ctx, apiRef)
	require.NoError(t, err)
	require.Len(t, revisions, 3)
	assert.Equal(t, "v1.0.0", revisions[2].Document.Image.Tag)
	assert.Equal(t, revisions[0].Hash, revisions[2].Hash)

	_, err = env.client.Rollback(ctx, apiRef, 9)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.artifacts.Record(ctx, []models.ArtifactVersion{
		{Repository: "registry.local/api", Tag: "v1.0.0"},
		{Repository: "registry.local/api", Tag: "v1.0.8"},
		{Repository: "registry.local/worker", Tag: "v0.1.0"},
	}))
	require.NoError(t, env.artifacts.MarkPromoted(ctx, models.ArtifactVersion{Repository: "registry.local/api", Tag: "v1.0.8"}))

	observations, err := env.client.Artifacts(ctx, "registry.local/api", 10)
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Equal(t, "v1.0.8", observations[0].Version.Tag)
	assert.NotNil(t, observations[0].PromotedAt)
	assert.Nil(t, observations[1].PromotedAt)
}

func TestReadiness(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(env.reconciler, env.store, nil, env.artifacts, env.health, zerolog.Nop())

	probe := func(path string) int {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, probe("/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, probe("/ready"))

	env.health.SetServing("", true)
	assert.Equal(t, http.StatusOK, probe("/ready"))

	reporter := env.health.Reporter(ServiceRegistryWatcher)
	reporter.SetDegraded(true)
	assert.False(t, env.health.Serving(context.Background(), ServiceRegistryWatcher))
	reporter.SetDegraded(false)
	assert.True(t, env.health.Serving(context.Background(), ServiceRegistryWatcher))
}
