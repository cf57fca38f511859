package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/asr-gateway/internal/job"
)

func completedJob(t *testing.T, repo job.Repository, callbackURL string) int64 {
	t.Helper()
	id, err := repo.Create(context.Background(), job.Spec{
		Priority:    job.PriorityNormal,
		EngineName:  "whisper-base",
		TaskType:    job.TaskTranscribe,
		Source:      job.Source{LocalPath: "/tmp/clip.wav"},
		CallbackURL: callbackURL,
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimNext(context.Background(), "whisper-base")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = repo.MarkCompleted(context.Background(), id, job.Result{Text: "hi"}, "en", 1.5)
	require.NoError(t, err)
	return id
}

func TestDispatcher_DeliversOnFirstSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := job.NewMemoryRepository()
	id := completedJob(t, repo, srv.URL)

	d := New(repo, Config{Workers: 1, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.Enqueue(id, srv.URL)

	require.Eventually(t, func() bool {
		j, err := repo.Get(context.Background(), id)
		return err == nil && j.CallbackStatusCode != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	d.Wait()

	j, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j.CallbackStatusCode)
	assert.Equal(t, http.StatusOK, *j.CallbackStatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatcher_RetriesOn503ThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := job.NewMemoryRepository()
	id := completedJob(t, repo, srv.URL)

	d := New(repo, Config{Workers: 1, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.Enqueue(id, srv.URL)

	require.Eventually(t, func() bool {
		j, err := repo.Get(context.Background(), id)
		return err == nil && j.CallbackStatusCode != nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	j, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j.CallbackStatusCode)
	assert.Equal(t, http.StatusOK, *j.CallbackStatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestDispatcher_StopsOn4xxWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	repo := job.NewMemoryRepository()
	id := completedJob(t, repo, srv.URL)

	d := New(repo, Config{Workers: 1, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.Enqueue(id, srv.URL)

	require.Eventually(t, func() bool {
		j, err := repo.Get(context.Background(), id)
		return err == nil && j.CallbackStatusCode != nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	j, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, *j.CallbackStatusCode)
}

func TestDispatcher_RecordsTransportFailureAsNegativeOne(t *testing.T) {
	repo := job.NewMemoryRepository()
	id := completedJob(t, repo, "http://127.0.0.1:1/unreachable")

	d := New(repo, Config{Workers: 1, MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.Enqueue(id, "http://127.0.0.1:1/unreachable")

	require.Eventually(t, func() bool {
		j, err := repo.Get(context.Background(), id)
		return err == nil && j.CallbackStatusCode != nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	j, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, -1, *j.CallbackStatusCode)
}

func TestDispatcher_Seed_RederivesPendingCallbacks(t *testing.T) {
	repo := job.NewMemoryRepository()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	completedJob(t, repo, srv.URL)

	d := New(repo, Config{Workers: 1}, nil)
	n, err := d.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
