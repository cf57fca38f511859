package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/asr-gateway/internal/engine"
	"github.com/maauso/asr-gateway/internal/job"
	"github.com/maauso/asr-gateway/internal/pool"
)

// fakeInstance implements both pool.Instance and engine.Engine.
type fakeInstance struct {
	inferErrs []error // consumed in order, then nil forever
	callCount int32
	closed    bool
}

func (f *fakeInstance) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeInstance) Close() error                          { f.closed = true; return nil }

func (f *fakeInstance) Infer(ctx context.Context, audioPath string, opts job.DecodeOptions) (job.Result, error) {
	n := atomic.AddInt32(&f.callCount, 1)
	idx := int(n) - 1
	if idx < len(f.inferErrs) && f.inferErrs[idx] != nil {
		return job.Result{}, f.inferErrs[idx]
	}
	return job.Result{Text: "transcribed", Segments: []job.Segment{{ID: 0, Start: 0, End: 1, Text: "transcribed"}}}, nil
}

type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	nextErrs  [][]error
	idx       int
}

func (f *fakeFactory) New(ctx context.Context, deviceID int) (pool.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	if f.idx < len(f.nextErrs) {
		errs = f.nextErrs[f.idx]
	}
	f.idx++
	inst := &fakeInstance{inferErrs: errs}
	f.instances = append(f.instances, inst)
	return inst, nil
}

var _ engine.Engine = (*fakeInstance)(nil)

type fakeCallbacks struct {
	mu       sync.Mutex
	enqueued []int64
}

func (f *fakeCallbacks) Enqueue(jobID int64, callbackURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
}

func newTestPool(t *testing.T, factory pool.Factory) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{MinSize: 1, MaxSize: 1, EngineName: "whisper-base"}, factory)
	require.NoError(t, p.Initialize(context.Background()))
	return p
}

func TestProcessor_CompletesJob(t *testing.T) {
	repo := job.NewMemoryRepository()
	id, err := repo.Create(context.Background(), job.Spec{
		Priority:   job.PriorityNormal,
		EngineName: "whisper-base",
		TaskType:   job.TaskTranscribe,
		Source:     job.Source{LocalPath: "/tmp/clip.wav"},
	})
	require.NoError(t, err)

	p := newTestPool(t, &fakeFactory{})
	cbs := &fakeCallbacks{}
	proc := New(repo, p, nil, nil, cbs, Config{EngineName: "whisper-base", MaxConcurrentTasks: 1, StatusCheckInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	claimed, err := repo.ClaimNext(context.Background(), "whisper-base")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	proc.processOne(ctx, claimed)

	got, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "transcribed", got.Result.Text)
}

func TestProcessor_RetriesTransientFailureOnce(t *testing.T) {
	repo := job.NewMemoryRepository()
	_, err := repo.Create(context.Background(), job.Spec{
		Priority:   job.PriorityNormal,
		EngineName: "whisper-base",
		TaskType:   job.TaskTranscribe,
		Source:     job.Source{LocalPath: "/tmp/clip.wav"},
	})
	require.NoError(t, err)

	factory := &fakeFactory{nextErrs: [][]error{{engine.ErrServerError}, nil}}
	p := pool.New(pool.Config{MinSize: 1, MaxSize: 1, EngineName: "whisper-base"}, factory)
	require.NoError(t, p.Initialize(context.Background()))

	proc := New(repo, p, nil, nil, nil, Config{EngineName: "whisper-base", MaxConcurrentTasks: 1}, nil)

	claimed, err := repo.ClaimNext(context.Background(), "whisper-base")
	require.NoError(t, err)
	proc.processOne(context.Background(), claimed)

	got, err := repo.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestProcessor_FailsOnNonTransientError(t *testing.T) {
	repo := job.NewMemoryRepository()
	_, err := repo.Create(context.Background(), job.Spec{
		Priority:   job.PriorityNormal,
		EngineName: "whisper-base",
		TaskType:   job.TaskTranscribe,
		Source:     job.Source{LocalPath: "/tmp/clip.wav"},
	})
	require.NoError(t, err)

	factory := &fakeFactory{nextErrs: [][]error{{errors.New("boom: permanent")}}}
	p := newTestPool(t, factory)
	cbs := &fakeCallbacks{}

	proc := New(repo, p, nil, nil, cbs, Config{EngineName: "whisper-base", MaxConcurrentTasks: 1}, nil)

	claimed, err := repo.ClaimNext(context.Background(), "whisper-base")
	require.NoError(t, err)
	proc.processOne(context.Background(), claimed)

	got, err := repo.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "permanent")
}

func TestProcessor_EnqueuesCallbackOnCompletion(t *testing.T) {
	repo := job.NewMemoryRepository()
	id, err := repo.Create(context.Background(), job.Spec{
		Priority:    job.PriorityNormal,
		EngineName:  "whisper-base",
		TaskType:    job.TaskTranscribe,
		Source:      job.Source{LocalPath: "/tmp/clip.wav"},
		CallbackURL: "https://example.com/hook",
	})
	require.NoError(t, err)

	p := newTestPool(t, &fakeFactory{})
	cbs := &fakeCallbacks{}
	proc := New(repo, p, nil, nil, cbs, Config{EngineName: "whisper-base", MaxConcurrentTasks: 1}, nil)

	claimed, err := repo.ClaimNext(context.Background(), "whisper-base")
	require.NoError(t, err)
	proc.processOne(context.Background(), claimed)

	cbs.mu.Lock()
	defer cbs.mu.Unlock()
	require.Len(t, cbs.enqueued, 1)
	assert.Equal(t, id, cbs.enqueued[0])
}

func TestProcessor_Run_ClaimsAndDrainsOnCancel(t *testing.T) {
	repo := job.NewMemoryRepository()
	_, err := repo.Create(context.Background(), job.Spec{
		Priority:   job.PriorityNormal,
		EngineName: "whisper-base",
		TaskType:   job.TaskTranscribe,
		Source:     job.Source{LocalPath: "/tmp/clip.wav"},
	})
	require.NoError(t, err)

	p := newTestPool(t, &fakeFactory{})
	proc := New(repo, p, nil, nil, nil, Config{
		EngineName:          "whisper-base",
		MaxConcurrentTasks:  1,
		StatusCheckInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs, err := repo.Query(context.Background(), job.QueryFilter{Status: job.StatusCompleted})
		return err == nil && len(jobs) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
