package job

import (
	"context"
	"testing"
	"time"
)

func newTestSpec(priority Priority) Spec {
	return Spec{
		Priority:   priority,
		EngineName: "whisper-large",
		TaskType:   TaskTranscribe,
		Source:     Source{LocalPath: "/staging/a.wav"},
	}
}

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	id, err := repo.Create(ctx, newTestSpec(PriorityNormal))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("expected status queued, got %s", got.Status)
	}
	if got.Source.LocalPath != "/staging/a.wav" {
		t.Errorf("expected source to round-trip, got %+v", got.Source)
	}
}

func TestMemoryRepository_GetNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.Get(context.Background(), 999); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_DeleteTwiceNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id, _ := repo.Create(ctx, newTestSpec(PriorityNormal))

	if err := repo.Delete(ctx, id); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := repo.Delete(ctx, id); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound on second delete, got %v", err)
	}
}

func TestMemoryRepository_ClaimNext_PriorityOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	lowID, _ := repo.Create(ctx, newTestSpec(PriorityLow))
	time.Sleep(time.Millisecond)
	normalID, _ := repo.Create(ctx, newTestSpec(PriorityNormal))
	time.Sleep(time.Millisecond)
	highID, _ := repo.Create(ctx, newTestSpec(PriorityHigh))

	first, err := repo.ClaimNext(ctx, "whisper-large")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first.ID != highID {
		t.Errorf("expected high priority job claimed first, got id %d", first.ID)
	}

	second, _ := repo.ClaimNext(ctx, "whisper-large")
	if second.ID != normalID {
		t.Errorf("expected normal priority job claimed second, got id %d", second.ID)
	}

	third, _ := repo.ClaimNext(ctx, "whisper-large")
	if third.ID != lowID {
		t.Errorf("expected low priority job claimed third, got id %d", third.ID)
	}

	none, _ := repo.ClaimNext(ctx, "whisper-large")
	if none != nil {
		t.Error("expected nil when queue is empty")
	}
}

func TestMemoryRepository_ClaimNext_FIFOWithinPriority(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	firstID, _ := repo.Create(ctx, newTestSpec(PriorityNormal))
	time.Sleep(time.Millisecond)
	secondID, _ := repo.Create(ctx, newTestSpec(PriorityNormal))

	claimed, _ := repo.ClaimNext(ctx, "whisper-large")
	if claimed.ID != firstID {
		t.Errorf("expected FIFO order, claimed %d want %d", claimed.ID, firstID)
	}
	claimed2, _ := repo.ClaimNext(ctx, "whisper-large")
	if claimed2.ID != secondID {
		t.Errorf("expected second job claimed next, got %d want %d", claimed2.ID, secondID)
	}
}

func TestMemoryRepository_ClaimNext_EngineFilter(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	spec := newTestSpec(PriorityNormal)
	spec.EngineName = "other-engine"
	_, _ = repo.Create(ctx, spec)

	claimed, _ := repo.ClaimNext(ctx, "whisper-large")
	if claimed != nil {
		t.Error("expected no job claimed for mismatched engine_name")
	}
}

func TestMemoryRepository_MarkCompleted(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id, _ := repo.Create(ctx, newTestSpec(PriorityNormal))
	_, _ = repo.ClaimNext(ctx, "whisper-large")

	result := Result{Text: "hello world", Segments: []Segment{{ID: 0, Start: 0, End: 1, Text: "hello world"}}}
	if err := repo.MarkCompleted(ctx, id, result, "en", 1.23); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, _ := repo.Get(ctx, id)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || got.Result.Text != "hello world" {
		t.Errorf("expected result to be recorded, got %+v", got.Result)
	}
	if got.TaskProcessingTimeSeconds != 1.23 {
		t.Errorf("expected processing time recorded, got %f", got.TaskProcessingTimeSeconds)
	}
}

func TestMemoryRepository_MarkFailed(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id, _ := repo.Create(ctx, newTestSpec(PriorityNormal))

	if err := repo.MarkFailed(ctx, id, "staging error", 0.5); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, _ := repo.Get(ctx, id)
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage != "staging error" {
		t.Errorf("expected error message recorded, got %q", got.ErrorMessage)
	}
}

func TestMemoryRepository_RecoverOrphans(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id, _ := repo.Create(ctx, newTestSpec(PriorityNormal))
	_, _ = repo.ClaimNext(ctx, "whisper-large")

	n, err := repo.RecoverOrphans(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan recovered, got %d", n)
	}

	got, _ := repo.Get(ctx, id)
	if got.Status != StatusQueued {
		t.Errorf("expected job re-queued, got %s", got.Status)
	}
}

func TestMemoryRepository_PendingCallbacks(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	spec := newTestSpec(PriorityNormal)
	spec.CallbackURL = "https://example.com/cb"
	id, _ := repo.Create(ctx, spec)
	_, _ = repo.ClaimNext(ctx, "whisper-large")
	_ = repo.MarkCompleted(ctx, id, Result{Text: "hi"}, "en", 1)

	pending, err := repo.PendingCallbacks(ctx)
	if err != nil {
		t.Fatalf("PendingCallbacks: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Errorf("expected job %d pending callback, got %+v", id, pending)
	}

	_ = repo.RecordCallback(ctx, id, 200, "ok", time.Now())
	pending, _ = repo.PendingCallbacks(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending callbacks after recording, got %d", len(pending))
	}
}

func TestMemoryRepository_NoCallbackURLNeverPending(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id, _ := repo.Create(ctx, newTestSpec(PriorityNormal))
	_, _ = repo.ClaimNext(ctx, "whisper-large")
	_ = repo.MarkCompleted(ctx, id, Result{Text: "hi"}, "en", 1)

	pending, _ := repo.PendingCallbacks(ctx)
	if len(pending) != 0 {
		t.Error("job with empty callback_url must never be pending")
	}
}
