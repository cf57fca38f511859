// Package pool implements the model pool (C3): a bounded set of
// expensive, device-bound ASR worker instances handed out with strict
// fairness and safety. The pool's own bookkeeping is serialized by a
// single mutex; inference work always happens outside that critical
// section, mirroring the teacher's pattern of keeping pool mutation and
// expensive work on opposite sides of a lock (see
// ProcessVideoService.processChunksParallel's semaphore+WaitGroup shape,
// generalized here into a checkout/checkin primitive with FIFO waiters).
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Worker.
type State string

const (
	StateIdle      State = "idle"
	StateBusy      State = "busy"
	StateUnhealthy State = "unhealthy"
)

// Instance is the engine-bound resource a Worker wraps. Implementations
// live in internal/engine; the pool only needs to create, probe, and
// close them.
type Instance interface {
	// HealthCheck verifies the instance still responds to a trivial probe.
	HealthCheck(ctx context.Context) error
	// Close releases the instance's device resources.
	Close() error
}

// Factory constructs a new Instance bound to deviceID. deviceID is -1
// when the pool has fallen back to CPU-only operation.
type Factory interface {
	New(ctx context.Context, deviceID int) (Instance, error)
}

// Worker is the in-memory-only record described in §3: a worker is never
// persisted, it exists solely inside a running pool.
type Worker struct {
	ID         string
	DeviceID   int
	EngineName string
	State      State
	CreatedAt  time.Time

	instance Instance
}

// Instance exposes the underlying engine-bound resource so a caller can
// run inference against the checked-out worker.
func (w *Worker) Instance() Instance { return w.instance }

var (
	// ErrBelowMinSize is returned when resize would shrink the pool
	// below its configured floor.
	ErrBelowMinSize = errors.New("pool: cannot shrink below min_size")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("pool: closed")
)

// Config parameterizes pool construction (§4.3).
type Config struct {
	MinSize             int
	MaxSize             int
	MaxInstancesPerGPU  int
	EngineName          string
	InitWithMaxPoolSize bool
	// GPUDeviceIDs lists the available device ids for round-robin
	// assignment. An empty slice means no GPU is present and the pool
	// falls back to a single CPU instance regardless of MaxSize.
	GPUDeviceIDs []int
}

// Pool owns the scarce set of ASR worker instances.
type Pool struct {
	cfg     Config
	factory Factory

	mu      sync.Mutex
	workers []*Worker
	waiters *list.List // of chan *Worker, FIFO

	nextDeviceIdx int
	closed        bool
}

// New constructs a Pool. Call Initialize to populate it before use.
func New(cfg Config, factory Factory) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		waiters: list.New(),
	}
}

// cpuFallback reports whether no GPU device is configured, in which case
// a CPU cannot usefully parallelize inference and the pool is pinned to
// a single instance regardless of MaxSize.
func (p *Pool) cpuFallback() bool {
	return len(p.cfg.GPUDeviceIDs) == 0
}

func (p *Pool) effectiveMaxSize() int {
	if p.cpuFallback() {
		return 1
	}
	return p.cfg.MaxSize
}

// nextDevice returns the next device id in round-robin order, skipping
// devices already at max_instances_per_gpu. Returns (-1, false) if no
// device has capacity. Must be called with p.mu held.
func (p *Pool) nextDevice() (int, bool) {
	if p.cpuFallback() {
		return -1, true
	}
	counts := make(map[int]int)
	for _, w := range p.workers {
		counts[w.DeviceID]++
	}
	n := len(p.cfg.GPUDeviceIDs)
	for i := 0; i < n; i++ {
		idx := (p.nextDeviceIdx + i) % n
		dev := p.cfg.GPUDeviceIDs[idx]
		if counts[dev] < p.cfg.MaxInstancesPerGPU {
			p.nextDeviceIdx = (idx + 1) % n
			return dev, true
		}
	}
	return -1, false
}

// Initialize eagerly allocates workers if InitWithMaxPoolSize is set,
// sequentially rather than in parallel so GPU allocator state stays
// deterministic (§4.3).
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.cfg.MinSize
	if p.cfg.InitWithMaxPoolSize {
		target = p.effectiveMaxSize()
	}
	for len(p.workers) < target {
		w, err := p.newWorkerLocked(ctx)
		if err != nil {
			return fmt.Errorf("pool: initialize: %w", err)
		}
		p.workers = append(p.workers, w)
	}
	return nil
}

// newWorkerLocked creates and starts tracking a new idle worker. Caller
// must hold p.mu.
func (p *Pool) newWorkerLocked(ctx context.Context) (*Worker, error) {
	dev, ok := p.nextDevice()
	if !ok {
		return nil, fmt.Errorf("pool: no device capacity available")
	}
	inst, err := p.factory.New(ctx, dev)
	if err != nil {
		return nil, err
	}
	return &Worker{
		ID:         uuid.NewString(),
		DeviceID:   dev,
		EngineName: p.cfg.EngineName,
		State:      StateIdle,
		CreatedAt:  time.Now(),
		instance:   inst,
	}, nil
}

// Checkout blocks until a worker becomes idle, handing out workers in
// strict FIFO order among concurrent waiters. It performs a health check
// before returning the worker to the caller; an unhealthy worker is
// discarded and replaced before Checkout returns.
func (p *Pool) Checkout(ctx context.Context) (*Worker, error) {
	for {
		w, err := p.acquire(ctx)
		if err != nil {
			return nil, err
		}
		if err := w.instance.HealthCheck(ctx); err != nil {
			p.mu.Lock()
			for i, cur := range p.workers {
				if cur == w {
					p.workers = append(p.workers[:i], p.workers[i+1:]...)
					break
				}
			}
			if !p.closed {
				if nw, err := p.newWorkerLocked(ctx); err == nil {
					p.workers = append(p.workers, nw)
				}
			}
			p.mu.Unlock()
			_ = w.instance.Close()
			continue
		}
		return w, nil
	}
}

// acquire hands out an idle worker or blocks on a FIFO wait queue.
func (p *Pool) acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	for _, w := range p.workers {
		if w.State == StateIdle {
			w.State = StateBusy
			p.mu.Unlock()
			return w, nil
		}
	}

	ch := make(chan *Worker, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case w := <-ch:
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Checkin marks the worker idle and wakes at most one waiter.
func (p *Pool) Checkin(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		ch := front.Value.(chan *Worker)
		w.State = StateBusy
		ch <- w
		return
	}
	w.State = StateIdle
}

// Discard destroys worker w, e.g. because the caller observed it in a
// state that may have corrupted device memory, and replaces it if the
// pool has dropped below min_size.
func (p *Pool) Discard(ctx context.Context, w *Worker) {
	p.mu.Lock()
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	needReplace := len(p.workers) < p.cfg.MinSize && !p.closed
	p.mu.Unlock()

	_ = w.instance.Close()

	if needReplace {
		p.mu.Lock()
		nw, err := p.newWorkerLocked(ctx)
		if err == nil {
			p.workers = append(p.workers, nw)
			// Offer the freshly created worker straight to a waiter if
			// one is present, otherwise it sits idle in the pool.
			if front := p.waiters.Front(); front != nil {
				p.waiters.Remove(front)
				ch := front.Value.(chan *Worker)
				nw.State = StateBusy
				p.mu.Unlock()
				ch <- nw
				return
			}
		}
		p.mu.Unlock()
	}
}

// Resize grows the pool immediately up to new_max (subject to device
// caps), or shrinks it by draining idle workers first and then waiting
// for busy workers to check in before destroying them. Shrinking below
// min_size is rejected.
func (p *Pool) Resize(ctx context.Context, newMax int) error {
	if newMax < p.cfg.MinSize {
		return ErrBelowMinSize
	}

	p.mu.Lock()
	p.cfg.MaxSize = newMax
	target := p.effectiveMaxSize()
	current := len(p.workers)
	p.mu.Unlock()

	if current < target {
		p.mu.Lock()
		defer p.mu.Unlock()
		for len(p.workers) < target {
			w, err := p.newWorkerLocked(ctx)
			if err != nil {
				return fmt.Errorf("pool: resize grow: %w", err)
			}
			p.workers = append(p.workers, w)
		}
		return nil
	}

	// Shrinking: drain idle workers first.
	for {
		p.mu.Lock()
		if len(p.workers) <= target {
			p.mu.Unlock()
			return nil
		}
		var victim *Worker
		for _, w := range p.workers {
			if w.State == StateIdle {
				victim = w
				break
			}
		}
		if victim == nil {
			p.mu.Unlock()
			// All remaining workers are busy; wait for one to check in
			// and retry the shrink from the top of the loop.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		for i, cur := range p.workers {
			if cur == victim {
				p.workers = append(p.workers[:i], p.workers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		_ = victim.instance.Close()
	}
}

// Size returns the current total worker count and the count currently
// busy, for observability.
func (p *Pool) Size() (total, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.workers)
	for _, w := range p.workers {
		if w.State == StateBusy {
			busy++
		}
	}
	return total, busy
}

// Close destroys every worker. In-flight checkouts are not forcibly
// reclaimed; callers are expected to have drained pipelines first (§5).
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.instance.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
