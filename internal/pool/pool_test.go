package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeInstance struct {
	closed  atomic.Bool
	healthy atomic.Bool
}

func newFakeInstance() *fakeInstance {
	f := &fakeInstance{}
	f.healthy.Store(true)
	return f
}

func (f *fakeInstance) HealthCheck(ctx context.Context) error {
	if !f.healthy.Load() {
		return errors.New("unhealthy")
	}
	return nil
}

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeFactory struct {
	created atomic.Int32
}

func (f *fakeFactory) New(ctx context.Context, deviceID int) (Instance, error) {
	f.created.Add(1)
	return newFakeInstance(), nil
}

func TestPool_InitializeMinSize(t *testing.T) {
	p := New(Config{MinSize: 2, MaxSize: 4, MaxInstancesPerGPU: 2, GPUDeviceIDs: []int{0}}, &fakeFactory{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	total, busy := p.Size()
	if total != 2 || busy != 0 {
		t.Errorf("expected 2 idle workers, got total=%d busy=%d", total, busy)
	}
}

func TestPool_CPUFallbackSingleInstance(t *testing.T) {
	p := New(Config{MinSize: 1, MaxSize: 8}, &fakeFactory{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Resize(context.Background(), 8); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	total, _ := p.Size()
	if total != 1 {
		t.Errorf("expected CPU fallback to pin pool at 1 worker, got %d", total)
	}
}

func TestPool_MaxInstancesPerGPU(t *testing.T) {
	p := New(Config{MinSize: 0, MaxSize: 4, MaxInstancesPerGPU: 2, GPUDeviceIDs: []int{0, 1}, InitWithMaxPoolSize: true}, &fakeFactory{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	counts := map[int]int{}
	for _, w := range p.workers {
		counts[w.DeviceID]++
	}
	for dev, c := range counts {
		if c > 2 {
			t.Errorf("device %d has %d instances, want at most 2", dev, c)
		}
	}
}

func TestPool_CheckoutCheckinRoundTrip(t *testing.T) {
	p := New(Config{MinSize: 1, MaxSize: 1, GPUDeviceIDs: []int{0}, MaxInstancesPerGPU: 1}, &fakeFactory{})
	_ = p.Initialize(context.Background())

	w, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if w.State != StateBusy {
		t.Errorf("expected checked-out worker to be busy, got %s", w.State)
	}
	total, busy := p.Size()
	if total != 1 || busy != 1 {
		t.Errorf("expected 1 busy worker, got total=%d busy=%d", total, busy)
	}

	p.Checkin(w)
	total, busy = p.Size()
	if total != 1 || busy != 0 {
		t.Errorf("expected worker idle after checkin, got total=%d busy=%d", total, busy)
	}
}

func TestPool_CheckoutFIFOFairness(t *testing.T) {
	p := New(Config{MinSize: 1, MaxSize: 1, GPUDeviceIDs: []int{0}, MaxInstancesPerGPU: 1}, &fakeFactory{})
	_ = p.Initialize(context.Background())

	w, _ := p.Checkout(context.Background())

	order := make(chan int, 2)
	go func() {
		w2, err := p.Checkout(context.Background())
		if err == nil {
			order <- 1
			p.Checkin(w2)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		w3, err := p.Checkout(context.Background())
		if err == nil {
			order <- 2
			p.Checkin(w3)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	p.Checkin(w)

	first := <-order
	if first != 1 {
		t.Errorf("expected first waiter to be served first, got %d", first)
	}
	<-order
}

func TestPool_DiscardReplacesBelowMinSize(t *testing.T) {
	factory := &fakeFactory{}
	p := New(Config{MinSize: 1, MaxSize: 1, GPUDeviceIDs: []int{0}, MaxInstancesPerGPU: 1}, factory)
	_ = p.Initialize(context.Background())

	w, _ := p.Checkout(context.Background())
	p.Discard(context.Background(), w)

	total, _ := p.Size()
	if total != 1 {
		t.Errorf("expected pool to replace discarded worker to stay at min_size, got %d", total)
	}
	if factory.created.Load() != 2 {
		t.Errorf("expected factory to have created 2 instances (1 initial + 1 replacement), got %d", factory.created.Load())
	}
}

func TestPool_ResizeRejectsBelowMinSize(t *testing.T) {
	p := New(Config{MinSize: 2, MaxSize: 4, GPUDeviceIDs: []int{0}, MaxInstancesPerGPU: 4}, &fakeFactory{})
	_ = p.Initialize(context.Background())

	if err := p.Resize(context.Background(), 1); !errors.Is(err, ErrBelowMinSize) {
		t.Errorf("expected ErrBelowMinSize, got %v", err)
	}
}

func TestPool_CheckoutSkipsUnhealthyWorker(t *testing.T) {
	factory := &fakeFactory{}
	p := New(Config{MinSize: 1, MaxSize: 1, GPUDeviceIDs: []int{0}, MaxInstancesPerGPU: 1}, factory)
	_ = p.Initialize(context.Background())

	p.workers[0].instance.(*fakeInstance).healthy.Store(false)

	w, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if !w.instance.(*fakeInstance).healthy.Load() {
		t.Error("expected unhealthy worker to be discarded and replaced with a healthy one")
	}
	if factory.created.Load() != 2 {
		t.Errorf("expected replacement instance to be created, got %d total", factory.created.Load())
	}
}
