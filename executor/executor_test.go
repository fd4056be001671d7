package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/beamctl/ctlerr"
	"github.com/nasa-jpl/beamctl/executor"
)

// devices is a trivial device-identity table: the tests below only care
// that the Executor resolves an axis index to the matching entry and
// hands it to Handler, not about any particular device's wire behavior.
func devices(axes ...int) map[int]int {
	m := make(map[int]int, len(axes))
	for _, a := range axes {
		m[a] = a
	}
	return m
}

func TestExecutorRepliesMatchRequestsAcrossSharedAxes(t *testing.T) {
	var mu sync.Mutex
	var order []int

	e := executor.New(devices(0, 1, 2, 3), 8, nil, nil, func(ctx context.Context, device int, req int) (int, error) {
		mu.Lock()
		order = append(order, req)
		mu.Unlock()
		return req * 2, nil
	})
	defer e.Close()

	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.Submit(context.Background(), i%4, i)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if results[i] != i*2 {
			t.Errorf("request %d: got %d, want %d", i, results[i], i*2)
		}
	}
}

func TestExecutorUnknownAxisRejected(t *testing.T) {
	e := executor.New(devices(0, 1), 4, nil, nil, func(ctx context.Context, device int, req int) (int, error) { return req, nil })
	defer e.Close()

	if _, err := e.Submit(context.Background(), 0, 1); err != nil {
		t.Fatalf("unexpected error for a configured axis: %v", err)
	}

	_, err := e.Submit(context.Background(), 5, 1)
	if err == nil {
		t.Fatal("expected an error for an axis with no device on this transport")
	}
	if !errors.Is(err, executor.ErrUnknownAxis) {
		t.Errorf("expected ErrUnknownAxis in the chain, got %v", err)
	}
	var ce *ctlerr.Error
	if !errors.As(err, &ce) || ce.Kind != ctlerr.KindInvalidInput {
		t.Errorf("expected a KindInvalidInput ctlerr.Error, got %v", err)
	}
}

func TestExecutorQueueFullRejected(t *testing.T) {
	unblock := make(chan struct{})
	started := make(chan struct{}, 1)
	e := executor.New(devices(0), 1, nil, nil, func(ctx context.Context, device int, req int) (int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
		return req, nil
	})
	defer func() {
		close(unblock)
		e.Close()
	}()

	// first Submit occupies the worker, second fills the one-deep queue
	go e.Submit(context.Background(), 0, 1)
	<-started
	go e.Submit(context.Background(), 0, 2)
	time.Sleep(20 * time.Millisecond) // let the second land in the queue

	_, err := e.Submit(context.Background(), 0, 3)
	if err == nil {
		t.Fatal("expected the queue to reject a third submission")
	}
	if !errors.Is(err, executor.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull in the chain, got %v", err)
	}
	if !ctlerr.Recoverable(err) {
		t.Error("expected a busy queue to be classified as recoverable")
	}
}

func TestExecutorSubmitAfterCloseIsCancelled(t *testing.T) {
	e := executor.New(devices(0), 4, nil, nil, func(ctx context.Context, device int, req int) (int, error) {
		return req, nil
	})
	e.Close()

	_, err := e.Submit(context.Background(), 0, 1)
	if err == nil {
		t.Fatal("expected an error submitting to a closed executor")
	}
}

type fakeTransport struct {
	reconnects int
}

func (f *fakeTransport) Reconnect() error {
	f.reconnects++
	return nil
}

func TestExecutorForceReconnectSerializesWithRequests(t *testing.T) {
	transport := &fakeTransport{}
	var mu sync.Mutex
	var events []string

	e := executor.New(devices(0), 4, transport, nil, func(ctx context.Context, device int, req string) (string, error) {
		mu.Lock()
		events = append(events, "req:"+req)
		mu.Unlock()
		return req, nil
	})
	defer e.Close()

	if _, err := e.Submit(context.Background(), 0, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Submit(context.Background(), 0, "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transport.reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", transport.reconnects)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "req:a" || events[1] != "req:b" {
		t.Errorf("unexpected event order: %v", events)
	}
}
