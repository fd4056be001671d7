/*Package executor serializes access to a single shared transport — one
stepper, encoder, or thermometer connection, spoken by exactly one worker
goroutine — behind a generic FIFO queue. Every device endpoint (stepper,
encoder, thermometer) talks to its hardware through one of these, never
directly, so a slow or retrying op on one axis can never interleave its
bytes with another op on the same wire.

A transport is commonly shared by several axes (several steppers on one
Modbus-RTU line, several encoders on one RF256 line); an Executor owns the
table of per-axis device identities that share its transport and
resolves a caller's logical axis index to the right one internally, so
that axes sharing a bus also share one FIFO queue and one worker — never
one queue per axis.

The single-worker, ping/pong-over-channels shape below is adapted from
joeycumines-go-utilpkg's microbatch.Batcher[Job]: a generic job type, a
context-scoped run loop, and a done channel signaling full shutdown. This
package drops the batching (every device op here is sent and answered one
at a time — batching register writes would reorder motion commands) and
adds a bounded queue that rejects rather than blocks when the device is
already busy, and an optional rate limit for slow/chatty hardware.
*/
package executor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/beamctl/ctlerr"
)

// Handler executes a single request against one axis's device identity and
// produces its response. Handler is called from exactly one goroutine per
// Executor, so it never needs its own locking even though many axes share
// it.
type Handler[D, Req, Resp any] func(ctx context.Context, device D, req Req) (Resp, error)

// Reconnector is satisfied by the shared transport underneath a Handler
// (typically *comm.LazyTransport). ForceReconnect runs it through the same
// single worker as ordinary requests, so a reconnect can never race with
// an in-flight device op.
type Reconnector interface {
	Reconnect() error
}

// ErrQueueFull is returned by Submit when the bounded queue is already at
// capacity. Device control is latency sensitive: a caller is better served
// by a fast rejection than by a command that sits queued behind a pile of
// stale ones.
var ErrQueueFull = errors.New("executor: queue full")

// ErrUnknownAxis is returned by Submit when the given axis index has no
// device identity registered on this Executor's transport.
var ErrUnknownAxis = errors.New("executor: no device configured for axis")

func errUnknownAxis(axis int) error {
	return fmt.Errorf("%w: %d", ErrUnknownAxis, axis)
}

type job[D, Req, Resp any] struct {
	ctx    context.Context
	device D
	req    Req
	reply  chan result[Resp]
}

type result[Resp any] struct {
	resp Resp
	err  error
}

type reconnectJob struct {
	ctx   context.Context
	reply chan error
}

/*Executor runs Handler calls one at a time, in submission order, against a
single shared transport. It owns a table of device identities, keyed by
logical axis index, that share the transport: Submit resolves a caller's
axis index to its device internally, returning invalid-input for an index
this Executor has no device for, rather than requiring a separate Executor
per axis.
*/
type Executor[D, Req, Resp any] struct {
	devices   map[int]D
	handler   Handler[D, Req, Resp]
	transport Reconnector
	limiter   *rate.Limiter

	queue       chan job[D, Req, Resp]
	reconnectCh chan reconnectJob

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Executor over devices (a logical-axis-index to device-
// identity table) with a bounded queue of depth queueDepth, dispatching
// accepted requests to handler one at a time. transport and limiter are
// both optional (nil disables reconnect forwarding and throttling
// respectively).
func New[D, Req, Resp any](devices map[int]D, queueDepth int, transport Reconnector, limiter *rate.Limiter, handler Handler[D, Req, Resp]) *Executor[D, Req, Resp] {
	if handler == nil {
		panic("executor: nil handler")
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}

	cp := make(map[int]D, len(devices))
	for axis, d := range devices {
		cp[axis] = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor[D, Req, Resp]{
		devices:     cp,
		handler:     handler,
		transport:   transport,
		limiter:     limiter,
		queue:       make(chan job[D, Req, Resp], queueDepth),
		reconnectCh: make(chan reconnectJob),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit resolves axis to its device identity and enqueues req, blocking
// until it has been handled, ctx is canceled, or the Executor is closed.
// An axis this Executor has no device for fails immediately with
// ctlerr.KindInvalidInput; a full queue fails immediately with
// ErrQueueFull rather than waiting for space to open up.
func (e *Executor[D, Req, Resp]) Submit(ctx context.Context, axis int, req Req) (Resp, error) {
	var zero Resp

	device, ok := e.devices[axis]
	if !ok {
		return zero, ctlerr.New(ctlerr.KindInvalidInput, "executor.Submit", errUnknownAxis(axis))
	}

	reply := make(chan result[Resp], 1)
	j := job[D, Req, Resp]{ctx: ctx, device: device, req: req, reply: reply}

	select {
	case e.queue <- j:
	default:
		return zero, ctlerr.New(ctlerr.KindBusy, "executor.Submit", ErrQueueFull)
	}

	select {
	case r := <-reply:
		return r.resp, r.err
	case <-ctx.Done():
		return zero, ctlerr.New(ctlerr.KindCancelled, "executor.Submit", ctx.Err())
	case <-e.ctx.Done():
		return zero, ctlerr.New(ctlerr.KindCancelled, "executor.Submit", e.ctx.Err())
	}
}

// ForceReconnect tears down and reopens the shared transport, running
// through the same single worker as ordinary requests so it cannot
// interleave with one. It is a no-op if no transport was configured.
func (e *Executor[D, Req, Resp]) ForceReconnect(ctx context.Context) error {
	if e.transport == nil {
		return nil
	}
	reply := make(chan error, 1)
	rj := reconnectJob{ctx: ctx, reply: reply}

	select {
	case e.reconnectCh <- rj:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// Close stops accepting new work and waits for the worker goroutine to
// exit. Any request already queued or in flight is abandoned.
func (e *Executor[D, Req, Resp]) Close() error {
	e.cancel()
	<-e.done
	return nil
}

func (e *Executor[D, Req, Resp]) run() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			return

		case j := <-e.queue:
			e.handle(j)

		case rj := <-e.reconnectCh:
			e.reconnect(rj)
		}
	}
}

func (e *Executor[D, Req, Resp]) handle(j job[D, Req, Resp]) {
	if err := j.ctx.Err(); err != nil {
		j.reply <- result[Resp]{err: ctlerr.New(ctlerr.KindCancelled, "executor.handle", err)}
		return
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(j.ctx); err != nil {
			j.reply <- result[Resp]{err: ctlerr.New(ctlerr.KindCancelled, "executor.handle", err)}
			return
		}
	}
	resp, err := e.handler(j.ctx, j.device, j.req)
	j.reply <- result[Resp]{resp: resp, err: err}
}

func (e *Executor[D, Req, Resp]) reconnect(rj reconnectJob) {
	if err := rj.ctx.Err(); err != nil {
		rj.reply <- err
		return
	}
	rj.reply <- e.transport.Reconnect()
}
