/*Package comm provides the lazy, fault-recovering TCP transport shared by
every device protocol in this module (Modbus-RTU, RF256).

Callers get raw, unframed bytes; framing, CRCs, and retries at the protocol
level are the job of the codec packages built on top of this one. comm only
owns the socket: lazy connect, per-operation timeouts, and reconnecting once
on a fault detected either by peeking the connection before an operation or
by the operation itself failing.

A minimal example:

	t := comm.NewLazyTransport("10.0.0.12:502", comm.Timeouts{
		Connect: 2 * time.Second,
		Read:    500 * time.Millisecond,
		Write:   500 * time.Millisecond,
	}, 3)
	n, err := t.Write(frame)
	// t dials lazily on first Write; err may be a *ctlerr.Error
*/
package comm

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/beamctl/ctlerr"
)

// ErrMaxRetriesReached is returned when the lazy connect path exhausts its
// configured retry budget without establishing a connection.
var ErrMaxRetriesReached = errors.New("max retries reached")

// Timeouts groups the three durations a LazyTransport needs: one to bound
// the initial dial, two to bound each read and write once connected.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

/*LazyTransport is a single-owner byte stream over TCP that opens on first
use rather than at construction, and recovers once from a fault it detects
before handing control back to the caller.

LazyTransport is not safe for concurrent use by multiple goroutines; it is
meant to be owned exclusively by one device-endpoint executor worker (see
package executor), which already serializes access to the shared bus. The
embedded mutex exists only to make Close safe to call from a second
goroutine (for example a shutdown path) concurrently with the worker.
*/
type LazyTransport struct {
	Addr       string
	Timeouts   Timeouts
	MaxRetries int

	mu      sync.Mutex
	conn    net.Conn
	pending []byte // byte consumed by a liveness peek, owed back to the next Read
}

// NewLazyTransport builds a LazyTransport that has not yet dialed addr.
// maxRetries bounds both the initial lazy open and any later Reconnect.
func NewLazyTransport(addr string, t Timeouts, maxRetries int) *LazyTransport {
	return &LazyTransport{Addr: addr, Timeouts: t, MaxRetries: maxRetries}
}

// Connected reports whether the transport currently holds an open socket.
func (lt *LazyTransport) Connected() bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.conn != nil
}

// ensureOpen dials the remote if not already connected, making up to
// MaxRetries dial attempts with the same exponential backoff shape the teacher's
// RemoteDevice.Open used, generalized away from the "refused vs timeout"
// branch since this transport treats every dial failure the same way.
func (lt *LazyTransport) ensureOpen() error {
	if lt.conn != nil {
		return nil
	}
	var conn net.Conn
	op := func() error {
		c, err := net.DialTimeout("tcp", lt.Addr, lt.Timeouts.Connect)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         250 * time.Millisecond,
		Clock:               backoff.SystemClock,
	}
	b := backoff.WithMaxRetries(eb, retriesAfterFirst(lt.MaxRetries))
	if err := backoff.Retry(op, b); err != nil {
		return ctlerr.New(ctlerr.KindIO, "comm.ensureOpen", fmt.Errorf("%w: %v", ErrMaxRetriesReached, err))
	}
	lt.conn = conn
	lt.pending = nil
	return nil
}

// retriesAfterFirst converts a "total attempts" count into the "retries
// after the first attempt" count backoff.WithMaxRetries expects.
func retriesAfterFirst(maxRetries int) uint64 {
	if maxRetries < 1 {
		return 0
	}
	return uint64(maxRetries - 1)
}

// Reconnect unconditionally tears down the current socket, if any, and
// opens a new one, honoring MaxRetries with no backoff between dial
// attempts: every attempt fires back to back, bounded only by the per-dial
// Connect timeout.
func (lt *LazyTransport) Reconnect() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.shutdown()

	var conn net.Conn
	op := func() error {
		c, err := net.DialTimeout("tcp", lt.Addr, lt.Timeouts.Connect)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), retriesAfterFirst(lt.MaxRetries))
	if err := backoff.Retry(op, b); err != nil {
		return ctlerr.New(ctlerr.KindIO, "comm.Reconnect", fmt.Errorf("%w: %v", ErrMaxRetriesReached, err))
	}
	lt.conn = conn
	lt.pending = nil
	return nil
}

func (lt *LazyTransport) shutdown() {
	if lt.conn != nil {
		lt.conn.Close()
		lt.conn = nil
	}
	lt.pending = nil
}

// peekFault is a non-destructive liveness check: it sets an immediate read
// deadline and attempts to read one byte. A timeout means nothing was
// pending and the socket is presumably fine. A byte actually read is kept
// in lt.pending so the next real Read still sees it. Any other error (EOF,
// reset, aborted, broken pipe) is treated as a fault.
func (lt *LazyTransport) peekFault() bool {
	if len(lt.pending) > 0 {
		return false
	}
	var one [1]byte
	lt.conn.SetReadDeadline(time.Now())
	n, err := lt.conn.Read(one[:])
	lt.conn.SetReadDeadline(time.Time{})
	if n == 1 {
		lt.pending = append(lt.pending, one[0])
	}
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return isFaultErr(err)
}

func isFaultErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, substr := range []string{"reset", "broken pipe", "aborted", "eof", "use of closed"} {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// Read fills buf from the remote, opening the connection lazily if
// necessary and reconnecting once if a fault is detected either on the
// pre-operation peek or on the read itself. Timeouts are surfaced
// unchanged; they are never treated as a fault worth reconnecting over.
func (lt *LazyTransport) Read(buf []byte) (int, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if err := lt.ensureOpen(); err != nil {
		return 0, err
	}

	if lt.peekFault() {
		lt.shutdown()
		if err := lt.ensureOpen(); err != nil {
			return 0, err
		}
	}

	if len(lt.pending) > 0 && len(buf) > 0 {
		buf[0] = lt.pending[0]
		lt.pending = lt.pending[1:]
		if len(buf) == 1 {
			return 1, nil
		}
		n, err := lt.readFault(buf[1:])
		return n + 1, err
	}

	return lt.readFault(buf)
}

func (lt *LazyTransport) readFault(buf []byte) (int, error) {
	lt.conn.SetReadDeadline(time.Now().Add(lt.Timeouts.Read))
	n, err := lt.conn.Read(buf)
	if err == nil || !isFaultErr(err) {
		return n, err
	}

	lt.shutdown()
	if reopenErr := lt.ensureOpen(); reopenErr != nil {
		return n, reopenErr
	}
	lt.conn.SetReadDeadline(time.Now().Add(lt.Timeouts.Read))
	n2, err2 := lt.conn.Read(buf[n:])
	return n + n2, err2
}

// Write sends buf to the remote, opening the connection lazily if
// necessary and reconnecting once if a fault is detected either on the
// pre-operation peek or on the write itself.
func (lt *LazyTransport) Write(buf []byte) (int, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if err := lt.ensureOpen(); err != nil {
		return 0, err
	}

	if lt.peekFault() {
		lt.shutdown()
		if err := lt.ensureOpen(); err != nil {
			return 0, err
		}
	}

	lt.conn.SetWriteDeadline(time.Now().Add(lt.Timeouts.Write))
	n, err := lt.conn.Write(buf)
	if err == nil || !isFaultErr(err) {
		return n, err
	}

	lt.shutdown()
	if reopenErr := lt.ensureOpen(); reopenErr != nil {
		return n, reopenErr
	}
	lt.conn.SetWriteDeadline(time.Now().Add(lt.Timeouts.Write))
	n2, err2 := lt.conn.Write(buf)
	return n + n2, err2
}

// Flush is a no-op: LazyTransport does not buffer writes beyond what the
// kernel socket already does. It exists so the codec packages can depend
// on a small Transport interface (Read, Write, Flush, Reconnect) without
// caring whether a given implementation actually buffers.
func (lt *LazyTransport) Flush() error {
	return nil
}

// Close shuts the connection down without attempting to reopen it. Unlike
// Reconnect, a closed LazyTransport will lazily reopen on the next Read or
// Write, same as a freshly constructed one.
func (lt *LazyTransport) Close() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.shutdown()
	return nil
}
