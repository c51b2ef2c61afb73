package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/micro-nova/planetradio-go/internal/metrics"
	"github.com/micro-nova/planetradio-go/internal/models"
)

// errClientGone is returned by copyFlush when the player side write fails.
var errClientGone = errors.New("client disconnected")

const copyBufferSize = 32 * 1024

// endpoint is the local HTTP surface and lifecycle shared by both relay
// strategies. It owns the listener, the relay-wide context and the single
// active pump.
type endpoint struct {
	id    string
	kind  models.StreamKind
	state atomic.Int32

	// ctx lives until Stop; every goroutine and upstream request of the
	// relay derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	srv        *http.Server
	localURL   string
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	wg sync.WaitGroup
}

func newEndpoint(kind models.StreamKind) *endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		id:     uuid.NewString(),
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *endpoint) ID() string              { return e.id }
func (e *endpoint) Kind() models.StreamKind { return e.kind }
func (e *endpoint) State() State            { return State(e.state.Load()) }

// alive reports whether the relay has not been stopped. Completed I/O must
// check it before acting on the result.
func (e *endpoint) alive() bool { return e.ctx.Err() == nil }

// LocalURL returns the bound stream URL, or "" before Start.
func (e *endpoint) LocalURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localURL
}

func (e *endpoint) begin() error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("relay %s: start in state %s", e.id, e.State())
	}
	return nil
}

func (e *endpoint) markStreaming() {
	e.state.CompareAndSwap(int32(StateStarting), int32(StateStreaming))
}

// bind listens on an ephemeral loopback port and serves /stream with h.
func (e *endpoint) bind(h http.HandlerFunc) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	r := chi.NewRouter()
	r.Get("/stream", h)
	r.NotFound(http.NotFound)
	r.MethodNotAllowed(http.NotFound)

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return e.ctx },
	}
	localURL := fmt.Sprintf("http://%s/stream", ln.Addr().String())

	e.mu.Lock()
	if !e.alive() {
		e.mu.Unlock()
		ln.Close()
		return "", errors.New("relay stopped during start")
	}
	e.srv = srv
	e.localURL = localURL
	e.mu.Unlock()

	metrics.ActiveRelays.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("relay: serve failed", "id", e.id, "err", err)
		}
	}()
	return localURL, nil
}

// beginPump makes the calling request the only active pump. A previous pump
// is cancelled and awaited first so two writers never share one upstream.
// The returned release func must be called when the pump exits.
func (e *endpoint) beginPump(r *http.Request) (context.Context, func()) {
	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})

	e.mu.Lock()
	prevCancel, prevDone := e.pumpCancel, e.pumpDone
	e.pumpCancel, e.pumpDone = cancel, done
	e.mu.Unlock()

	if prevCancel != nil {
		slog.Info("relay: new player connection supersedes previous", "id", e.id)
		prevCancel()
		select {
		case <-prevDone:
		case <-ctx.Done():
		}
	}

	return ctx, func() {
		cancel()
		close(done)
		e.mu.Lock()
		if e.pumpDone == done {
			e.pumpCancel, e.pumpDone = nil, nil
		}
		e.mu.Unlock()
	}
}

// shutdown moves to Stopped and releases the port. It reports false when the
// relay was already stopped.
func (e *endpoint) shutdown() (bool, error) {
	if State(e.state.Swap(int32(StateStopped))) == StateStopped {
		return false, nil
	}
	e.cancel()

	e.mu.Lock()
	srv := e.srv
	e.srv = nil
	pumpDone := e.pumpDone
	e.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
		metrics.ActiveRelays.Dec()
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(5 * time.Second):
			slog.Warn("relay: pump did not exit after stop", "id", e.id)
		}
	}
	e.wg.Wait()
	return true, err
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "audio/aac")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
}

// copyFlush pipes src to w, flushing after every chunk. onFirst runs once the
// first bytes have been handed to the client. A failed write is reported as
// errClientGone; read errors are returned as is, io.EOF as nil.
func copyFlush(w http.ResponseWriter, src io.Reader, onFirst func()) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, errClientGone
			}
			if flusher != nil {
				flusher.Flush()
			}
			if total == 0 && onFirst != nil {
				onFirst()
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// sleepCtx waits d or until ctx is done. It reports whether the full delay
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
