package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/metrics"
	"github.com/micro-nova/planetradio-go/internal/models"
)

// DirectRelay pipes one continuous upstream AAC response to the player and
// follows the push metadata channel keyed by the response's session cookie.
type DirectRelay struct {
	*endpoint
	streamURL string
	deps      Deps
	debounce  *Debouncer

	mu            sync.Mutex
	initial       *http.Response // opened by Start, consumed by the first pump
	cancelInitial context.CancelFunc
	pushID        string
	push          *Supervisor
}

func newDirectRelay(streamURL string, deps Deps) *DirectRelay {
	d := &DirectRelay{
		endpoint:  newEndpoint(models.StreamDirect),
		streamURL: streamURL,
		deps:      deps,
	}
	d.debounce = NewDebouncer(deps.MetadataDelay, d.applyMetadata)
	return d
}

// Start binds the local port and opens the upstream stream.
func (d *DirectRelay) Start(ctx context.Context) (string, error) {
	if err := d.begin(); err != nil {
		return "", err
	}
	localURL, err := d.bind(d.ServeStream)
	if err != nil {
		return "", d.failStart(err)
	}

	// The body must outlive ctx, so open under the relay context and only
	// let ctx abort the wait for headers.
	openCtx, cancelOpen := context.WithCancel(d.ctx)
	stopWatch := context.AfterFunc(ctx, cancelOpen)
	resp, err := d.deps.Client.OpenStream(openCtx, d.streamURL)
	if !stopWatch() && err == nil {
		resp.Body.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancelOpen()
		return "", d.failStart(err)
	}

	d.mu.Lock()
	d.initial = resp
	d.cancelInitial = cancelOpen
	d.mu.Unlock()
	d.followPush(resp)

	metrics.RelayStarts.WithLabelValues(d.kind.String(), "success").Inc()
	slog.Info("relay: direct started", "id", d.id, "local", localURL, "upstream", redact(d.streamURL))
	return localURL, nil
}

func (d *DirectRelay) failStart(err error) error {
	metrics.RelayStarts.WithLabelValues(d.kind.String(), "failure").Inc()
	_ = d.Stop()
	return &models.RelayStartError{URL: redact(d.streamURL), Err: err}
}

// ServeStream pipes the upstream body to the player until either side ends.
func (d *DirectRelay) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx, release := d.beginPump(r)
	defer release()

	d.mu.Lock()
	resp := d.initial
	d.initial = nil
	d.mu.Unlock()

	if resp == nil {
		// Player reconnected; open a fresh upstream with a fresh session key.
		signed, err := d.deps.sign(d.streamURL)
		if err == nil {
			resp, err = d.deps.Client.OpenStream(ctx, signed)
		}
		if err != nil {
			if !d.alive() || ctx.Err() != nil {
				return
			}
			slog.Warn("relay: direct upstream open failed", "id", d.id, "err", err)
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}
		d.followPush(resp)
	}
	defer resp.Body.Close()
	stopClose := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stopClose()

	writeStreamHeaders(w)
	n, err := copyFlush(w, resp.Body, d.markStreaming)
	switch {
	case errors.Is(err, errClientGone), ctx.Err() != nil:
		slog.Debug("relay: direct pump ended by player", "id", d.id, "bytes", n)
	case err != nil:
		slog.Warn("relay: direct upstream read failed", "id", d.id, "bytes", n, "err", err)
	default:
		slog.Info("relay: direct upstream ended", "id", d.id, "bytes", n)
	}
}

// followPush (re)starts the metadata push channel when the upstream response
// carries a new session cookie.
func (d *DirectRelay) followPush(resp *http.Response) {
	id := pushSessionID(resp)
	if id == "" || d.deps.MetadataPushURL == "" || !d.alive() {
		return
	}
	u, err := pushURL(d.deps.MetadataPushURL, id)
	if err != nil {
		slog.Warn("relay: bad metadata push url", "url", d.deps.MetadataPushURL, "err", err)
		return
	}

	d.mu.Lock()
	if d.pushID == id {
		d.mu.Unlock()
		return
	}
	old := d.push
	d.pushID = id
	d.push = NewSupervisor("push/"+d.id, d.deps.ReconnectDelay, func(ctx context.Context) error {
		return d.consumePush(ctx, u)
	})
	next := d.push
	d.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	slog.Debug("relay: following metadata push channel", "id", d.id)
	next.Start(d.ctx)
}

func (d *DirectRelay) consumePush(ctx context.Context, u string) error {
	resp, err := d.deps.Client.OpenStream(ctx, u)
	if err != nil {
		return &models.TransientFetchError{What: "metadata push", Err: err}
	}
	defer resp.Body.Close()
	return readEvents(ctx, resp.Body, func(data string) { d.handlePush(ctx, data) })
}

func (d *DirectRelay) handlePush(ctx context.Context, data string) {
	kv := parsePushPayload(data)
	var np models.NowPlaying
	switch {
	case kv["url"] != "" && d.deps.Metadata != nil:
		np = d.deps.Metadata.Resolve(ctx, kv["url"], d.deps.Station)
	case kv["title"] != "":
		np = StationNowPlaying(d.deps.Station, time.Now())
		np.Title = kv["title"]
		np.Artist = kv["artist"]
	default:
		return
	}
	if !d.alive() {
		return
	}
	d.debounce.Push(np)
}

func (d *DirectRelay) applyMetadata(np models.NowPlaying) {
	if !d.alive() || d.deps.OnMetadata == nil {
		return
	}
	d.deps.OnMetadata(np)
}

// Stop releases everything the relay holds. Calling it again is a no-op.
func (d *DirectRelay) Stop() error {
	d.debounce.Stop()
	first, err := d.shutdown()
	if !first {
		return nil
	}

	d.mu.Lock()
	push := d.push
	initial := d.initial
	cancelInitial := d.cancelInitial
	d.push, d.initial, d.cancelInitial = nil, nil, nil
	d.mu.Unlock()

	if push != nil {
		push.Stop()
	}
	if initial != nil {
		initial.Body.Close()
	}
	if cancelInitial != nil {
		cancelInitial()
	}
	slog.Info("relay: direct stopped", "id", d.id)
	return err
}

// redact drops the query string, which carries the listener id.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
