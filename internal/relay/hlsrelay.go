package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/hls"
	"github.com/micro-nova/planetradio-go/internal/metrics"
	"github.com/micro-nova/planetradio-go/internal/models"
)

// segmentQueue is the FIFO of segments waiting to be streamed. It accepts
// only segments whose sequence id is above every id it has seen, so a
// refreshed live window never repeats or reorders audio.
type segmentQueue struct {
	mu       sync.Mutex
	pending  []models.Segment
	highest  int64
	seeded   bool
	streamed int64
}

// offer enqueues the new segments of a playlist window and returns them.
func (q *segmentQueue) offer(segs []models.Segment) []models.Segment {
	q.mu.Lock()
	defer q.mu.Unlock()
	var added []models.Segment
	for _, s := range segs {
		if q.seeded && s.SequenceID <= q.highest {
			continue
		}
		q.pending = append(q.pending, s)
		q.highest = s.SequenceID
		q.seeded = true
		added = append(added, s)
	}
	return added
}

func (q *segmentQueue) pop() (models.Segment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return models.Segment{}, false
	}
	s := q.pending[0]
	q.pending = q.pending[1:]
	return s, true
}

func (q *segmentQueue) markStreamed(id int64) {
	q.mu.Lock()
	q.streamed = id
	q.mu.Unlock()
}

func (q *segmentQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HLSRelay resolves a master playlist to its media playlist and concatenates
// the live segments into one continuous response.
type HLSRelay struct {
	*endpoint
	playlistURL string
	deps        Deps
	debounce    *Debouncer
	queue       segmentQueue

	mu       sync.Mutex
	mediaURL string
	lastMeta string
	metaWG   sync.WaitGroup
}

func newHLSRelay(playlistURL string, deps Deps) *HLSRelay {
	h := &HLSRelay{
		endpoint:    newEndpoint(models.StreamHLS),
		playlistURL: playlistURL,
		deps:        deps,
	}
	h.debounce = NewDebouncer(deps.MetadataDelay, h.applyMetadata)
	return h
}

// Start binds the local port and resolves the first media playlist.
func (h *HLSRelay) Start(ctx context.Context) (string, error) {
	if err := h.begin(); err != nil {
		return "", err
	}
	localURL, err := h.bind(h.ServeStream)
	if err != nil {
		return "", h.failStart(err)
	}

	mediaURL, segs, err := h.resolve(ctx)
	if err != nil {
		return "", h.failStart(err)
	}
	h.mu.Lock()
	h.mediaURL = mediaURL
	h.mu.Unlock()
	h.queue.offer(segs)

	metrics.RelayStarts.WithLabelValues(h.kind.String(), "success").Inc()
	slog.Info("relay: hls started", "id", h.id, "local", localURL,
		"media", redact(mediaURL), "segments", len(segs))
	return localURL, nil
}

func (h *HLSRelay) failStart(err error) error {
	metrics.RelayStarts.WithLabelValues(h.kind.String(), "failure").Inc()
	_ = h.Stop()
	return &models.RelayStartError{URL: redact(h.playlistURL), Err: err}
}

// resolve fetches the playlist and, if it is a master, follows the chosen
// variant to its media playlist.
func (h *HLSRelay) resolve(ctx context.Context) (string, []models.Segment, error) {
	body, err := h.deps.Client.GetBody(ctx, h.playlistURL)
	if err != nil {
		return "", nil, fmt.Errorf("fetch playlist: %w", err)
	}
	mediaURL := h.playlistURL

	if hls.IsMaster(body) {
		base, err := url.Parse(h.playlistURL)
		if err != nil {
			return "", nil, err
		}
		variants, err := hls.ParseMaster(body, base)
		if err != nil {
			return "", nil, err
		}
		mediaURL = hls.SelectVariant(variants, h.deps.MediaPlaylistName)
		slog.Debug("relay: master playlist resolved", "id", h.id, "variants", len(variants), "media", redact(mediaURL))

		signed, err := h.deps.sign(mediaURL)
		if err != nil {
			return "", nil, err
		}
		if body, err = h.deps.Client.GetBody(ctx, signed); err != nil {
			return "", nil, fmt.Errorf("fetch media playlist: %w", err)
		}
	}

	segs, err := h.parseMedia(body, mediaURL)
	if err != nil {
		return "", nil, err
	}
	return mediaURL, segs, nil
}

func (h *HLSRelay) parseMedia(body []byte, mediaURL string) ([]models.Segment, error) {
	base, err := url.Parse(mediaURL)
	if err != nil {
		return nil, err
	}
	return hls.ParseMedia(body, base)
}

// refresh re-fetches the media playlist and enqueues only unseen segments.
func (h *HLSRelay) refresh(ctx context.Context) ([]models.Segment, error) {
	h.mu.Lock()
	mediaURL := h.mediaURL
	h.mu.Unlock()

	signed, err := h.deps.sign(mediaURL)
	if err != nil {
		return nil, err
	}
	body, err := h.deps.Client.GetBody(ctx, signed)
	if err != nil {
		metrics.PlaylistRefreshes.WithLabelValues("failure").Inc()
		return nil, &models.TransientFetchError{What: "playlist refresh", Err: err}
	}
	segs, err := h.parseMedia(body, mediaURL)
	if err != nil {
		metrics.PlaylistRefreshes.WithLabelValues("failure").Inc()
		return nil, &models.TransientFetchError{What: "playlist parse", Err: err}
	}
	metrics.PlaylistRefreshes.WithLabelValues("success").Inc()
	return h.queue.offer(segs), nil
}

// ServeStream streams queued segments back to back, refreshing the playlist
// whenever the queue drains.
func (h *HLSRelay) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx, release := h.beginPump(r)
	defer release()

	h.mu.Lock()
	ready := h.mediaURL != ""
	h.mu.Unlock()
	if !ready {
		http.Error(w, "relay not started", http.StatusInternalServerError)
		return
	}

	headersSent := false
	for ctx.Err() == nil {
		seg, ok := h.queue.pop()
		if !ok {
			added, err := h.refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("relay: playlist refresh failed, retrying", "id", h.id, "err", err)
				sleepCtx(ctx, h.deps.RefreshRetryDelay)
				continue
			}
			if len(added) == 0 {
				sleepCtx(ctx, h.deps.RefreshInterval)
			}
			continue
		}

		h.maybeFetchMetadata(seg.MetadataURL)

		err := h.streamSegment(ctx, w, seg, &headersSent)
		switch {
		case err == nil:
			h.queue.markStreamed(seg.SequenceID)
			metrics.SegmentsStreamed.Inc()
		case errors.Is(err, errClientGone) || ctx.Err() != nil:
			slog.Debug("relay: hls pump ended by player", "id", h.id, "seq", seg.SequenceID)
			return
		default:
			metrics.SegmentFailures.Inc()
			slog.Warn("relay: segment failed, skipping", "id", h.id, "seq", seg.SequenceID, "err", err)
			sleepCtx(ctx, h.deps.SegmentRetryDelay)
		}
	}
}

func (h *HLSRelay) streamSegment(ctx context.Context, w http.ResponseWriter, seg models.Segment, headersSent *bool) error {
	signed, err := h.deps.sign(seg.URL)
	if err != nil {
		return err
	}
	segCtx, cancel := context.WithTimeout(ctx, segmentDeadline(seg, h.deps.SegmentTimeout))
	defer cancel()

	resp, err := h.deps.Client.OpenStream(segCtx, signed)
	if err != nil {
		return &models.TransientFetchError{What: "segment", Err: err}
	}
	defer resp.Body.Close()

	if !*headersSent {
		writeStreamHeaders(w)
		*headersSent = true
	}
	if _, err := copyFlush(w, resp.Body, h.markStreaming); err != nil {
		if errors.Is(err, errClientGone) {
			return err
		}
		return &models.TransientFetchError{What: "segment body", Err: err}
	}
	return nil
}

// segmentDeadline bounds one segment download so a stalled body is skipped
// instead of holding the pump.
func segmentDeadline(seg models.Segment, floor time.Duration) time.Duration {
	return max(3*seg.Duration, floor)
}

// maybeFetchMetadata starts a background lookup when the segment's event URL
// differs from the last one seen. Audio delivery never waits for it.
func (h *HLSRelay) maybeFetchMetadata(eventURL string) {
	if eventURL == "" || h.deps.Metadata == nil {
		return
	}
	h.mu.Lock()
	if eventURL == h.lastMeta || !h.alive() {
		h.mu.Unlock()
		return
	}
	h.lastMeta = eventURL
	h.metaWG.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.metaWG.Done()
		np := h.deps.Metadata.Resolve(h.ctx, eventURL, h.deps.Station)
		if !h.alive() {
			return
		}
		h.debounce.Push(np)
	}()
}

func (h *HLSRelay) applyMetadata(np models.NowPlaying) {
	if !h.alive() || h.deps.OnMetadata == nil {
		return
	}
	h.deps.OnMetadata(np)
}

// Stop releases everything the relay holds. Calling it again is a no-op.
func (h *HLSRelay) Stop() error {
	h.debounce.Stop()
	first, err := h.shutdown()
	if !first {
		return nil
	}
	// metaWG.Add happens under mu after an alive check, so taking mu once
	// here orders every Add before the Wait.
	h.mu.Lock()
	h.mu.Unlock()
	h.metaWG.Wait()
	slog.Info("relay: hls stopped", "id", h.id)
	return err
}
