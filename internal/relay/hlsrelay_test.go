package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// hlsUpstream serves a master playlist, a live media window and segments.
type hlsUpstream struct {
	mu          sync.Mutex
	window      []int
	failSegs    map[int]bool
	stallSegs   map[int]bool // send the segment, then hang until the client leaves
	segSeconds  float64
	failRefresh int // number of upcoming media playlist requests to fail
	mediaGets   int
	segGets     map[int]int
}

func newHLSUpstream(window ...int) *hlsUpstream {
	return &hlsUpstream{
		window:     window,
		failSegs:   map[int]bool{},
		stallSegs:  map[int]bool{},
		segSeconds: 10,
		segGets:    map[int]int{},
	}
}

func (u *hlsUpstream) setWindow(ids ...int) {
	u.mu.Lock()
	u.window = ids
	u.mu.Unlock()
}

func (u *hlsUpstream) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=48000\nlo/chunklist.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=128000\nhi/playlist.m3u8\n")
	})
	mux.HandleFunc("/hi/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("listenerid") != "u42" {
			t.Errorf("media playlist requested unsigned: %s", r.URL)
		}
		u.mu.Lock()
		u.mediaGets++
		if u.failRefresh > 0 && u.mediaGets > 1 {
			u.failRefresh--
			u.mu.Unlock()
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		window := append([]int(nil), u.window...)
		secs := u.segSeconds
		u.mu.Unlock()

		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
		for _, id := range window {
			fmt.Fprintf(&b, "#EXTINF:%.1f,url=\"http://%s/eventdata/%d\"\nseg_%05d.aac\n", secs, r.Host, id/2, id)
		}
		w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/hi/", func(w http.ResponseWriter, r *http.Request) {
		var id int
		if _, err := fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/hi/"), "seg_%05d.aac", &id); err != nil {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("listenerid") != "u42" {
			t.Errorf("segment requested unsigned: %s", r.URL)
		}
		u.mu.Lock()
		u.segGets[id]++
		fail := u.failSegs[id]
		stall := u.stallSegs[id]
		u.mu.Unlock()
		if fail {
			http.Error(w, "lost", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "[%d]", id)
		if stall {
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	})
	mux.HandleFunc("/eventdata/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/eventdata/")
		fmt.Fprintf(w, `{"eventSongTitle":"Song %s","eventSongArtist":"Band"}`, id)
	})
	mux.HandleFunc("/nowplaying/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stationOnAir":{"episodeTitle":"Breakfast","episodeDescription":"with Wes"}}`))
	})
	return mux
}

func startHLS(t *testing.T, srv *httptest.Server, deps Deps, path string) *HLSRelay {
	t.Helper()
	desc, err := Classify(signedURL(t, srv.URL+path))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	r, err := New(desc, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Stop() })
	return r.(*HLSRelay)
}

func TestSegmentQueue_OnlyNewerSequences(t *testing.T) {
	seg := func(ids ...int64) []models.Segment {
		out := make([]models.Segment, len(ids))
		for i, id := range ids {
			out[i] = models.Segment{SequenceID: id, URL: fmt.Sprintf("seg_%d.aac", id)}
		}
		return out
	}
	ids := func(segs []models.Segment) []int64 {
		var out []int64
		for _, s := range segs {
			out = append(out, s.SequenceID)
		}
		return out
	}

	var q segmentQueue
	if got := ids(q.offer(seg(3, 4, 5))); !cmp.Equal(got, []int64{3, 4, 5}) {
		t.Fatalf("initial offer = %v", got)
	}
	for i := 0; i < 3; i++ {
		s, _ := q.pop()
		q.markStreamed(s.SequenceID)
	}

	if got := ids(q.offer(seg(3, 4, 5, 6, 7))); !cmp.Equal(got, []int64{6, 7}) {
		t.Errorf("refresh offer = %v, want [6 7]", got)
	}
	// Same window again while 6 and 7 are still pending: nothing new.
	if got := q.offer(seg(3, 4, 5, 6, 7)); len(got) != 0 {
		t.Errorf("repeat offer = %v, want none", ids(got))
	}
	// Rotated window.
	if got := ids(q.offer(seg(6, 7, 8, 9))); !cmp.Equal(got, []int64{8, 9}) {
		t.Errorf("rotated offer = %v, want [8 9]", got)
	}
	// Out-of-order or stale ids are never accepted.
	if got := q.offer(seg(2, 9, 1)); len(got) != 0 {
		t.Errorf("stale offer = %v, want none", ids(got))
	}
	if q.len() != 4 {
		t.Errorf("pending = %d, want 4", q.len())
	}
}

func TestSegmentQueue_ManyCycles(t *testing.T) {
	var q segmentQueue
	var last int64 = -1
	for start := int64(0); start < 50; start += 3 {
		window := make([]models.Segment, 0, 6)
		for id := start; id < start+6; id++ {
			window = append(window, models.Segment{SequenceID: id})
		}
		for _, s := range q.offer(window) {
			if s.SequenceID <= last {
				t.Fatalf("re-enqueued %d after %d", s.SequenceID, last)
			}
			last = s.SequenceID
		}
		for {
			if _, ok := q.pop(); !ok {
				break
			}
		}
	}
}

func TestHLSRelay_StreamsWithoutRepeats(t *testing.T) {
	up := newHLSUpstream(3, 4, 5)
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	r := startHLS(t, srv, testDeps(), "/master.m3u8")
	if got := r.mediaURL; !strings.HasSuffix(got, "/hi/playlist.m3u8") {
		t.Errorf("media url = %q, want canonical variant", got)
	}

	resp, err := playerClient(t).Get(r.LocalURL())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "audio/aac" {
		t.Errorf("Content-Type = %q", ct)
	}

	first := readUntil(t, resp.Body, "[5]", 2*time.Second)
	up.setWindow(3, 4, 5, 6, 7)
	rest := readUntil(t, resp.Body, "[7]", 2*time.Second)

	if got := first + rest; got != "[3][4][5][6][7]" {
		t.Errorf("stream = %q, want each segment exactly once in order", got)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	for id, n := range up.segGets {
		if n != 1 {
			t.Errorf("segment %d fetched %d times", id, n)
		}
	}
}

func TestHLSRelay_SkipsFailedSegment(t *testing.T) {
	up := newHLSUpstream(1, 2, 3)
	up.failSegs[2] = true
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	r := startHLS(t, srv, testDeps(), "/hi/playlist.m3u8")
	resp, err := playerClient(t).Get(r.LocalURL())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if got := readUntil(t, resp.Body, "[3]", 2*time.Second); got != "[1][3]" {
		t.Errorf("stream = %q, want the failed segment skipped", got)
	}
}

func TestHLSRelay_SkipsStalledSegment(t *testing.T) {
	up := newHLSUpstream(1, 2, 3)
	up.segSeconds = 0.1
	up.stallSegs[2] = true
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	deps := testDeps()
	deps.SegmentTimeout = 200 * time.Millisecond
	r := startHLS(t, srv, deps, "/hi/playlist.m3u8")
	resp, err := playerClient(t).Get(r.LocalURL())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if got := readUntil(t, resp.Body, "[3]", 3*time.Second); got != "[1][2][3]" {
		t.Errorf("stream = %q, want the stalled segment cut off and the next one streamed", got)
	}
}

func TestSegmentDeadline(t *testing.T) {
	tests := []struct {
		dur  time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{100 * time.Millisecond, time.Second},
		{10 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := segmentDeadline(models.Segment{Duration: tt.dur}, time.Second); got != tt.want {
			t.Errorf("segmentDeadline(%v) = %v, want %v", tt.dur, got, tt.want)
		}
	}
}

func TestHLSRelay_RetriesRefresh(t *testing.T) {
	up := newHLSUpstream(1)
	up.failRefresh = 2
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	r := startHLS(t, srv, testDeps(), "/hi/playlist.m3u8")
	resp, err := playerClient(t).Get(r.LocalURL())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	readUntil(t, resp.Body, "[1]", 2*time.Second)
	up.setWindow(1, 2)
	readUntil(t, resp.Body, "[2]", 2*time.Second)

	up.mu.Lock()
	defer up.mu.Unlock()
	if up.mediaGets < 4 {
		t.Errorf("media playlist fetched %d times, want retries after failures", up.mediaGets)
	}
}

func TestHLSRelay_VariantFallback(t *testing.T) {
	up := newHLSUpstream(1)
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	deps := testDeps()
	deps.MediaPlaylistName = "does-not-exist.m3u8"
	desc, _ := Classify(signedURL(t, srv.URL+"/master.m3u8"))
	r, _ := New(desc, deps)
	_, err := r.Start(context.Background())
	// The first variant (lo/chunklist.m3u8) is not served, so start fails
	// after falling back to it.
	if err == nil {
		r.Stop()
		t.Fatal("Start should fail when the fallback variant is missing")
	}
	if !strings.Contains(err.Error(), "media playlist") {
		t.Errorf("err = %v, want media playlist fetch failure", err)
	}
}

func TestHLSRelay_Metadata(t *testing.T) {
	// Segment ids map to event id/2, so 2 and 3 share event 1 and 4 is event 2.
	up := newHLSUpstream(2, 3)
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	var mu sync.Mutex
	var got []models.NowPlaying
	applied := func() []models.NowPlaying {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.NowPlaying(nil), got...)
	}
	deps := testDeps()
	deps.Metadata = NewMetadataFetcher(testDeps().Client, srv.URL)
	deps.MetadataDelay = time.Hour
	deps.OnMetadata = func(np models.NowPlaying) {
		mu.Lock()
		got = append(got, np)
		mu.Unlock()
	}

	r := startHLS(t, srv, deps, "/hi/playlist.m3u8")
	resp, err := playerClient(t).Get(r.LocalURL())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	readUntil(t, resp.Body, "[3]", 2*time.Second)

	waitFor(t, func() bool { return len(applied()) == 1 })
	first := applied()[0]
	if first.Title != "Song 1" || first.Artist != "Band" || first.Station != "Planet Rock" {
		t.Errorf("now playing = %+v", first)
	}

	// The next distinct event is debounced behind the hour-long delay.
	up.setWindow(2, 3, 4)
	readUntil(t, resp.Body, "[4]", 2*time.Second)
	waitFor(t, r.debounce.Pending)
	if n := len(applied()); n != 1 {
		t.Errorf("applied %d updates, want the second still pending", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHLSRelay_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	up := newHLSUpstream(1, 2)
	srv := httptest.NewServer(up.handler(t))

	deps := testDeps()
	deps.Metadata = NewMetadataFetcher(deps.Client, srv.URL)
	deps.MetadataDelay = time.Hour
	desc, _ := Classify(signedURL(t, srv.URL+"/hi/playlist.m3u8"))
	r, _ := New(desc, deps)
	local, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(local)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readUntil(t, resp.Body, "[2]", 2*time.Second)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	resp.Body.Close()
	client.CloseIdleConnections()
	srv.CloseClientConnections()
	srv.Close()
}
