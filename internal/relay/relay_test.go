package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/micro-nova/planetradio-go/internal/models"
	"github.com/micro-nova/planetradio-go/internal/upstream"
	"github.com/micro-nova/planetradio-go/internal/urlsign"
)

func testDeps() Deps {
	return Deps{
		Client:            upstream.New(upstream.WithRate(0, 0)),
		Signer:            urlsign.Signer{UserID: "u42", Region: "GB"},
		Station:           models.StationInfo{Code: "pln", Name: "Planet Rock"},
		SegmentRetryDelay: 10 * time.Millisecond,
		RefreshRetryDelay: 10 * time.Millisecond,
		RefreshInterval:   10 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

// playerClient is a fresh client per test so idle connections can be closed.
func playerClient(t *testing.T) *http.Client {
	t.Helper()
	c := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	t.Cleanup(c.CloseIdleConnections)
	return c
}

// readUntil reads from r until the accumulated data contains want.
func readUntil(t *testing.T, r io.Reader, want string, timeout time.Duration) string {
	t.Helper()
	type result struct {
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), want) || err != nil {
				done <- result{sb.String(), err}
				return
			}
		}
	}()
	select {
	case res := <-done:
		if !strings.Contains(res.data, want) {
			t.Fatalf("stream ended (%v) before %q; got %q", res.err, want, res.data)
		}
		return res.data
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %q", want)
	}
	return ""
}

func TestClassify(t *testing.T) {
	tests := []struct {
		url     string
		want    models.StreamKind
		wantErr bool
	}{
		{"https://stream.example.com/pln/aac/hq.aac?listenerid=1", models.StreamDirect, false},
		{"https://stream.example.com/pln/playlist.m3u8?listenerid=1", models.StreamHLS, false},
		{"https://stream.example.com/pln/PLAYLIST.M3U8", models.StreamHLS, false},
		{"https://stream.example.com/m3u8/stream.aac", models.StreamDirect, false},
		{"https://stream.example.com/a.aac?next=b.m3u8", models.StreamDirect, false},
		{"ftp://stream.example.com/a.m3u8", 0, true},
		{"://bad", 0, true},
	}
	for _, tt := range tests {
		desc, err := Classify(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("Classify(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if err == nil && desc.Kind != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.url, desc.Kind, tt.want)
		}
		if err == nil && desc.BaseURL != tt.url {
			t.Errorf("Classify(%q) BaseURL = %q", tt.url, desc.BaseURL)
		}
	}
}

func TestNew_Dispatch(t *testing.T) {
	for _, tt := range []struct {
		url  string
		kind models.StreamKind
	}{
		{"https://stream.example.com/pln/hq.aac", models.StreamDirect},
		{"https://stream.example.com/pln/live.m3u8", models.StreamHLS},
	} {
		desc, err := Classify(tt.url)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		r, err := New(desc, testDeps())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		switch r.(type) {
		case *DirectRelay:
			if tt.kind != models.StreamDirect {
				t.Errorf("%s dispatched to DirectRelay", tt.url)
			}
		case *HLSRelay:
			if tt.kind != models.StreamHLS {
				t.Errorf("%s dispatched to HLSRelay", tt.url)
			}
		default:
			t.Errorf("unexpected relay type %T", r)
		}
		if r.Kind() != tt.kind || r.State() != StateIdle || r.ID() == "" {
			t.Errorf("relay kind=%v state=%v id=%q", r.Kind(), r.State(), r.ID())
		}
	}

	if _, err := New(models.StreamDescriptor{BaseURL: "x", Kind: models.StreamKind(9)}, testDeps()); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{StateIdle: "idle", StateStarting: "starting", StateStreaming: "streaming", StateStopped: "stopped", State(42): "unknown"}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), w)
		}
	}
}

// aacUpstream serves an endless chunked body and counts opens.
type aacUpstream struct {
	mu     sync.Mutex
	opens  int
	cookie string
}

func (a *aacUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.opens++
	n := a.opens
	a.mu.Unlock()
	if r.URL.Query().Get("listenerid") != "u42" {
		http.Error(w, "unsigned", http.StatusForbidden)
		return
	}
	if a.cookie != "" {
		http.SetCookie(w, &http.Cookie{Name: pushCookieName, Value: a.cookie})
	}
	w.Header().Set("Content-Type", "audio/aac")
	flusher := w.(http.Flusher)
	for i := 0; ; i++ {
		if _, err := fmt.Fprintf(w, "aac%d-%d;", n, i); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func signedURL(t *testing.T, raw string) string {
	t.Helper()
	s, err := urlsign.Sign(raw, "u42", time.Now(), urlsign.Options{Region: "GB"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return s
}

func TestDirectRelay_Streams(t *testing.T) {
	up := &aacUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	r, err := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/pln/hq.aac"), Kind: models.StreamDirect}, testDeps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()
	if !strings.HasPrefix(local, "http://127.0.0.1:") || !strings.HasSuffix(local, "/stream") {
		t.Errorf("local url = %q", local)
	}

	resp, err := playerClient(t).Get(local)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "audio/aac" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("Cache-Control = %q", cc)
	}
	if len(resp.TransferEncoding) == 0 || resp.TransferEncoding[0] != "chunked" {
		t.Errorf("TransferEncoding = %v, want chunked", resp.TransferEncoding)
	}
	readUntil(t, resp.Body, "aac1-3;", 2*time.Second)
	if r.State() != StateStreaming {
		t.Errorf("state = %v, want streaming", r.State())
	}
}

func TestDirectRelay_Reconnect(t *testing.T) {
	up := &aacUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	r, _ := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/hq.aac"), Kind: models.StreamDirect}, testDeps())
	local, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	client := playerClient(t)
	first, err := client.Get(local)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readUntil(t, first.Body, "aac1-1;", 2*time.Second)

	// A reconnecting player supersedes the first pump and gets a fresh upstream.
	second, err := client.Get(local)
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	defer second.Body.Close()
	readUntil(t, second.Body, "aac2-1;", 2*time.Second)

	if _, err := io.ReadAll(first.Body); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Logf("first body ended with %v", err)
	}
	first.Body.Close()
}

func TestRelay_NotFoundRoutes(t *testing.T) {
	up := &aacUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	r, _ := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/hq.aac"), Kind: models.StreamDirect}, testDeps())
	local, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	base := strings.TrimSuffix(local, "/stream")
	client := playerClient(t)
	for _, path := range []string{"/", "/other", "/stream/x", "/metrics"} {
		resp, err := client.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	resp, err := client.Post(local, "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /stream = %d, want 404", resp.StatusCode)
	}
}

func TestRelay_StartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	for _, raw := range []string{srv.URL + "/hq.aac", srv.URL + "/live.m3u8"} {
		desc, _ := Classify(signedURL(t, raw))
		r, err := New(desc, testDeps())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		_, err = r.Start(context.Background())
		var startErr *models.RelayStartError
		if !errors.As(err, &startErr) {
			t.Fatalf("%s: err = %v, want RelayStartError", raw, err)
		}
		var statusErr *upstream.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusGone {
			t.Errorf("%s: err = %v, want wrapped 410", raw, err)
		}
		if strings.Contains(startErr.URL, "listenerid") {
			t.Errorf("error URL leaks query: %s", startErr.URL)
		}
		if r.State() != StateStopped {
			t.Errorf("state after failed start = %v", r.State())
		}
		if err := r.Stop(); err != nil {
			t.Errorf("Stop after failed start: %v", err)
		}
	}
}

func TestRelay_StartTwice(t *testing.T) {
	up := &aacUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	r, _ := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/hq.aac"), Kind: models.StreamDirect}, testDeps())
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()
	if _, err := r.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRelay_StopIdempotentAndReleasesPort(t *testing.T) {
	up := &aacUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	r, _ := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/hq.aac"), Kind: models.StreamDirect}, testDeps())
	local, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if r.State() != StateStopped {
		t.Errorf("state = %v", r.State())
	}

	// The exact port must be free again.
	addr := strings.TrimSuffix(strings.TrimPrefix(local, "http://"), "/stream")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("port still bound after Stop: %v", err)
	}
	ln.Close()

	// And a new relay binds without trouble.
	r2, _ := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/hq.aac"), Kind: models.StreamDirect}, testDeps())
	if _, err := r2.Start(context.Background()); err != nil {
		t.Fatalf("new relay Start: %v", err)
	}
	if err := r2.Stop(); err != nil {
		t.Fatalf("new relay Stop: %v", err)
	}
}

func TestRelay_StopBeforeStart(t *testing.T) {
	r, _ := New(models.StreamDescriptor{BaseURL: "https://example.com/a.aac", Kind: models.StreamDirect}, testDeps())
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := r.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestDirectRelay_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	up := &aacUpstream{cookie: "sess-1"}
	mux := http.NewServeMux()
	mux.Handle("/hq.aac", up)
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)

	deps := testDeps()
	deps.MetadataPushURL = srv.URL + "/events"
	r, _ := New(models.StreamDescriptor{BaseURL: signedURL(t, srv.URL+"/hq.aac"), Kind: models.StreamDirect}, deps)
	local, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(local)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readUntil(t, resp.Body, "aac1-2;", 2*time.Second)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	resp.Body.Close()
	client.CloseIdleConnections()
	srv.CloseClientConnections()
	srv.Close()
}
