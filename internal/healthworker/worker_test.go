package healthworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tvgate/tvgate/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProbeClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/head-blocked":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if r.Header.Get("Range") != "bytes=0-0" {
				t.Errorf("fallback GET missing range header")
			}
			w.WriteHeader(http.StatusPartialContent)
		case "/geo":
			w.WriteHeader(http.StatusForbidden)
		case "/legal":
			w.WriteHeader(http.StatusUnavailableForLegalReasons)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	cases := []struct {
		path       string
		wantStatus string
		wantError  string
	}{
		{"/ok", store.HealthWorking, ""},
		{"/head-blocked", store.HealthWorking, ""},
		{"/geo", store.HealthWarning, "403 Forbidden (possible geo-block)"},
		{"/legal", store.HealthWarning, "451 Unavailable For Legal Reasons (geo-block)"},
		{"/gone", store.HealthFailed, "404 Not Found"},
		{"/other", store.HealthFailed, "HTTP 502"},
	}
	for _, c := range cases {
		r := probe(context.Background(), srv.Client(), store.Stream{URL: srv.URL + c.path})
		if r.Status != c.wantStatus || r.Error != c.wantError {
			t.Errorf("probe(%s) = (%q, %q), want (%q, %q)", c.path, r.Status, r.Error, c.wantStatus, c.wantError)
		}
		if c.wantStatus == store.HealthWorking && r.ResponseMS == nil {
			t.Errorf("probe(%s) missing response time", c.path)
		}
	}
}

func TestProbeSendsStreamHeaders(t *testing.T) {
	var gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
	}))
	defer srv.Close()

	probe(context.Background(), srv.Client(), store.Stream{
		URL:       srv.URL,
		UserAgent: "Player/2.0",
		Referrer:  "http://portal/",
	})
	if gotUA != "Player/2.0" || gotReferer != "http://portal/" {
		t.Errorf("headers = %q/%q", gotUA, gotReferer)
	}

	probe(context.Background(), srv.Client(), store.Stream{URL: srv.URL})
	if gotUA != defaultUserAgent {
		t.Errorf("default UA = %q", gotUA)
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := probe(ctx, srv.Client(), store.Stream{URL: srv.URL})
	if r.Status != store.HealthFailed || r.Error != "Timeout" {
		t.Errorf("result = %+v, want Timeout failure", r)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	// A closed port: bind then close to find a free one.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := probe(context.Background(), http.DefaultClient, store.Stream{URL: url})
	if r.Status != store.HealthFailed {
		t.Fatalf("status = %q, want failed", r.Status)
	}
	if r.Error != "Connection refused" && !strings.Contains(r.Error, "refused") {
		t.Errorf("error = %q, want connection refused", r.Error)
	}
}

func TestNextCheckDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		result Result
		want   time.Duration
	}{
		{Result{Status: store.HealthWorking}, 6 * time.Hour},
		{Result{Status: store.HealthWarning, Error: "403 Forbidden (possible geo-block)"}, 7 * 24 * time.Hour},
		{Result{Status: store.HealthFailed, Error: "404 Not Found"}, 7 * 24 * time.Hour},
		{Result{Status: store.HealthFailed, Error: "Timeout"}, time.Hour},
		{Result{Status: store.HealthFailed, Error: "Connection refused"}, 24 * time.Hour},
		{Result{Status: store.HealthFailed, Error: "HTTP 502"}, time.Hour},
	}
	for _, c := range cases {
		got := nextCheckDue(now, c.result)
		if got.Sub(now) != c.want {
			t.Errorf("nextCheckDue(%+v) = +%s, want +%s", c.result, got.Sub(now), c.want)
		}
	}
}

func TestProcessBatchUpdatesStore(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := st.UpsertStreams(ctx, []store.Stream{
		{ChannelID: "a", URL: srv.URL + "/good"},
		{ChannelID: "b", URL: srv.URL + "/bad"},
	}); err != nil {
		t.Fatal(err)
	}

	w := New(Config{DataDir: t.TempDir(), HTTPClient: srv.Client()}, st)
	processed, err := w.processBatch(ctx)
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if !processed {
		t.Fatal("nothing processed")
	}

	stats, err := st.GetHealthStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[store.HealthWorking] != 1 || stats[store.HealthFailed] != 1 {
		t.Errorf("health stats = %v", stats)
	}

	// All streams now carry a future next_check_due: the next batch is empty.
	processed, err = w.processBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if processed {
		t.Error("second batch probed streams that were not due")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	dataDir := t.TempDir()

	if err := st.UpsertStreams(ctx, []store.Stream{
		{ChannelID: "a", URL: "http://x/a"},
		{ChannelID: "b", URL: "http://x/b"},
	}); err != nil {
		t.Fatal(err)
	}
	idA := store.StreamID("http://x/a", "a")
	ms := int64(42)
	if err := st.UpdateStreamHealth(ctx, idA, store.HealthWorking, &ms, "", nil); err != nil {
		t.Fatal(err)
	}

	w := New(Config{DataDir: dataDir}, st)
	w.saveSnapshot(ctx)
	if _, err := os.Stat(filepath.Join(dataDir, snapshotFilename)); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	// A fresh database warm-starts from the snapshot; unknown streams are
	// not included.
	st2 := openTestStore(t)
	if err := st2.UpsertStreams(ctx, []store.Stream{
		{ChannelID: "a", URL: "http://x/a"},
		{ChannelID: "b", URL: "http://x/b"},
	}); err != nil {
		t.Fatal(err)
	}
	w2 := New(Config{DataDir: dataDir}, st2)
	w2.loadSnapshot(ctx)

	got, err := st2.GetStreamByID(ctx, idA)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	if got.HealthStatus != store.HealthWorking || got.HealthResponseMS == nil || *got.HealthResponseMS != 42 {
		t.Errorf("warm-started stream = %+v", got)
	}
	other, err := st2.GetStreamByID(ctx, store.StreamID("http://x/b", "b"))
	if err != nil || other == nil {
		t.Fatal(err)
	}
	if other.HealthStatus != store.HealthUnknown {
		t.Errorf("unprobed stream status = %q, want unknown", other.HealthStatus)
	}
}

func TestStartStop(t *testing.T) {
	st := openTestStore(t)
	w := New(Config{DataDir: t.TempDir(), StartDelay: time.Hour}, st)
	w.Start(context.Background())
	if !w.GetStats().Running {
		t.Error("not running after Start")
	}
	w.Stop()
	if w.GetStats().Running {
		t.Error("still running after Stop")
	}
	// Stop twice is safe.
	w.Stop()
}
