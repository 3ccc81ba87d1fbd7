package healthworker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tvgate/tvgate/internal/metrics"
	"github.com/tvgate/tvgate/internal/safeurl"
	"github.com/tvgate/tvgate/internal/store"
)

// defaultUserAgent is used when a stream has no recorded user agent.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Result is one probe outcome.
type Result struct {
	Status     string
	ResponseMS *int64
	Error      string
}

// probe sends a HEAD (falling back to a one-byte ranged GET on 405) with the
// stream's recorded headers, following redirects with TLS verification off.
func probe(ctx context.Context, client *http.Client, st store.Stream) Result {
	if !safeurl.IsHTTPOrHTTPS(st.URL) {
		return Result{Status: store.HealthFailed, Error: "unsupported URL scheme"}
	}
	start := time.Now()

	headers := http.Header{}
	ua := st.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	headers.Set("User-Agent", ua)
	if st.Referrer != "" {
		headers.Set("Referer", st.Referrer)
	}

	resp, err := send(ctx, client, http.MethodHead, st.URL, headers)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		ranged := headers.Clone()
		ranged.Set("Range", "bytes=0-0")
		resp, err = send(ctx, client, http.MethodGet, st.URL, ranged)
	}
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	metrics.ProbeDuration.Observe(elapsed.Seconds())
	ms := elapsed.Milliseconds()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return Result{Status: store.HealthWorking, ResponseMS: &ms}
	case resp.StatusCode == http.StatusForbidden:
		// Server is alive; likely refusing on geography.
		return Result{Status: store.HealthWarning, ResponseMS: &ms, Error: "403 Forbidden (possible geo-block)"}
	case resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return Result{Status: store.HealthWarning, ResponseMS: &ms, Error: "451 Unavailable For Legal Reasons (geo-block)"}
	case resp.StatusCode == http.StatusNotFound:
		return Result{Status: store.HealthFailed, Error: "404 Not Found"}
	default:
		return Result{Status: store.HealthFailed, Error: "HTTP " + strconv.Itoa(resp.StatusCode)}
	}
}

func send(ctx context.Context, client *http.Client, method, url string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	return client.Do(req)
}

func classifyError(err error) Result {
	switch {
	case isTimeout(err):
		return Result{Status: store.HealthFailed, Error: "Timeout"}
	case errors.Is(err, syscall.ECONNREFUSED):
		return Result{Status: store.HealthFailed, Error: "Connection refused"}
	default:
		msg := err.Error()
		if len(msg) > 100 {
			msg = msg[:100]
		}
		return Result{Status: store.HealthFailed, Error: msg}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

// nextCheckDue schedules the adaptive recheck window for a probe result.
func nextCheckDue(now time.Time, r Result) time.Time {
	switch {
	case r.Status == store.HealthWorking:
		return now.Add(6 * time.Hour)
	case r.Status == store.HealthWarning:
		// Geo-blocks don't clear quickly.
		return now.Add(7 * 24 * time.Hour)
	case strings.Contains(r.Error, "404") || strings.Contains(r.Error, "Not Found"):
		return now.Add(7 * 24 * time.Hour)
	case strings.Contains(r.Error, "Timeout"):
		return now.Add(1 * time.Hour)
	case strings.Contains(r.Error, "Connection refused"):
		return now.Add(24 * time.Hour)
	default:
		return now.Add(1 * time.Hour)
	}
}
