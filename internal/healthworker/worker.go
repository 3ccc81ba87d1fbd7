// Package healthworker runs the background stream liveness prober: batches
// of due streams probed under a concurrency gate, adaptive recheck windows,
// and a warm-start snapshot written after the first full pass and on shutdown.
package healthworker

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tvgate/tvgate/internal/httpclient"
	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/metrics"
	"github.com/tvgate/tvgate/internal/store"
)

const snapshotFilename = "health_snapshot.json"

// Config controls the worker. Zero values take the defaults listed.
type Config struct {
	BatchSize    int           // streams per batch (30)
	BatchDelay   time.Duration // pause between batches (5s)
	ProbeTimeout time.Duration // per-probe budget (8s)
	Concurrency  int64         // parallel probes per batch (10)
	IdleDelay    time.Duration // pause when nothing is due (60s)
	ErrorBackoff time.Duration // pause after a loop error (30s)
	StartDelay   time.Duration // head start for catalog sync (10s)
	RecheckFloor time.Duration // minimum age before re-probing (10m)
	DataDir      string        // snapshot directory
	HTTPClient   *http.Client  // nil = insecure client with ProbeTimeout
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 8 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 60 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 30 * time.Second
	}
	if c.StartDelay <= 0 {
		c.StartDelay = 10 * time.Second
	}
	if c.RecheckFloor <= 0 {
		c.RecheckFloor = 10 * time.Minute
	}
}

// Stats is the worker's observable state.
type Stats struct {
	Running          bool    `json:"running"`
	TotalTested      int     `json:"total_tested"`
	Working          int     `json:"working"`
	Failed           int     `json:"failed"`
	StartedAt        string  `json:"started_at,omitempty"`
	LastFullPass     string  `json:"last_full_pass,omitempty"`
	SnapshotLoaded   bool    `json:"snapshot_loaded"`
	FullPassComplete bool    `json:"full_pass_complete"`
	UptimeSeconds    float64 `json:"uptime"`
}

// Worker owns the probe loop. Start once; Stop cancels in-flight probes and
// writes the snapshot.
type Worker struct {
	cfg    Config
	store  *store.Store
	client *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	stats     Stats
	startedAt time.Time
}

// New creates a Worker; call Start to begin probing.
func New(cfg Config, st *store.Store) *Worker {
	cfg.setDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.Insecure(cfg.ProbeTimeout)
	}
	return &Worker{
		cfg:    cfg,
		store:  st,
		client: client,
		logger: log.WithComponent("healthworker"),
	}
}

// Start loads the warm-start snapshot and launches the probe loop. A second
// Start while running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.logger.Warn().Msg("already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.startedAt = time.Now()
	w.stats = Stats{Running: true, StartedAt: w.startedAt.UTC().Format(time.RFC3339)}
	w.mu.Unlock()

	w.loadSnapshot(runCtx)

	go w.loop(runCtx)
	w.logger.Info().Int("batch", w.cfg.BatchSize).Dur("probe_timeout", w.cfg.ProbeTimeout).
		Int64("concurrency", w.cfg.Concurrency).Msg("started")
}

// Stop cancels the loop, waits for in-flight probes, and saves the snapshot.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.stats.Running = false
	w.mu.Unlock()

	cancel()
	<-done
	// The loop's context is gone; snapshot with a fresh short deadline.
	ctx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSave()
	w.saveSnapshot(ctx)
	w.logger.Info().Msg("stopped (snapshot saved)")
}

// GetStats returns a copy of the worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	if w.running {
		s.UptimeSeconds = time.Since(w.startedAt).Seconds()
	}
	return s
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	// Give catalog sync a head start on a cold database.
	if w.cfg.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.StartDelay):
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.processBatch(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("batch failed; backing off")
			if !sleep(ctx, w.cfg.ErrorBackoff) {
				return
			}
		case !processed:
			w.markFullPass(ctx)
			if !sleep(ctx, w.cfg.IdleDelay) {
				return
			}
		default:
			if !sleep(ctx, w.cfg.BatchDelay) {
				return
			}
		}
	}
}

// processBatch probes one batch of due streams. Returns false when nothing
// was due.
func (w *Worker) processBatch(ctx context.Context) (bool, error) {
	streams, err := w.store.GetUncheckedStreams(ctx, w.cfg.BatchSize, w.cfg.RecheckFloor)
	if err != nil {
		return false, err
	}
	if len(streams) == 0 {
		return false, nil
	}

	results := make([]Result, len(streams))
	sem := semaphore.NewWeighted(w.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range streams {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
			defer cancel()
			results[i] = probe(probeCtx, w.client, streams[i])
		}(i)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return true, ctx.Err()
	}

	working := 0
	now := time.Now().UTC()
	for i, st := range streams {
		r := results[i]
		if r.Status == "" {
			continue // probe never ran (cancelled during acquire)
		}
		due := nextCheckDue(now, r)
		if err := w.store.UpdateStreamHealth(ctx, st.ID, r.Status, r.ResponseMS, r.Error, &due); err != nil {
			return true, err
		}
		metrics.ProbeResults.WithLabelValues(r.Status).Inc()

		w.mu.Lock()
		w.stats.TotalTested++
		switch r.Status {
		case store.HealthWorking:
			w.stats.Working++
			working++
		case store.HealthFailed:
			w.stats.Failed++
		}
		w.mu.Unlock()
	}
	w.logger.Info().Int("working", working).Int("batch", len(streams)).Msg("batch complete")
	return true, nil
}

// markFullPass records the first drained queue and snapshots once.
func (w *Worker) markFullPass(ctx context.Context) {
	w.mu.Lock()
	first := !w.stats.FullPassComplete
	w.stats.FullPassComplete = true
	w.stats.LastFullPass = time.Now().UTC().Format(time.RFC3339)
	w.mu.Unlock()
	if first {
		w.logger.Info().Msg("full pass complete; saving snapshot")
		w.saveSnapshot(ctx)
	}
}

// snapshot is the warm-start file layout.
type snapshot struct {
	Timestamp string           `json:"timestamp"`
	Stats     Stats            `json:"stats"`
	Summary   map[string]int   `json:"health_summary"`
	Streams   []snapshotStream `json:"streams"`
}

type snapshotStream struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id,omitempty"`
	Status     string `json:"health_status"`
	ResponseMS *int64 `json:"health_response_ms,omitempty"`
}

func (w *Worker) snapshotPath() string {
	return filepath.Join(w.cfg.DataDir, snapshotFilename)
}

func (w *Worker) saveSnapshot(ctx context.Context) {
	summary, err := w.store.GetHealthStats(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("snapshot: health stats")
		return
	}
	streams, err := w.store.GetStreamsByHealth(ctx, "")
	if err != nil {
		w.logger.Error().Err(err).Msg("snapshot: streams")
		return
	}

	snap := snapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Stats:     w.GetStats(),
		Summary:   summary,
		Streams:   []snapshotStream{},
	}
	for _, st := range streams {
		if st.HealthStatus == "" || st.HealthStatus == store.HealthUnknown {
			continue
		}
		snap.Streams = append(snap.Streams, snapshotStream{
			ID:         st.ID,
			ChannelID:  st.ChannelID,
			Status:     st.HealthStatus,
			ResponseMS: st.HealthResponseMS,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		w.logger.Error().Err(err).Msg("snapshot: marshal")
		return
	}
	if err := renameio.WriteFile(w.snapshotPath(), data, 0o644); err != nil {
		w.logger.Error().Err(err).Msg("snapshot: write")
		return
	}
	w.logger.Info().Int("streams", len(snap.Streams)).Str("path", w.snapshotPath()).Msg("snapshot saved")
}

// loadSnapshot primes health columns from a previous run. The snapshot is
// only a warm-start: the store wins again after the first real probe.
func (w *Worker) loadSnapshot(ctx context.Context) {
	data, err := os.ReadFile(w.snapshotPath())
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn().Err(err).Msg("snapshot unreadable")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		w.logger.Warn().Err(err).Msg("snapshot corrupt; ignoring")
		return
	}
	loaded := 0
	for _, st := range snap.Streams {
		if err := w.store.UpdateStreamHealth(ctx, st.ID, st.Status, st.ResponseMS, "", nil); err != nil {
			w.logger.Warn().Err(err).Str("stream", st.ID).Msg("snapshot entry skipped")
			continue
		}
		loaded++
	}
	w.mu.Lock()
	w.stats.SnapshotLoaded = true
	w.mu.Unlock()
	w.logger.Info().Int("streams", loaded).Str("from", snap.Timestamp).Msg("snapshot loaded")
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
