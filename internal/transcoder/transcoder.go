// Package transcoder supervises ffmpeg remuxer subprocesses that repackage
// non-HLS inputs (DASH manifests, bare MP4s) into local sliding-window HLS.
// Stream copy only; codec-incompatible inputs are out of scope.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/metrics"
)

const (
	// Sliding-window HLS output: 4s segments, 5 in the playlist, old ones
	// deleted by ffmpeg.
	segmentSeconds = 4
	listSize       = 5

	stopGrace = 2 * time.Second
)

// ManifestName is the playlist filename inside each stream directory.
const ManifestName = "index.m3u8"

type job struct {
	cmd        *exec.Cmd
	lastAccess time.Time
	done       chan struct{} // closed when the process has been reaped
}

// Manager tracks one remuxer per stream id. Start/Stop are safe against
// concurrent calls for the same stream: one process is spawned and all
// callers see the same playlist.
type Manager struct {
	FFmpegPath string
	Dir        string // root output directory

	mu     sync.Mutex
	jobs   map[string]*job
	logger zerolog.Logger
}

// New creates a Manager rooted at dir and sweeps orphan directories left by
// a previous run.
func New(ffmpegPath, dir string) *Manager {
	m := &Manager{
		FFmpegPath: ffmpegPath,
		Dir:        dir,
		jobs:       map[string]*job{},
		logger:     log.WithComponent("transcoder"),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Error().Err(err).Str("dir", dir).Msg("create transcode root")
	}
	m.sweepOrphans()
	return m
}

// StreamDir returns the per-stream output directory.
func (m *Manager) StreamDir(streamID string) string {
	return filepath.Join(m.Dir, sanitizeID(streamID))
}

// ManifestPath returns the playlist path for a stream (whether or not it
// exists yet).
func (m *Manager) ManifestPath(streamID string) string {
	return filepath.Join(m.StreamDir(streamID), ManifestName)
}

// IsReady reports whether the playlist has been produced.
func (m *Manager) IsReady(streamID string) bool {
	m.touch(streamID)
	_, err := os.Stat(m.ManifestPath(streamID))
	return err == nil
}

func (m *Manager) touch(streamID string) {
	m.mu.Lock()
	if j, ok := m.jobs[streamID]; ok {
		j.lastAccess = time.Now()
	}
	m.mu.Unlock()
}

// StartTranscode launches a remuxer for the stream, or refreshes the access
// time when one is already running. The output directory is wiped before a
// new spawn.
func (m *Manager) StartTranscode(streamID, inputURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[streamID]; ok {
		if alive(j) {
			j.lastAccess = time.Now()
			return nil
		}
		// Process died; clear the stale entry before respawning.
		m.removeLocked(streamID)
	}

	dir := m.StreamDir(streamID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("transcoder: clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("transcoder: create %s: %w", dir, err)
	}

	args := []string{
		"-i", inputURL,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", fmt.Sprint(segmentSeconds),
		"-hls_list_size", fmt.Sprint(listSize),
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		filepath.Join(dir, ManifestName),
	}
	cmd := exec.Command(m.FFmpegPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transcoder: start ffmpeg: %w", err)
	}
	j := &job{cmd: cmd, lastAccess: time.Now(), done: make(chan struct{})}
	m.jobs[streamID] = j
	metrics.ActiveTranscoders.Inc()
	m.logger.Info().Str("stream", streamID).Int("pid", cmd.Process.Pid).Msg("remuxer started")

	go func() {
		err := cmd.Wait()
		close(j.done)
		if err != nil {
			m.logger.Warn().Err(err).Str("stream", streamID).Msg("remuxer exited")
		}
	}()
	return nil
}

// StopTranscode terminates the remuxer (os.Interrupt, 2s grace, then kill)
// and removes its output directory.
func (m *Manager) StopTranscode(streamID string) {
	m.mu.Lock()
	j, ok := m.jobs[streamID]
	if ok {
		m.removeLocked(streamID)
	}
	m.mu.Unlock()

	if ok {
		m.terminate(streamID, j)
	}
	if err := os.RemoveAll(m.StreamDir(streamID)); err != nil {
		m.logger.Error().Err(err).Str("stream", streamID).Msg("cleanup failed")
	}
}

// StopAll terminates every tracked remuxer; used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopTranscode(id)
	}
}

// removeLocked detaches a job from tracking. Callers hold m.mu.
func (m *Manager) removeLocked(streamID string) {
	delete(m.jobs, streamID)
	metrics.ActiveTranscoders.Dec()
}

func (m *Manager) terminate(streamID string, j *job) {
	if alive(j) {
		_ = j.cmd.Process.Signal(os.Interrupt)
		select {
		case <-j.done:
		case <-time.After(stopGrace):
			_ = j.cmd.Process.Kill()
			<-j.done
		}
	}
	m.logger.Info().Str("stream", streamID).Msg("remuxer stopped")
}

// CleanupStale stops remuxers idle longer than maxAge and removes on-disk
// directories with no tracked process.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for id, j := range m.jobs {
		if j.lastAccess.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, id := range stale {
		m.logger.Info().Str("stream", id).Msg("stale remuxer reaped")
		m.StopTranscode(id)
		cleaned++
	}
	cleaned += m.sweepOrphans()
	return cleaned
}

// RunJanitor periodically reaps stale remuxers until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupStale(maxAge)
		}
	}
}

// sweepOrphans removes output directories with no tracked job (e.g. after a
// crash). Returns the number removed.
func (m *Manager) sweepOrphans() int {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	tracked := make(map[string]bool, len(m.jobs))
	for id := range m.jobs {
		tracked[sanitizeID(id)] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || tracked[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.Dir, e.Name())); err != nil {
			m.logger.Error().Err(err).Str("dir", e.Name()).Msg("orphan sweep failed")
			continue
		}
		m.logger.Info().Str("dir", e.Name()).Msg("orphan transcode dir removed")
		removed++
	}
	return removed
}

func alive(j *job) bool {
	select {
	case <-j.done:
		return false
	default:
		return j.cmd.Process != nil
	}
}

// sanitizeID keeps stream ids path-safe. Ids are hex digests in practice;
// anything else is flattened.
func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
