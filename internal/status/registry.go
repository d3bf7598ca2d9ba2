// Package status holds process-wide job progress for polling consumers.
// The Registry is an explicit, injectable object with one slot per job
// kind; a single job goroutine writes its slot while any number of HTTP
// handlers read snapshots concurrently. Each update is also mirrored
// atomically to a JSON file in the index directory so status survives a
// process restart.
package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/verdict-systems/kbengine/pkg/types"
)

// Registry is the process-wide job status state.
type Registry struct {
	mu    sync.RWMutex
	dir   string // index directory for mirrored status files; empty disables mirroring
	index types.IndexStatus
	embed types.EmbedStatus
}

// NewRegistry creates a registry mirroring status files into dir. Pass an
// empty dir to keep status in memory only (tests).
func NewRegistry(dir string) *Registry {
	r := &Registry{dir: dir}
	r.index.State = types.JobIdle
	r.index.OK = true
	r.embed.State = types.JobIdle
	r.embed.OK = true
	r.restore()
	return r
}

// restore loads previously mirrored status files, if any, so a restarted
// process reports the last completed job instead of a blank idle state.
func (r *Registry) restore() {
	if r.dir == "" {
		return
	}
	if data, err := os.ReadFile(filepath.Join(r.dir, "status_index.json")); err == nil {
		var st types.IndexStatus
		if json.Unmarshal(data, &st) == nil && st.State != "" {
			if st.State == types.JobRunning {
				// A running state from a dead process is a lie.
				st.State = types.JobError
				st.OK = false
				st.Message = "interrupted by restart"
			}
			r.index = st
		}
	}
	if data, err := os.ReadFile(filepath.Join(r.dir, "status_embed.json")); err == nil {
		var st types.EmbedStatus
		if json.Unmarshal(data, &st) == nil && st.State != "" {
			if st.State == types.JobRunning {
				st.State = types.JobError
				st.OK = false
				st.Message = "interrupted by restart"
			}
			r.embed = st
		}
	}
}

// SetIndex overwrites the index job slot.
func (r *Registry) SetIndex(st types.IndexStatus) {
	st.UpdatedAt = time.Now().UTC()
	r.mu.Lock()
	r.index = st
	r.mu.Unlock()
	r.mirror("status_index.json", st)
}

// SetEmbed overwrites the embed job slot.
func (r *Registry) SetEmbed(st types.EmbedStatus) {
	st.UpdatedAt = time.Now().UTC()
	r.mu.Lock()
	r.embed = st
	r.mu.Unlock()
	r.mirror("status_embed.json", st)
}

// Index returns a snapshot of the index job slot. Slices are copied so the
// caller cannot race the writing job.
func (r *Registry) Index() types.IndexStatus {
	r.mu.RLock()
	st := r.index
	r.mu.RUnlock()
	st.HeavyFiles = append([]types.HeavyFile(nil), st.HeavyFiles...)
	return st
}

// Embed returns a snapshot of the embed job slot.
func (r *Registry) Embed() types.EmbedStatus {
	r.mu.RLock()
	st := r.embed
	r.mu.RUnlock()
	st.TruncExamples = append([]types.TruncExample(nil), st.TruncExamples...)
	st.CtxFallbackEvents = append([]types.FallbackEvent(nil), st.CtxFallbackEvents...)
	return st
}

// mirror writes a status payload via temp file + rename. Mirror failures
// are swallowed: in-memory status remains authoritative.
func (r *Registry) mirror(name string, payload any) {
	if r.dir == "" {
		return
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(r.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// Tracker computes rate and ETA for a running job from monotonic progress.
type Tracker struct {
	started time.Time
	total   int
}

// NewTracker starts progress tracking over total items.
func NewTracker(total int) *Tracker {
	return &Tracker{started: time.Now(), total: total}
}

// Progress returns (ratePerSec, etaSec, elapsedSec) after done items.
func (t *Tracker) Progress(done int) (rate, eta, elapsed float64) {
	elapsed = time.Since(t.started).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	rate = float64(done) / elapsed
	remaining := t.total - done
	if remaining < 0 {
		remaining = 0
	}
	if rate > 0 {
		eta = float64(remaining) / rate
	}
	return rate, eta, elapsed
}

// Started returns the tracker start time.
func (t *Tracker) Started() time.Time { return t.started }
