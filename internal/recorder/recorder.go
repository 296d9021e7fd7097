// Package recorder writes a per-tick JSONL trace for offline debugging of
// what the companion saw and did.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"deskpilot/internal/config"
)

const (
	defaultMaxRotatedFiles = 3
	defaultMaxFileBytes    = 8 << 20
)

// Event is a single trace record.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Run       string      `json:"run"`
	Feature   string      `json:"feature"`
	Tick      int64       `json:"tick"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder appends events to trace_<run>_<n>.jsonl under Dir. A file is
// rolled once it passes MaxFileBytes; only the newest MaxRotatedFiles are
// kept. A nil Recorder drops everything.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	written  int64
	seq      int
	run      string
	basePath string
	maxBytes int64
	maxFiles int
	now      func() time.Time
}

// New creates a recorder for cfg, or returns nil when tracing is off.
func New(cfg config.TraceConfig) (*Recorder, error) {
	if !cfg.Enable {
		return nil, nil
	}
	if cfg.Dir == "" {
		return nil, eris.New("recorder: trace dir is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "recorder: create %s", cfg.Dir)
	}
	r := &Recorder{
		basePath: cfg.Dir,
		run:      uuid.NewString(),
		maxBytes: cfg.MaxFileBytes,
		maxFiles: cfg.MaxRotatedFiles,
		now:      time.Now,
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxFileBytes
	}
	if r.maxFiles <= 0 {
		r.maxFiles = defaultMaxRotatedFiles
	}
	return r, nil
}

// Run returns the id stamped on every event of this process.
func (r *Recorder) Run() string {
	if r == nil {
		return ""
	}
	return r.run
}

// Record writes one event. Failures are returned but never fatal to callers.
func (r *Recorder) Record(feature string, tick int64, eventType string, data interface{}) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || r.written >= r.maxBytes {
		if err := r.roll(); err != nil {
			return err
		}
	}
	evt := Event{
		Timestamp: r.now(),
		Run:       r.run,
		Feature:   feature,
		Tick:      tick,
		Type:      eventType,
		Data:      data,
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return eris.Wrap(err, "recorder: encode event")
	}
	n, err := r.file.Write(append(raw, '\n'))
	r.written += int64(n)
	if err != nil {
		return eris.Wrap(err, "recorder: write event")
	}
	return nil
}

func (r *Recorder) roll() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if err := r.rotate(); err != nil {
		return eris.Wrap(err, "recorder: rotate traces")
	}
	r.seq++
	name := fmt.Sprintf("trace_%s_%03d.jsonl", r.run, r.seq)
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return eris.Wrapf(err, "recorder: create %s", name)
	}
	r.file = f
	r.written = 0
	return nil
}

// rotate keeps the newest maxFiles-1 traces to make room for the next one.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	// Newest first; names break ties because sequence numbers sort.
	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})
	for i := r.maxFiles - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
