package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "leasecron/pkg/logx"
)

// Manager loads the config file and, via Watch, republishes it when the file
// changes on disk. Editors often produce rename+write event bursts, so
// changes are debounced and deduplicated by content hash.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger

	// lastHash tracks the last successfully committed config content, to
	// avoid redundant publishes when write events carry no content change.
	lastHash uint64
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastHash = hashBytes(jb)
	m.mu.Unlock()
	return &cfg, nil
}

// Load parses and commits the current file content.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch blocks until ctx is done, invoking onChange with each committed new
// config. Parse or validation failures keep the previous config and are
// logged; they never propagate.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace files by rename
	// and the watch on the old inode would go dead.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(m.path)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(250 * time.Millisecond)
				debounceC = debounce.C
			} else {
				debounce.Reset(250 * time.Millisecond)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		case <-debounceC:
			debounce = nil
			debounceC = nil
			m.reload(onChange)
		}
	}
}

func (m *Manager) reload(onChange func(*Config)) {
	m.mu.RLock()
	prev := m.lastHash
	m.mu.RUnlock()

	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected, keeping previous", logx.Err(err))
		return
	}

	m.mu.Lock()
	unchanged := prev != 0 && m.lastHash == prev
	m.cfg = cfg
	m.mu.Unlock()
	if unchanged {
		return
	}

	m.log.Info("config reloaded", logx.String("path", m.path))
	if onChange != nil {
		onChange(cfg)
	}
}

// Validate checks structural requirements that the strict decoder cannot.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, t := range c.Tasks {
		at := fmt.Sprintf("tasks[%d]", i)
		if t.ID == "" {
			return fmt.Errorf("%s: id is required", at)
		}
		if seen[t.ID] {
			return fmt.Errorf("%s: duplicate task id %q", at, t.ID)
		}
		seen[t.ID] = true
		if t.Schedule == "" {
			return fmt.Errorf("%s (%s): schedule is required", at, t.ID)
		}
		if t.Command == "" {
			return fmt.Errorf("%s (%s): command is required", at, t.ID)
		}
		if _, err := ParseDurationField(at+".timeout", t.Timeout); err != nil {
			return err
		}
		if _, err := ParseDurationField(at+".renew_every", t.RenewEvery); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.processing_timeout", c.Scheduler.ProcessingTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
