package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "jobmill/pkg/logx"
)

// Manager loads the config file and republishes validated snapshots when
// the file changes on disk.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list. Subscriber channels are never
	// closed; receivers stop reading when their context ends.
	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger

	// lastHash tracks the last successfully committed config content. It
	// avoids redundant publishes when an editor emits several write events
	// without content changes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads and strictly decodes the config file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

func decode(path string, b []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load parses, validates and commits the config. Call once at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	b, _ := os.ReadFile(m.path)
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = contentHash(b)
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the last committed config (nil before Load).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each newly committed config.
func (m *Manager) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Watch blocks until ctx is done, reloading the config whenever the file
// changes. Invalid intermediate states (partial writes, bad edits) are
// logged and skipped; the previous config stays committed.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors commonly replace the file (rename +
	// create), which drops a watch placed on the file itself.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(m.path)
	var debounce *time.Timer
	reloadCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
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
			// Debounce bursts of events from a single save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		case <-reloadCh:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	b, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload: read failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := contentHash(b)

	m.mu.RLock()
	same := h == m.lastHash
	m.mu.RUnlock()
	if same {
		return
	}

	cfg, err := decode(m.path, b)
	if err != nil {
		m.log.Warn("config reload: rejected", logx.Err(err))
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	m.publish(cfg)
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	subs := append([]chan *Config(nil), m.subs...)
	m.subsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Latest wins: displace a pending, now-stale config.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

func contentHash(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
