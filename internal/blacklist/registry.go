// Package blacklist keeps symbols that recently closed through a price gap out
// of new entries for a while. Entries persist to a YAML file whose manual
// edits are picked up while the process runs.
package blacklist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tothemoon/internal/logger"
	"tothemoon/internal/pkg/symbol"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Entry 描述单个被拉黑的交易对。
type Entry struct {
	Symbol string    `yaml:"-" json:"symbol"`
	Until  time.Time `yaml:"until" json:"until"`
	Reason string    `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// FileConfig 映射 blacklist 文件。
type FileConfig struct {
	Blacklist map[string]Entry `yaml:"blacklist"`
}

// Registry 管理黑名单；path 为空时只保存在内存。
type Registry struct {
	path string
	log  *logger.Component
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	version int64
}

func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    strings.TrimSpace(path),
		log:     logger.With("blacklist"),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	if r.path == "" {
		return r, nil
	}
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		if err := r.persist(map[string]Entry{}); err != nil {
			return nil, err
		}
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch 监听文件变更，人工编辑后自动重载。
func (r *Registry) Watch() {
	if r.path == "" {
		return
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	v.SetConfigType("yaml")
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.Reload(); err != nil {
			r.log.Errorf("blacklist reload failed: %v", err)
		}
	})
	v.WatchConfig()
}

func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Reload 从文件重新读取黑名单。
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	cfg, err := readFile(r.path)
	if err != nil {
		return err
	}
	entries := make(map[string]Entry, len(cfg.Blacklist))
	for sym, e := range cfg.Blacklist {
		key := normalize(sym)
		if key == "" || e.Until.IsZero() {
			continue
		}
		e.Symbol = key
		entries[key] = e
	}
	r.mu.Lock()
	r.entries = entries
	r.version++
	r.mu.Unlock()
	r.log.Debugf("loaded %d entries from %s", len(entries), filepath.Base(r.path))
	return nil
}

// Blocked reports whether symbol is blacklisted at the current time.
func (r *Registry) Blocked(symbol string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(symbol)]
	if !ok || !r.now().Before(e.Until) {
		return Entry{}, false
	}
	return e, true
}

// Add blacklists symbol for d and persists the result. Existing entries are
// only extended, never shortened.
func (r *Registry) Add(symbol string, d time.Duration, reason string) (Entry, error) {
	key := normalize(symbol)
	if key == "" {
		return Entry{}, fmt.Errorf("blacklist: symbol required")
	}
	r.mu.Lock()
	until := r.now().Add(d)
	if cur, ok := r.entries[key]; ok && cur.Until.After(until) {
		until = cur.Until
	}
	e := Entry{Symbol: key, Until: until, Reason: reason}
	r.entries[key] = e
	snapshot := r.pruneLocked()
	r.mu.Unlock()
	r.log.Warnf("%s blacklisted until %s: %s", key, until.Format(time.RFC3339), reason)
	return e, r.persist(snapshot)
}

func (r *Registry) Remove(symbol string) (bool, error) {
	key := normalize(symbol)
	r.mu.Lock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	snapshot := r.pruneLocked()
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, r.persist(snapshot)
}

// List returns active entries sorted by symbol.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if now.Before(e.Until) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// pruneLocked 清理过期条目并返回副本，调用方需持有写锁。
func (r *Registry) pruneLocked() map[string]Entry {
	now := r.now()
	out := make(map[string]Entry, len(r.entries))
	for k, e := range r.entries {
		if !now.Before(e.Until) {
			delete(r.entries, k)
			continue
		}
		out[k] = e
	}
	return out
}

func (r *Registry) persist(entries map[string]Entry) error {
	if r.path == "" {
		return nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(FileConfig{Blacklist: entries}); err != nil {
		return fmt.Errorf("encode blacklist failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write blacklist failed: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func readFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read blacklist failed: %w", err)
	}
	var cfg FileConfig
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse blacklist failed: %w", err)
	}
	return cfg, nil
}

func normalize(s string) string {
	return symbol.Normalize(s)
}
