// Package instrument manages the tradable-instrument allowlist and its
// per-instrument trading constraints (lot granularity, tick size).
//
// The registry is backed by a YAML file and hot-reloads on change, so a new
// instrument can be allowed (or an instrument suspended) without restarting
// the daemon and dropping in-flight pipelines.
package instrument

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"sigil/internal/logger"
	"sigil/internal/pkg/symbol"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Definition 描述单个品种的交易约束。
type Definition struct {
	Symbol   string   `mapstructure:"-" yaml:"-"`
	Class    string   `mapstructure:"class" yaml:"class"` // forex|metal|crypto|index
	Aliases  []string `mapstructure:"aliases" yaml:"aliases"`
	MinLot   float64  `mapstructure:"min_lot" yaml:"min_lot"`
	LotStep  float64  `mapstructure:"lot_step" yaml:"lot_step"`
	TickSize float64  `mapstructure:"tick_size" yaml:"tick_size"`
	Enabled  *bool    `mapstructure:"enabled" yaml:"enabled"` // 缺省 true
}

func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type fileConfig struct {
	Instruments map[string]Definition `mapstructure:"instruments" yaml:"instruments"`
}

// readInstrumentFile 严格解析，未知字段视为配置错误。
func readInstrumentFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read instrument config failed: %w", err)
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse instrument config failed: %w", err)
	}
	return cfg, nil
}

// Snapshot 是一次性读取的不可变视图。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	byName   map[string]Definition
}

// Lookup resolves a canonical instrument (aliases included) to its definition.
func (s Snapshot) Lookup(instrument string) (Definition, bool) {
	if s.byName == nil {
		return Definition{}, false
	}
	def, ok := s.byName[symbol.Normalize(instrument)]
	return def, ok
}

// Allowed reports whether the instrument is present and enabled.
func (s Snapshot) Allowed(instrument string) bool {
	def, ok := s.Lookup(instrument)
	return ok && def.IsEnabled()
}

// Symbols returns the enabled canonical symbols, sorted.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.byName))
	seen := make(map[string]bool, len(s.byName))
	for _, def := range s.byName {
		if !def.IsEnabled() || seen[def.Symbol] {
			continue
		}
		seen[def.Symbol] = true
		out = append(out, def.Symbol)
	}
	sort.Strings(out)
	return out
}

type ChangeListener func(Snapshot)

// Registry 负责加载与监听品种配置文件。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("instrument registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read instrument config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Warnf("instrument registry: 重载失败，沿用旧快照: %v", err)
			return
		}
		snap := r.Snapshot()
		logger.Infof("instrument registry: 重载完成，%d 个品种", len(snap.Symbols()))
		r.notify(snap)
	})
	v.WatchConfig()
	return r, nil
}

func (r *Registry) reload() error {
	cfg, err := readInstrumentFile(r.path)
	if err != nil {
		return err
	}
	if len(cfg.Instruments) == 0 {
		return fmt.Errorf("instrument config declares no instruments")
	}

	byName := make(map[string]Definition, len(cfg.Instruments)*2)
	for name, def := range cfg.Instruments {
		canon := symbol.Normalize(name)
		if canon == "" {
			return fmt.Errorf("instrument %q: 非法品种名", name)
		}
		if def.MinLot < 0 || def.LotStep < 0 || def.TickSize < 0 {
			return fmt.Errorf("instrument %q: 约束不能为负", name)
		}
		def.Symbol = canon
		byName[canon] = def
		for _, alias := range def.Aliases {
			a := symbol.Normalize(alias)
			if a != "" && a != canon {
				byName[a] = def
			}
		}
	}

	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		byName:   byName,
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(snap Snapshot) {
	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
