package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"hikaribot/internal/storage"
	logx "hikaribot/pkg/logx"
)

// Source produces raw plugin specs.
//
// A returned error means the whole source is unusable and the load must abort.
// Problems with a single spec are the source's to log and skip.
type Source interface {
	Specs(ctx context.Context) ([]Spec, error)
}

// SettingsReader is the part of storage the registry needs.
type SettingsReader interface {
	GetSettings(ctx context.Context) (storage.Settings, error)
}

// Index is an immutable snapshot of loaded plugins.
type Index struct {
	byAlias  map[string]*Descriptor
	byName   map[string]*Descriptor
	list     []*Descriptor
	LoadedAt time.Time
}

func emptyIndex() *Index {
	return &Index{byAlias: map[string]*Descriptor{}, byName: map[string]*Descriptor{}}
}

// Resolve finds the plugin owning alias (case-insensitive).
func (ix *Index) Resolve(alias string) (*Descriptor, bool) {
	if ix == nil {
		return nil, false
	}
	d, ok := ix.byAlias[strings.ToLower(strings.TrimSpace(alias))]
	return d, ok
}

// Lookup finds a plugin by name (case-insensitive).
func (ix *Index) Lookup(name string) (*Descriptor, bool) {
	if ix == nil {
		return nil, false
	}
	d, ok := ix.byName[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// All returns plugins sorted by name.
func (ix *Index) All() []*Descriptor {
	if ix == nil {
		return nil
	}
	return append([]*Descriptor(nil), ix.list...)
}

// Aliases returns every registered alias, sorted.
func (ix *Index) Aliases() []string {
	if ix == nil {
		return nil
	}
	out := make([]string, 0, len(ix.byAlias))
	for a := range ix.byAlias {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.list)
}

// Registry owns the current Index and replaces it by a single pointer swap.
type Registry struct {
	log      logx.Logger
	sources  []Source
	settings SettingsReader

	cur atomic.Pointer[Index]
}

func NewRegistry(log logx.Logger, settings SettingsReader, sources ...Source) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log, sources: sources, settings: settings}
	r.cur.Store(emptyIndex())
	return r
}

// Current returns the live index (never nil).
func (r *Registry) Current() *Index { return r.cur.Load() }

func (r *Registry) Resolve(alias string) (*Descriptor, bool) { return r.Current().Resolve(alias) }

// Load builds a fresh index from all sources and publishes it.
// On error the previous index stays active.
func (r *Registry) Load(ctx context.Context) (*Index, error) {
	start := time.Now()

	var specs []Spec
	for _, src := range r.sources {
		got, err := src.Specs(ctx)
		if err != nil {
			return nil, fmt.Errorf("plugin source: %w", err)
		}
		specs = append(specs, got...)
	}

	var overrides map[string]bool
	if r.settings != nil {
		st, err := r.settings.GetSettings(ctx)
		if err != nil {
			r.log.Warn("periodic settings unavailable; using plugin defaults", logx.Err(err))
		} else {
			overrides = st.Periodic
		}
	}

	ix := emptyIndex()
	ix.LoadedAt = time.Now()
	for _, s := range specs {
		d, err := Build(s)
		if err != nil {
			r.log.Warn("skipped invalid plugin", logx.String("plugin", s.Name), logx.Err(err))
			continue
		}
		key := strings.ToLower(d.Name)
		if _, dup := ix.byName[key]; dup {
			r.log.Warn("skipped duplicate plugin name", logx.String("plugin", d.Name))
			continue
		}
		if en, ok := overrides[key]; ok {
			d = d.withPeriodicEnabled(en)
		}
		ix.byName[key] = d
		ix.list = append(ix.list, d)
		for _, a := range d.Commands {
			if prev, taken := ix.byAlias[a]; taken {
				r.log.Warn("alias already registered; keeping first",
					logx.String("alias", a), logx.String("plugin", d.Name), logx.String("owner", prev.Name))
				continue
			}
			ix.byAlias[a] = d
		}
		r.log.Debug("plugin loaded", logx.String("plugin", d.Name), logx.Strings("commands", d.Commands))
	}
	sort.Slice(ix.list, func(i, j int) bool { return ix.list[i].Name < ix.list[j].Name })

	r.cur.Store(ix)
	r.log.Info("plugins loaded",
		logx.Int("count", ix.Len()),
		logx.Int("aliases", len(ix.byAlias)),
		logx.Duration("took", time.Since(start)))
	return ix, nil
}
