package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	logx "hikaribot/pkg/logx"
)

// Manifest is the on-disk override for one plugin.
//
// Example (plugins/speedtest.yaml):
//
//	name: speedtest
//	cooldown: 120
//	daily_limit: 5
//	wait: "⏳ Measuring..."
//
// A manifest with "from" clones a builtin under a new name:
//
//	name: pong
//	from: ping
//	commands: [pong]
type Manifest struct {
	Name     string   `yaml:"name"`
	From     string   `yaml:"from,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
	Commands []string `yaml:"commands,omitempty"`

	Description *string `yaml:"description,omitempty"`
	Category    *string `yaml:"category,omitempty"`
	Permission  *string `yaml:"permissions,omitempty"`
	Cooldown    *int    `yaml:"cooldown,omitempty"` // seconds
	DailyLimit  *int    `yaml:"daily_limit,omitempty"`
	Usage       *string `yaml:"usage,omitempty"`
	Wait        *string `yaml:"wait,omitempty"`
	Failed      *string `yaml:"failed,omitempty"`
	React       *bool   `yaml:"react,omitempty"`

	Hidden       *bool `yaml:"hidden,omitempty"`
	Group        *bool `yaml:"group,omitempty"`
	Private      *bool `yaml:"private,omitempty"`
	Owner        *bool `yaml:"owner,omitempty"`
	BotAdmin     *bool `yaml:"bot_admin,omitempty"`
	Experimental *bool `yaml:"experimental,omitempty"`

	Periodic *ManifestPeriodic `yaml:"periodic,omitempty"`
}

type ManifestPeriodic struct {
	Enabled  *bool   `yaml:"enabled,omitempty"`
	Interval *string `yaml:"interval,omitempty"`
}

// ManifestSource overlays YAML manifests from Dir onto a base source.
type ManifestSource struct {
	Dir  string
	Base Source
	Log  logx.Logger
}

func NewManifestSource(dir string, base Source, log logx.Logger) *ManifestSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ManifestSource{Dir: dir, Base: base, Log: log}
}

// IsManifestFile reports whether name looks like a loadable manifest.
func IsManifestFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}

func (s *ManifestSource) Specs(ctx context.Context) ([]Spec, error) {
	base, err := s.Base.Specs(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Dir) == "" {
		return base, nil
	}

	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.Log.Debug("manifest dir missing; using builtin defaults", logx.String("dir", s.Dir))
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsManifestFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	byName := make(map[string]int, len(base))
	for i, sp := range base {
		byName[strings.ToLower(sp.Name)] = i
	}
	disabled := map[int]bool{}
	var clones []Spec

	for _, fn := range names {
		path := filepath.Join(s.Dir, fn)
		m, err := readManifest(path)
		if err != nil {
			s.Log.Warn("skipped manifest", logx.String("file", fn), logx.Err(err))
			continue
		}
		key := strings.ToLower(strings.TrimSpace(m.Name))

		if from := strings.ToLower(strings.TrimSpace(m.From)); from != "" {
			i, ok := byName[from]
			if !ok {
				s.Log.Warn("skipped manifest: unknown base plugin", logx.String("file", fn), logx.String("from", m.From))
				continue
			}
			if _, clash := byName[key]; clash {
				s.Log.Warn("skipped manifest: clone name already in use", logx.String("file", fn), logx.String("plugin", m.Name))
				continue
			}
			sp := base[i]
			sp.Name = m.Name
			sp.Commands = nil
			if err := m.apply(&sp); err != nil {
				s.Log.Warn("skipped manifest", logx.String("file", fn), logx.Err(err))
				continue
			}
			if !m.Disabled {
				clones = append(clones, sp)
			}
			continue
		}

		i, ok := byName[key]
		if !ok {
			s.Log.Warn("skipped manifest: unknown plugin", logx.String("file", fn), logx.String("plugin", m.Name))
			continue
		}
		if m.Disabled {
			disabled[i] = true
			continue
		}
		sp := base[i]
		if err := m.apply(&sp); err != nil {
			s.Log.Warn("skipped manifest", logx.String("file", fn), logx.Err(err))
			continue
		}
		base[i] = sp
	}

	out := make([]Spec, 0, len(base)+len(clones))
	for i, sp := range base {
		if !disabled[i] {
			out = append(out, sp)
		}
	}
	return append(out, clones...), nil
}

func readManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, errors.New("manifest name is required")
	}
	return &m, nil
}

// apply copies every field set in m onto sp.
func (m *Manifest) apply(sp *Spec) error {
	if len(m.Commands) > 0 {
		sp.Commands = append([]string(nil), m.Commands...)
	}
	setStr(&sp.Description, m.Description)
	setStr(&sp.Category, m.Category)
	setStr(&sp.Usage, m.Usage)
	if m.Permission != nil {
		sp.Permission = Permission(*m.Permission)
	}
	if m.Cooldown != nil {
		sp.Cooldown = time.Duration(*m.Cooldown) * time.Second
	}
	if m.DailyLimit != nil {
		sp.DailyLimit = *m.DailyLimit
	}
	if m.Wait != nil {
		sp.Wait = Ptr(*m.Wait)
	}
	if m.Failed != nil {
		sp.Failed = Ptr(*m.Failed)
	}
	if m.React != nil {
		sp.React = Ptr(*m.React)
	}
	setBool(&sp.Hidden, m.Hidden)
	setBool(&sp.Group, m.Group)
	setBool(&sp.Private, m.Private)
	setBool(&sp.Owner, m.Owner)
	setBool(&sp.BotAdmin, m.BotAdmin)
	setBool(&sp.Experimental, m.Experimental)

	if mp := m.Periodic; mp != nil {
		if sp.Periodic == nil {
			return errors.New("periodic settings for a plugin without a periodic task")
		}
		p := *sp.Periodic
		if mp.Enabled != nil {
			p.Enabled = *mp.Enabled
		}
		if mp.Interval != nil {
			d, err := time.ParseDuration(strings.TrimSpace(*mp.Interval))
			if err != nil || d <= 0 {
				return fmt.Errorf("periodic.interval: invalid duration %q", *mp.Interval)
			}
			p.Interval = d
		}
		sp.Periodic = &p
	}
	return nil
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
