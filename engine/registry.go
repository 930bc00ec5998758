package engine

import (
	"bytes"
	_ "embed"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed engines.yaml
var defaultEngines []byte

// ErrUnknownEngine is returned when looking up an engine that is not in
// the registry.
var ErrUnknownEngine = errors.New("unknown search engine")

// Registry is the set of tracked search engines.
type Registry struct {
	engines []*Engine
	byName  map[string]*Engine
}

type registryFile struct {
	Engines []*Engine `yaml:"engines"`
}

// Default returns the registry of built-in engines.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultEngines))
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "opening engine registry %q", path)
	}
	defer f.Close() //nolint:errcheck

	r, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading engine registry %q", path)
	}
	return r, nil
}

// Load reads a registry from r.
func Load(r io.Reader) (*Registry, error) {
	var rf registryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, errors.Wrap(err, "decoding engine registry")
	}
	return New(rf.Engines...)
}

// New builds a registry from engines, compiling their patterns and
// predicates. Engine names must be unique.
func New(engines ...*Engine) (*Registry, error) {
	reg := &Registry{byName: make(map[string]*Engine, len(engines))}
	for _, e := range engines {
		if e == nil || e.Name == "" {
			return nil, errors.New("engine without a name")
		}
		if _, ok := reg.byName[e.Name]; ok {
			return nil, errors.Errorf("duplicate engine %q", e.Name)
		}
		if len(e.Patterns) == 0 {
			return nil, errors.Errorf("engine %q has no match patterns", e.Name)
		}
		if err := e.compile(); err != nil {
			return nil, errors.Wrapf(err, "engine %q", e.Name)
		}
		reg.engines = append(reg.engines, e)
		reg.byName[e.Name] = e
	}
	return reg, nil
}

// Match returns the first engine rawURL belongs to.
func (r *Registry) Match(rawURL string) (*Engine, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	return r.MatchURL(u)
}

// MatchURL is Match for an already parsed URL.
func (r *Registry) MatchURL(u *url.URL) (*Engine, bool) {
	for _, e := range r.engines {
		if e.Matches(u) {
			return e, true
		}
	}
	return nil, false
}

// Engine returns the engine called name.
func (r *Registry) Engine(name string) (*Engine, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownEngine, name)
	}
	return e, nil
}

// Engines returns the engines sorted by name.
func (r *Registry) Engines() []*Engine {
	out := make([]*Engine, len(r.engines))
	copy(out, r.engines)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
