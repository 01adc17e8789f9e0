// ABOUTME: Model name and endpoint mapping loaded from JSONC files.
// ABOUTME: Lookups read an immutable snapshot that Load replaces atomically.

package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/jsonc"
)

// Paths locates the catalog files. An empty path disables that file.
type Paths struct {
	Models    string
	Endpoints string
	Available string
}

// Model is one entry of the model map.
type Model struct {
	Name string
	// ID is the upstream model id, empty when unknown.
	ID    string
	Image bool
}

// Endpoint is a dedicated conversation for a model.
type Endpoint struct {
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id"`
	Mode         string `json:"mode,omitempty"`
	BattleTarget string `json:"battle_target,omitempty"`
}

type snapshot struct {
	models    map[string]Model
	names     []string
	endpoints map[string][]Endpoint
}

// Catalog serves model and endpoint lookups.
type Catalog struct {
	mu    sync.Mutex // serializes Load and file writes
	paths Paths
	snap  atomic.Pointer[snapshot]

	logger *slog.Logger
}

// New creates an empty catalog for the given files. Call Load to read them.
func New(paths Paths, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		paths:  paths,
		logger: logger.With("component", "catalog"),
	}
	c.snap.Store(&snapshot{
		models:    map[string]Model{},
		endpoints: map[string][]Endpoint{},
	})
	return c
}

// SetPaths changes the files read by the next Load.
func (c *Catalog) SetPaths(paths Paths) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = paths
}

// Paths returns the configured file locations.
func (c *Catalog) Paths() Paths {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths
}

// Load reads both mapping files and swaps in the result. Missing files yield
// empty maps. On a parse error the previous snapshot stays active.
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Catalog) loadLocked() error {
	models, err := readModels(c.paths.Models)
	if err != nil {
		return err
	}
	endpoints, err := readEndpoints(c.paths.Endpoints)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	c.snap.Store(&snapshot{models: models, names: names, endpoints: endpoints})
	c.logger.Info("catalog loaded",
		"models", len(models),
		"endpoints", len(endpoints),
	)
	return nil
}

// Model returns the mapping for a public model name.
func (c *Catalog) Model(name string) (Model, bool) {
	m, ok := c.snap.Load().models[name]
	return m, ok
}

// Models returns every mapped model ordered by name.
func (c *Catalog) Models() []Model {
	s := c.snap.Load()
	out := make([]Model, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.models[name])
	}
	return out
}

// Count returns the number of mapped models.
func (c *Catalog) Count() int {
	return len(c.snap.Load().models)
}

// Endpoint picks the dedicated conversation for a model. When several are
// configured one is chosen uniformly at random. Entries without a session
// id are treated as unmapped.
func (c *Catalog) Endpoint(model string) (Endpoint, bool) {
	list := c.snap.Load().endpoints[model]
	if len(list) == 0 {
		return Endpoint{}, false
	}
	ep := list[rand.IntN(len(list))]
	if ep.SessionID == "" {
		return Endpoint{}, false
	}
	return ep, true
}

// readJSONC reads a JSONC file. A missing or blank file returns nil data.
func readJSONC(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	data = jsonc.ToJSON(data)
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	return data, nil
}

func readModels(path string) (map[string]Model, error) {
	models := map[string]Model{}
	data, err := readJSONC(path)
	if err != nil || data == nil {
		return models, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for name, v := range raw {
		switch val := v.(type) {
		case string:
			models[name] = parseModel(name, val)
		case nil:
			models[name] = Model{Name: name}
		default:
			return nil, fmt.Errorf("parsing %s: model %q: expected a string, got %T", path, name, v)
		}
	}
	return models, nil
}

// parseModel decodes "id", "id:type" or "null:type".
func parseModel(name, val string) Model {
	id, typ, found := strings.Cut(val, ":")
	if !found {
		return Model{Name: name, ID: val}
	}
	if strings.EqualFold(id, "null") {
		id = ""
	}
	return Model{Name: name, ID: id, Image: typ == "image"}
}

func readEndpoints(path string) (map[string][]Endpoint, error) {
	endpoints := map[string][]Endpoint{}
	data, err := readJSONC(path)
	if err != nil || data == nil {
		return endpoints, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for name, entry := range raw {
		trimmed := strings.TrimSpace(string(entry))
		switch {
		case strings.HasPrefix(trimmed, "["):
			var list []Endpoint
			if err := json.Unmarshal(entry, &list); err != nil {
				return nil, fmt.Errorf("parsing %s: model %q: %w", path, name, err)
			}
			if len(list) > 0 {
				endpoints[name] = list
			}
		case strings.HasPrefix(trimmed, "{"):
			var ep Endpoint
			if err := json.Unmarshal(entry, &ep); err != nil {
				return nil, fmt.Errorf("parsing %s: model %q: %w", path, name, err)
			}
			endpoints[name] = []Endpoint{ep}
		}
	}
	return endpoints, nil
}
