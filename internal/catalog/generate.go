// ABOUTME: Extracts the arena model list from page HTML and regenerates the model map.
// ABOUTME: Writes available_models.json and models.json, then reloads the snapshot.

package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoAvailableModels indicates Generate ran before any model list was saved.
var ErrNoAvailableModels = errors.New("available models file does not exist, request a model update first")

// ErrNoPath indicates the file needed by an operation is not configured.
var ErrNoPath = errors.New("catalog path not configured")

// GenerateMode selects how Generate treats an existing model map.
type GenerateMode string

const (
	GenerateMerge   GenerateMode = "merge"
	GenerateReplace GenerateMode = "replace"
)

// maxObjectScan bounds how far an embedded model object may extend.
const maxObjectScan = 10000

// modelObjectStart matches the escaped opening of a model object inside the
// page's serialized state: {\"id\":\"<uuid>\"
var modelObjectStart = regexp.MustCompile(`\{\\"id\\":\\"[a-f0-9-]+\\"`)

// imageKeywords mark a model name as an image generation target.
var imageKeywords = []string{
	"dall", "banana", "image", "图片", "文生图", "flux", "sd", "stable",
	"midjourney", "kandinsky", "ideogram", "recraft", "sdxl",
}

// ExtractModels returns the model objects embedded in the arena page HTML,
// unique by publicName (or name). Objects that do not parse are skipped.
func ExtractModels(html string) []json.RawMessage {
	var models []json.RawMessage
	seen := make(map[string]bool)

	for _, loc := range modelObjectStart.FindAllStringIndex(html, -1) {
		start := loc[0]
		end := balancedEnd(html, start)
		if end < 0 {
			continue
		}
		obj := strings.ReplaceAll(html[start:end], `\"`, `"`)
		obj = strings.ReplaceAll(obj, `\\`, `\`)
		if !gjson.Valid(obj) {
			continue
		}
		name := modelName(gjson.Parse(obj), false)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		models = append(models, json.RawMessage(obj))
	}
	return models
}

// balancedEnd returns the offset past the brace closing s[start], or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	limit := min(len(s), start+maxObjectScan)
	for i := start; i < limit; i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// modelName prefers publicName, then name, then (optionally) id.
func modelName(m gjson.Result, withID bool) string {
	for _, key := range []string{"publicName", "name"} {
		if v := strings.TrimSpace(m.Get(key).String()); v != "" {
			return v
		}
	}
	if withID {
		return strings.TrimSpace(m.Get("id").String())
	}
	return ""
}

// SaveAvailable writes the extracted model list to the available models file.
func (c *Catalog) SaveAvailable(models []json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.paths.Available
	if path == "" {
		return fmt.Errorf("available models: %w", ErrNoPath)
	}
	if models == nil {
		models = []json.RawMessage{}
	}
	if err := writeJSON(path, models); err != nil {
		return err
	}
	c.logger.Info("available models saved", "path", path, "count", len(models))
	return nil
}

// Generate rebuilds the model map from the available models file and
// reloads the catalog. It returns the number of entries written.
func (c *Catalog) Generate(mode GenerateMode) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paths.Models == "" || c.paths.Available == "" {
		return 0, fmt.Errorf("generate models: %w", ErrNoPath)
	}
	data, err := os.ReadFile(c.paths.Available)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNoAvailableModels
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.paths.Available, err)
	}
	if !gjson.ValidBytes(data) {
		return 0, fmt.Errorf("reading %s: invalid JSON", c.paths.Available)
	}

	generated := make(map[string]string)
	gjson.ParseBytes(data).ForEach(func(_, m gjson.Result) bool {
		name := modelName(m, true)
		id := strings.TrimSpace(m.Get("id").String())
		if name == "" || id == "" {
			return true
		}
		if isImageModel(name) {
			id += ":image"
		}
		generated[name] = id
		return true
	})

	out := make(map[string]any, len(generated))
	if mode != GenerateReplace {
		if existing, err := readJSONC(c.paths.Models); err == nil && existing != nil {
			// An unreadable map is replaced rather than merged.
			if err := json.Unmarshal(existing, &out); err != nil {
				out = make(map[string]any, len(generated))
			}
		}
	}
	for name, id := range generated {
		out[name] = id
	}

	if err := writeJSON(c.paths.Models, out); err != nil {
		return 0, err
	}
	c.logger.Info("model map generated",
		"mode", string(mode),
		"generated", len(generated),
		"total", len(out),
	)
	if err := c.loadLocked(); err != nil {
		return len(out), err
	}
	return len(out), nil
}

func isImageModel(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range imageKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// writeJSON writes v as indented JSON through a temp file and rename.
func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
