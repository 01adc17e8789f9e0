// ABOUTME: Tests for model and endpoint map loading and lookup.
// ABOUTME: Covers JSONC parsing, id:type suffixes, random endpoint choice and failed reloads.

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Models(t *testing.T) {
	dir := t.TempDir()
	models := writeFile(t, dir, "models.json", `{
		// text models
		"gpt-4o": "id-gpt",
		/* image models */
		"flux": "id-flux:image",
		"mystery": "null:image",
		"unset": null,
	}`)

	c := New(Paths{Models: models}, nil)
	require.NoError(t, c.Load())

	assert.Equal(t, 4, c.Count())

	m, ok := c.Model("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, Model{Name: "gpt-4o", ID: "id-gpt"}, m)

	m, ok = c.Model("flux")
	require.True(t, ok)
	assert.Equal(t, "id-flux", m.ID)
	assert.True(t, m.Image)

	m, ok = c.Model("mystery")
	require.True(t, ok)
	assert.Empty(t, m.ID)
	assert.True(t, m.Image)

	m, ok = c.Model("unset")
	require.True(t, ok)
	assert.Empty(t, m.ID)
	assert.False(t, m.Image)

	_, ok = c.Model("missing")
	assert.False(t, ok)

	names := make([]string, 0)
	for _, m := range c.Models() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"flux", "gpt-4o", "mystery", "unset"}, names)
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	c := New(Paths{
		Models:    filepath.Join(dir, "nope.json"),
		Endpoints: filepath.Join(dir, "nope2.json"),
	}, nil)

	require.NoError(t, c.Load())
	assert.Zero(t, c.Count())
	_, ok := c.Endpoint("anything")
	assert.False(t, ok)
}

func TestLoad_BlankFile(t *testing.T) {
	dir := t.TempDir()
	endpoints := writeFile(t, dir, "endpoints.json", "  \n// nothing yet\n")

	c := New(Paths{Endpoints: endpoints}, nil)
	require.NoError(t, c.Load())
	_, ok := c.Endpoint("anything")
	assert.False(t, ok)
}

func TestLoad_ErrorKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	models := writeFile(t, dir, "models.json", `{"gpt-4o": "id-gpt"}`)

	c := New(Paths{Models: models}, nil)
	require.NoError(t, c.Load())
	require.Equal(t, 1, c.Count())

	writeFile(t, dir, "models.json", `{"gpt-4o": `)
	err := c.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "models.json")

	assert.Equal(t, 1, c.Count(), "failed reload must not clear the catalog")
}

func TestLoad_RejectsNonStringModel(t *testing.T) {
	dir := t.TempDir()
	models := writeFile(t, dir, "models.json", `{"gpt-4o": 42}`)

	c := New(Paths{Models: models}, nil)
	err := c.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpt-4o")
}

func TestEndpoint_SingleObject(t *testing.T) {
	dir := t.TempDir()
	endpoints := writeFile(t, dir, "endpoints.json", `{
		"gpt-4o": {"session_id": "s1", "message_id": "m1", "mode": "battle", "battle_target": "b"}
	}`)

	c := New(Paths{Endpoints: endpoints}, nil)
	require.NoError(t, c.Load())

	ep, ok := c.Endpoint("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, Endpoint{SessionID: "s1", MessageID: "m1", Mode: "battle", BattleTarget: "b"}, ep)
}

func TestEndpoint_ListChoosesAmongEntries(t *testing.T) {
	dir := t.TempDir()
	endpoints := writeFile(t, dir, "endpoints.json", `{
		"claude": [
			{"session_id": "s1", "message_id": "m1"},
			{"session_id": "s2", "message_id": "m2"},
			{"session_id": "s3", "message_id": "m3"},
		]
	}`)

	c := New(Paths{Endpoints: endpoints}, nil)
	require.NoError(t, c.Load())

	seen := make(map[string]bool)
	for range 200 {
		ep, ok := c.Endpoint("claude")
		require.True(t, ok)
		assert.Contains(t, []string{"s1", "s2", "s3"}, ep.SessionID)
		seen[ep.SessionID] = true
	}
	assert.Greater(t, len(seen), 1, "random choice should spread across entries")
}

func TestEndpoint_EmptyEntriesAreUnmapped(t *testing.T) {
	dir := t.TempDir()
	endpoints := writeFile(t, dir, "endpoints.json", `{
		"empty-list": [],
		"no-session": {"message_id": "m1"},
		"scalar": "ignored"
	}`)

	c := New(Paths{Endpoints: endpoints}, nil)
	require.NoError(t, c.Load())

	for _, name := range []string{"empty-list", "no-session", "scalar", "absent"} {
		_, ok := c.Endpoint(name)
		assert.False(t, ok, name)
	}
}

func TestSetPaths(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "a.json", `{"one": "1"}`)
	second := writeFile(t, dir, "b.json", `{"one": "1", "two": "2"}`)

	c := New(Paths{Models: first}, nil)
	require.NoError(t, c.Load())
	assert.Equal(t, 1, c.Count())

	c.SetPaths(Paths{Models: second})
	assert.Equal(t, second, c.Paths().Models)
	require.NoError(t, c.Load())
	assert.Equal(t, 2, c.Count())
}
