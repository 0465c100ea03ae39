package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) (configPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	configPath = filepath.Join(dir, "contextmem.toml")
	content := fmt.Sprintf(`log_level = "error"

[store]
dir = %q
namespace = "cli"

[embedder]
provider = "mock"
dimensions = 128

[conflict]
default_strategy = "keep_new"
audit_log_path = %q
`, dir, filepath.Join(dir, "audit.json"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath, dir
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_AddRetrieveList(t *testing.T) {
	configPath, dir := writeTestConfig(t)

	out, err := run(t, configPath, "add", "Paris is the capital of France", "Berlin is in Germany")
	require.NoError(t, err)
	assert.Contains(t, out, "inserted 2, already present 0")
	assert.Contains(t, out, "cli-")

	out, err = run(t, configPath, "add", "Paris is the capital of France")
	require.NoError(t, err)
	assert.Contains(t, out, "inserted 0, already present 1")

	out, err = run(t, configPath, "retrieve", "capital of France", "--top", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "RANK")
	assert.Contains(t, out, "Paris is the capital of France")

	out, err = run(t, configPath, "list", "--json")
	require.NoError(t, err)
	var rows []struct {
		HashID   string `json:"hash_id"`
		Accesses int    `json:"accesses"`
		Content  string `json:"content"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	total := 0
	for _, r := range rows {
		total += r.Accesses
	}
	assert.Equal(t, 1, total)

	assert.FileExists(t, filepath.Join(dir, "engine_state_cli.json"))
	assert.FileExists(t, filepath.Join(dir, "vdb_cli.parquet"))
}

func TestCLI_AddFromFile(t *testing.T) {
	configPath, dir := writeTestConfig(t)
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("first note\n\nsecond note\n"), 0644))

	out, err := run(t, configPath, "add", "--file", notes)
	require.NoError(t, err)
	assert.Contains(t, out, "inserted 2, already present 0")

	_, err = run(t, configPath, "add")
	assert.Error(t, err)
}

func TestCLI_DecayAndCleanup(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	_, err := run(t, configPath, "add", "alpha", "beta")
	require.NoError(t, err)

	out, err := run(t, configPath, "decay", "--ratio", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "forgot 0 of 2 records")

	out, err = run(t, configPath, "cleanup", "--threshold", "1", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would delete 2 of 2 records")

	out, err = run(t, configPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")

	out, err = run(t, configPath, "cleanup", "--threshold", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 2 of 2 records")

	out, err = run(t, configPath, "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = run(t, configPath, "decay", "--ratio", "2")
	assert.Error(t, err)
}

func TestCLI_ResolveAndConflicts(t *testing.T) {
	configPath, dir := writeTestConfig(t)
	facts := filepath.Join(dir, "facts.json")
	require.NoError(t, os.WriteFile(facts, []byte(`{
  "existing": [{"fact": ["Alice", "lives_in", "Paris"], "hash_id": "cli-old"}],
  "incoming": [
    {"fact": ["alice", "lives_in", "London"], "hash_id": "cli-new"},
    {"fact": ["Bob", "likes", "tea"]}
  ]
}`), 0644))

	out, err := run(t, configPath, "resolve", facts, "--strategy", "keep_old")
	require.NoError(t, err)
	assert.Contains(t, out, "1 conflicts detected")
	assert.Contains(t, out, "delete cli-new")

	out, err = run(t, configPath, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "total conflicts: 1")
	assert.Contains(t, out, "keep_old: 1")

	out, err = run(t, configPath, "conflicts", "--history", "--json")
	require.NoError(t, err)
	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "keep_old", history[0]["resolution_strategy"])

	_, err = run(t, configPath, "resolve", facts, "--strategy", "coin_flip")
	assert.Error(t, err)
}

func TestCLI_ConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextmem.toml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wrote")
	assert.FileExists(t, path)

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})
	assert.Error(t, cmd.Execute())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
