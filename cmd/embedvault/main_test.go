package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type harness struct {
	t      *testing.T
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "embedvault.yaml")
	content := `
data_dir: ./data
dimension: 4
log_level: error
index:
  ivf_partition_count: 2
  sub_vector_count: 2
  bit_width: 4
backup:
  target: local
  path: ./backups
`
	require.NoError(t, os.WriteFile(config, []byte(content), 0600))
	return &harness{t: t, config: config}
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(stdin)
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.RunContext(context.Background(), append([]string{"embedvault", "--config", h.config}, args...))
	return out.String(), err
}

func (h *harness) mustRun(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	require.NoError(h.t, err, out)
	return out
}

const records = `{"id":"a","vector":[1,0,0,0],"metadata":{"path":"docs/a.md","lang":"en"}}
{"id":"b","vector":[0,1,0,0],"metadata":{"path":"docs/b.md","lang":"de"}}

{"id":"c","vector":[0,0,1,0]}
`

func TestCLI_PutGetSearch(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun(records, "put")
	assert.Equal(t, "stored 3 embeddings\n", out)

	out = h.mustRun("", "get", "a")
	assert.Contains(t, out, `"id": "a"`)
	assert.Contains(t, out, `"path": "docs/a.md"`)

	out = h.mustRun("", "search", "--limit", "1", "0.9,0.1,0,0")
	assert.True(t, strings.HasPrefix(out, "a\t"), out)
	assert.Contains(t, out, "docs/a.md")

	out = h.mustRun("", "search", "--filter", "lang=de", "--exact", "1,0,0,0")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "b\t"))

	_, err := h.run("", "search", "1,0,0")
	require.Error(t, err)

	_, err = h.run("", "search", "1,x,0,0")
	require.Error(t, err)

	_, err = h.run("", "get", "missing")
	require.Error(t, err)

	out = h.mustRun("", "stats")
	assert.Contains(t, out, `"Dimension": 4`)
}

func TestCLI_PutFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(records), 0600))

	out := h.mustRun("", "put", path)
	assert.Equal(t, "stored 3 embeddings\n", out)

	_, err := h.run("not json\n", "put")
	require.Error(t, err)
}

func TestCLI_SnapshotRollback(t *testing.T) {
	h := newHarness(t)
	h.mustRun(records, "put")

	version := strings.TrimSpace(h.mustRun("", "snapshot"))
	h.mustRun(`{"id":"a","vector":[0,0,0,1]}`, "put")

	out := h.mustRun("", "versions")
	assert.True(t, strings.HasPrefix(out, version+"\t"), out)

	h.mustRun("", "rollback", version)
	out = h.mustRun("", "get", "a")
	assert.Contains(t, out, "\"vector\": [\n    1,")

	_, err := h.run("", "rollback", "abc")
	require.Error(t, err)
}

func TestCLI_VerifyReindex(t *testing.T) {
	h := newHarness(t)
	h.mustRun(records, "put")

	out := h.mustRun("", "verify")
	assert.Equal(t, "checked 3 embeddings, 0 corrupt\n", out)

	out = h.mustRun("", "reindex")
	assert.Contains(t, out, "ready: 3 rows")
}

func TestCLI_BackupRestore(t *testing.T) {
	h := newHarness(t)
	h.mustRun(records, "put")

	out := h.mustRun("", "backup")
	assert.Contains(t, out, `"entries": 3`)

	target := filepath.Join(t.TempDir(), "restored")
	out = h.mustRun("", "--data-dir", target, "restore")
	assert.Contains(t, out, "3 entries")

	out = h.mustRun("", "--data-dir", target, "get", "b")
	assert.Contains(t, out, `"path": "docs/b.md"`)

	// restoring over a populated vault is refused
	_, err := h.run("", "restore")
	require.Error(t, err)
}
