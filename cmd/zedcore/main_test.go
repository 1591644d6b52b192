package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/zedcore/internal/config"
	"github.com/scrypster/zedcore/internal/memory"
	"github.com/scrypster/zedcore/internal/pipeline"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Embedding.Dimensions = 64

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRunEvents(t *testing.T) {
	a := testApp(t)

	input := strings.Join([]string{
		`{"channel_type":"telegram","channel_id":"C1","conversation_id":"T1","sender":{"platform_id":"u1","display_name":"Alice"},"content":{"text":"hello there"}}`,
		``,
		`not json`,
		`{"channel_type":"telegram","channel_id":"C1","conversation_id":"T1","sender":{"platform_id":"u1","display_name":"Alice"},"content":{"text":"second message"}}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, runEvents(context.Background(), a.pipeline, strings.NewReader(input), &out))

	dec := json.NewDecoder(&out)
	var lines []turnOutput
	for dec.More() {
		var line turnOutput
		require.NoError(t, dec.Decode(&line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)

	first := lines[0]
	assert.NotEmpty(t, first.BranchID)
	assert.True(t, first.Created)
	assert.True(t, first.FirstContact)
	assert.Equal(t, pipeline.StageDone, first.Stage)
	assert.Contains(t, first.Context, "hello there")
	require.NotNil(t, first.Report)
	assert.LessOrEqual(t, first.Report.TotalTokens, first.Report.Budget)

	assert.Contains(t, lines[1].Error, "invalid event")

	second := lines[2]
	assert.Equal(t, first.BranchID, second.BranchID)
	assert.False(t, second.Created)
	assert.False(t, second.FirstContact)
	assert.Contains(t, second.Context, "hello there")
	assert.Contains(t, second.Context, "second message")
}

func TestRunEventsReportsFailedTurn(t *testing.T) {
	a := testApp(t)

	var out bytes.Buffer
	input := `{"channel_type":"telegram","channel_id":"","conversation_id":"T1","sender":{"platform_id":"u1"},"content":{"text":"x"}}`
	require.NoError(t, runEvents(context.Background(), a.pipeline, strings.NewReader(input), &out))

	var line turnOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &line))
	assert.NotEmpty(t, line.Error)
	assert.Empty(t, line.BranchID)
}

func TestIdentityFileWiring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.md")
	require.NoError(t, os.WriteFile(path, []byte("\nYou are Zed.\n"), 0o600))

	cfg := config.Default()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Agent.IdentityFile = path

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.identityFile)
	text, err := a.identity.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "You are Zed.", text)

	cfg.Agent.IdentityFile = filepath.Join(t.TempDir(), "missing.md")
	_, err = newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	assert.Error(t, err)
}

func TestEmbeddingStatusWiring(t *testing.T) {
	a := testApp(t)
	require.NotNil(t, a.embedder)

	a.memories.Retrieve(context.Background(), memory.Query{Text: "anything"})

	st := a.embedder.Status()
	assert.Equal(t, "closed", st.Breaker)
	assert.Equal(t, 64, st.Dimensions)
	assert.Equal(t, uint64(1), st.Metrics.TotalRequests)
}

func TestBudgetFromConfig(t *testing.T) {
	b := budgetFromConfig(config.Default().Context)
	require.NoError(t, b.Validate())
	assert.Equal(t, 6500, b.Total())
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	t.Setenv("ZED_DATA_PATH", t.TempDir())
	t.Setenv("ZED_LOG_LEVEL", "error")

	out, err := executeRoot(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")

	out, err = executeRoot(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "dormant=0")

	out, err = executeRoot(t, "buffer", "list")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = executeRoot(t, "assemble", "--channel", "C9", "--conversation", "T9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no branch")

	_, err = executeRoot(t, "buffer", "clear", "--up-to", "yesterday")
	require.Error(t, err)

	out, err = executeRoot(t, "snapshot", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote ")
	assert.Contains(t, out, "pruned 0")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("ZED_STORAGE_ENGINE", "mongodb")
	_, err := executeRoot(t, "migrate")
	assert.Error(t, err)
}
