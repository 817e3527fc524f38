package main

import (
	"bytes"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) *Report {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(t.Context()))

	var r Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &r))
	return &r
}

func TestSortCommand(t *testing.T) {
	r := execute(t, "sort", "--rows", "3000", "--queries", "3", "--workers", "2", "--reserve-kb", "64", "--compression", "zstd", "--distribution", "zipf")
	assert.Equal(t, "sort", r.Command)
	require.Len(t, r.Queries, 3)
	for i, q := range r.Queries {
		assert.Equal(t, i, q.Query)
		assert.Equal(t, 3000, q.Rows)
		assert.Positive(t, q.Distinct)
		assert.LessOrEqual(t, q.Distinct, 3000)
		assert.GreaterOrEqual(t, q.Height, 1)
	}
	assert.Positive(t, r.Stats.Spills)
	assert.Equal(t, r.Stats.Spills, r.Metrics.SpillCount)
	assert.Zero(t, r.Stats.TupleBuffers)
	assert.Zero(t, r.Stats.STrees)
}

func TestLobCommand(t *testing.T) {
	t.Setenv("BUFBENCH_RESERVE_KB", "0")
	t.Setenv("BUFBENCH_STORAGE_DIR", t.TempDir())
	r := execute(t, "lob", "--count", "20", "--size", "16384")
	require.NotNil(t, r.Lobs)
	assert.Equal(t, 20, r.Lobs.Verified)
	assert.Equal(t, 20, r.Lobs.Tracked)
	assert.Equal(t, int64(20*16384), r.Lobs.PersistedBytes)
	assert.Positive(t, r.Stats.StorageBytes)
}

func TestConfigErrors(t *testing.T) {
	for _, args := range [][]string{
		{"sort", "--compression", "snappy"},
		{"sort", "--workers", "0"},
		{"sort", "--distribution", "normal"},
		{"lob", "--log-level", "loud"},
	} {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs(args)
		assert.Error(t, cmd.ExecuteContext(t.Context()), "%v", args)
	}
}
