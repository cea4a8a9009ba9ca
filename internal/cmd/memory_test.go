package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/finagent/internal/memory"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/cache"
)

// execute runs the root command with args against a fresh data directory
// and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestMemoryCommands(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--cwd", dir, "--data-dir", dir}
	run := func(args ...string) (string, error) {
		return execute(t, append(args, base...)...)
	}

	out, err := run("memory", "status", "-u", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice: new\n", out)

	out, err = run("memory", "consolidate", "-u", "alice", "Has an emergency fund", "Owns a house")
	require.NoError(t, err)
	assert.Contains(t, out, "2 facts remembered for alice")

	out, err = run("memory", "consolidate", "-u", "bob")
	require.NoError(t, err, "facts are optional")
	assert.Contains(t, out, "0 facts remembered for bob")

	out, err = run("memory", "profile", "-u", "alice", "--style", "concise", "--depth", "simple")
	require.NoError(t, err)
	assert.Contains(t, out, "Profile updated.")
	assert.Contains(t, out, "Style:             concise")

	out, err = run("memory", "show", "-u", "alice", "--json")
	require.NoError(t, err)
	var shown struct {
		Status memory.Status `json:"status"`
		Record memory.Record `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, memory.StatusExisting, shown.Status)
	assert.ElementsMatch(t, []string{"Has an emergency fund", "Owns a house"}, shown.Record.Facts)
	assert.Equal(t, pipeline.StyleConcise, shown.Record.Profile.Style)
	assert.Equal(t, pipeline.DepthSimple, shown.Record.Profile.ExplanationDepth)
	assert.Equal(t, map[string]string{"style": "concise", "explanation_depth": "simple"}, shown.Record.Preferences)

	_, err = run("memory", "profile", "-u", "alice", "--style", "shouty")
	assert.Error(t, err)

	_, err = run("memory", "reset", "-u", "alice")
	assert.ErrorContains(t, err, "--yes")

	out, err = run("memory", "reset", "-u", "alice", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Memory reset for alice")

	out, err = run("memory", "status", "-u", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice: new\n", out)

	out, err = run("cache", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Bundles:  0")
}

func TestPrintRecord(t *testing.T) {
	rec := memory.NewRecord("bob")
	rec.Turns = 3
	rec.Facts = []string{"Saves monthly"}
	rec.Summary = "Talked about bonds."
	rec.SummaryTokens = 5
	rec.Buffer = []memory.Message{
		{Role: memory.RoleUser, Text: "What is a bond?", At: time.Now()},
		{Role: memory.RoleAgent, Text: "A loan to an issuer.", At: time.Now()},
	}

	var buf bytes.Buffer
	printRecord(&buf, memory.StatusExisting, rec, 2)
	out := buf.String()

	assert.Contains(t, out, "Memory for bob (existing)")
	assert.Contains(t, out, "Turns:    3")
	assert.Contains(t, out, "Episodes: 2")
	assert.Contains(t, out, "Risk tolerance:    medium")
	assert.Contains(t, out, "  - Saves monthly")
	assert.Contains(t, out, "Summary (5 tokens)")
	assert.Contains(t, out, "user: What is a bond?")
	assert.Contains(t, out, "agent: A loan to an issuer.")
	assert.NotContains(t, out, "Preferences:")

	buf.Reset()
	rec.Preferences = map[string]string{"style": "concise", "explanation_depth": "simple"}
	printRecord(&buf, memory.StatusExisting, rec, 2)
	assert.Contains(t, buf.String(), "Preferences:\n  explanation_depth: simple\n  style: concise\n")
}

func TestPrintCacheStats(t *testing.T) {
	var buf bytes.Buffer
	printCacheStats(&buf, cache.Stats{
		Entries: map[cache.Kind]int{cache.KindBundle: 4, cache.KindAnswer: 1},
		Expired: 2,
		ByTag:   map[string]int{"numeric": 1, "general": 4},
	})
	out := buf.String()

	assert.Contains(t, out, "Bundles:  4")
	assert.Contains(t, out, "Answers:  1")
	assert.Contains(t, out, "Expired:  2")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("general:")), bytes.Index(buf.Bytes(), []byte("numeric:")))
}

func TestTruncateStr(t *testing.T) {
	assert.Equal(t, "short", truncateStr("short", 10))
	assert.Equal(t, "abcdefg...", truncateStr("abcdefghijklmnop", 10))
}
