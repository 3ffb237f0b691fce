package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hamstore/internal/engine"
	"github.com/rcliao/hamstore/internal/model"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("HAMSTORE_DB_PATH", filepath.Join(dir, "ham.db"))
	t.Setenv("HAMSTORE_KEYS_FILE", filepath.Join(dir, "keys.yaml"))
	t.Setenv("HAMSTORE_EMBEDDING_DIMS", "64")
	t.Setenv("HAMSTORE_LOG_LEVEL", "error")
	return dir
}

// resetFlags restores every flag set by a previous run; cobra keeps parsed
// values on the shared command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	resetFlags(RootCmd)
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs(args)
	require.NoError(t, RootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestRememberGetRotate(t *testing.T) {
	dir := setupEnv(t)

	created := decode[map[string]string](t, run(t, "keys", "init"))
	assert.Equal(t, "v1", created["current"])
	assert.Equal(t, filepath.Join(dir, "keys.yaml"), created["file"])

	id := decode[map[string]string](t, run(t, "remember", "--tags", "ops,Coffee", "Alice prefers dark roast coffee."))["id"]
	require.NotEmpty(t, id)

	rec := decode[engine.Recall](t, run(t, "get", id))
	assert.Equal(t, id, rec.Meta.ID)
	assert.Equal(t, 1, rec.Meta.AccessCount)
	assert.Equal(t, []string{"coffee", "ops"}, rec.Meta.Tags)
	assert.Equal(t, "cli", rec.Meta.Source)
	assert.Equal(t, "Alice prefers dark roast coffee.", rec.Param.Gist.Summary)

	hits := decode[[]hitView](t, run(t, "query", "coffee"))
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, "ok", hits[0].Outcome)
	require.NotNil(t, hits[0].Distance)

	rot := decode[struct {
		Current  string                   `json:"current"`
		Versions []string                 `json:"versions"`
		Reseal   engine.MaintenanceReport `json:"reseal"`
	}](t, run(t, "keys", "rotate", "--reseal"))
	assert.Equal(t, "v2", rot.Current)
	assert.Equal(t, []string{"v1", "v2"}, rot.Versions)
	assert.Equal(t, 1, rot.Reseal.Updated)

	rec = decode[engine.Recall](t, run(t, "get", id))
	assert.Equal(t, "v2", rec.Meta.KeyVersion)

	gist := run(t, "get", "--gist", id)
	assert.True(t, strings.HasPrefix(gist, "Summary: Alice prefers dark roast coffee."), gist)
}

func TestLineageCommands(t *testing.T) {
	setupEnv(t)
	run(t, "keys", "init")

	parent := decode[map[string]string](t, run(t, "remember", "Raw notes from the planning meeting."))["id"]
	child := decode[map[string]string](t, run(t, "remember", "--parent", parent, "--rel", "summarizes", "Planning moved to June."))["id"]
	other := decode[map[string]string](t, run(t, "remember", "June needs a venue."))["id"]

	edge := decode[model.DerivationEdge](t, run(t, "link", other, child))
	assert.Equal(t, model.RelDerivedFrom, edge.Relation)

	chain := decode[[]string](t, run(t, "lineage", other))
	assert.Equal(t, []string{parent, child, other}, chain)

	desc := decode[[]string](t, run(t, "descendants", parent))
	assert.ElementsMatch(t, []string{child, other}, desc)

	run(t, "rm", child)
	assert.Equal(t, []string{other}, decode[[]string](t, run(t, "lineage", other)))
	assert.Equal(t, []string{}, decode[[]string](t, run(t, "descendants", parent)))

	stats := decode[map[string]any](t, run(t, "stats"))
	assert.EqualValues(t, 2, stats["packages"])
	assert.EqualValues(t, 2, stats["indexed"])
}

func TestRememberWithChosenID(t *testing.T) {
	setupEnv(t)
	run(t, "keys", "init")

	out := decode[map[string]string](t, run(t, "remember", "--id", "standup-notes", "Standup moved to ten."))
	assert.Equal(t, "standup-notes", out["id"])

	rec := decode[engine.Recall](t, run(t, "get", "standup-notes"))
	assert.Equal(t, "Standup moved to ten.", rec.Param.Gist.Summary)
}

func TestViewHits(t *testing.T) {
	hits := []engine.Hit{
		{Recall: engine.Recall{
			Meta:  model.PackageMeta{ID: "a", Tags: []string{"x"}},
			Param: &model.DeepParameter{Gist: model.Gist{Summary: "A.", Keywords: []string{"a"}}},
		}, Distance: 0.25},
		{Recall: engine.Recall{Meta: model.PackageMeta{ID: "b"}}, Distance: math.Inf(1), Keyword: true},
		{Recall: engine.Recall{Meta: model.PackageMeta{ID: "c"}}, Distance: 0.5,
			Err: model.NewPackageError("open", "c", model.ErrIntegrity, errors.New("bad tag"))},
	}
	views := viewHits(hits, true)
	require.Len(t, views, 3)

	assert.Equal(t, "A.", views[0].Summary)
	require.NotNil(t, views[0].Distance)
	assert.Equal(t, 0.25, *views[0].Distance)
	assert.Equal(t, "ok", views[0].Outcome)

	assert.Nil(t, views[1].Distance)
	assert.True(t, views[1].Keyword)

	assert.Equal(t, "unreadable", views[2].Outcome)
	assert.Contains(t, views[2].Error, "bad tag")

	_, err := json.Marshal(views)
	assert.NoError(t, err, "keyword hits must not leak an infinite distance")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))

	assert.Equal(t, "v1", nextVersion(nil))
	assert.Equal(t, "v3", nextVersion([]string{"v1", "v2"}))
	assert.Equal(t, "v4", nextVersion([]string{"v2", "v3", "v9"}))

	ts, err := parseTime("2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), ts)
	ts, err = parseTime("2026-05-01T08:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 8, ts.Hour())
	zero, err := parseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
