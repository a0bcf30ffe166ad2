package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"listenetl/internal/storage"
	"listenetl/internal/storage/sqlite"
)

func openWarehouse(t *testing.T) storage.Warehouse {
	t.Helper()
	w, err := sqlite.Open(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "listens.db")})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func newDriver(w storage.Warehouse, mutate ...func(*Options)) *Driver {
	opts := Options{
		Workers:      3,
		Granularity:  GranularityBatch,
		ResetStaging: true,
		Backend:      "sqlite",
		Logger:       zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewDriver(w, opts)
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func ndjson(lines ...string) string { return strings.Join(lines, "\n") + "\n" }

func ev(user, track, artist string, at int64) string {
	return fmt.Sprintf(`{"user_id":%q,"listened_at":%d,"track_metadata":{"track_name":%q,"artist_name":%q}}`, user, at, track, artist)
}

const march1 = 1551434400 // 2019-03-01T10:00:00Z

// naturalFacts projects fact_listen onto natural keys, sorted.
func naturalFacts(t *testing.T, w storage.Warehouse) []string {
	t.Helper()
	keys, err := w.FactKeys(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.UserID+"|"+k.TrackID+"|"+k.ListenedAt.UTC().Format(time.RFC3339Nano))
	}
	sort.Strings(out)
	return out
}

func TestRun_ByteIdenticalDuplicateYieldsOneFact(t *testing.T) {
	line := ev("u1", "Song A", "Artist X", march1)
	dir := writeFiles(t, map[string]string{"export.json": ndjson(line, line)})
	w := openWarehouse(t)

	rep, err := newDriver(w).Run(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, rep.Succeeded())
	require.Equal(t, storage.TableCounts{Staging: 2, Dedup: 1, Users: 1, Tracks: 1, Facts: 1}, *rep.Counts)

	require.Len(t, rep.Files, 1)
	require.Equal(t, FileStaged, rep.Files[0].State)
	require.Equal(t, "export.json", rep.Files[0].Path)
	require.EqualValues(t, 2, rep.Files[0].Staged)

	require.Len(t, rep.Stages, 3)
	for i, st := range GlobalStages {
		require.Equal(t, st, rep.Stages[i].Stage)
		require.Equal(t, StageCommitted, rep.Stages[i].State)
	}

	dangling, err := w.DanglingFacts(context.Background())
	require.NoError(t, err)
	require.Zero(t, dangling)
}

func TestRun_IdempotentWithStableKeys(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.json": ndjson(ev("alice", "T1", "A1", march1), ev("bob", "T2", "A2", march1+60)),
		"b.json": ndjson(ev("alice", "T2", "A2", march1+120)),
	})
	w := openWarehouse(t)
	d := newDriver(w)
	ctx := context.Background()

	first, err := d.Run(ctx, dir)
	require.NoError(t, err)
	users1, err := w.SurrogateKeys(ctx, storage.DimUser)
	require.NoError(t, err)
	tracks1, err := w.SurrogateKeys(ctx, storage.DimTrack)
	require.NoError(t, err)
	facts1 := naturalFacts(t, w)

	second, err := d.Run(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, first.Counts.Facts, second.Counts.Facts)
	require.NotEqual(t, first.RunID, second.RunID)

	users2, err := w.SurrogateKeys(ctx, storage.DimUser)
	require.NoError(t, err)
	tracks2, err := w.SurrogateKeys(ctx, storage.DimTrack)
	require.NoError(t, err)
	require.Equal(t, users1, users2)
	require.Equal(t, tracks1, tracks2)
	require.Equal(t, facts1, naturalFacts(t, w))

	for _, st := range second.Stages {
		if st.Stage != StageDedup {
			require.Zero(t, st.Rows, "stage %s should be a no-op on rerun", st.Stage)
		}
	}
}

func TestRun_UnionEquivalence(t *testing.T) {
	a := ndjson(ev("u1", "S1", "X", march1), ev("u2", "S2", "Y", march1+1))
	b := ndjson(ev("u1", "S1", "X", march1), ev("u3", "S3", "Z", march1+2), ev("u2", "S1", "X", march1+3))
	ctx := context.Background()

	split := openWarehouse(t)
	_, err := newDriver(split).Run(ctx, writeFiles(t, map[string]string{"a.json": a}))
	require.NoError(t, err)
	_, err = newDriver(split).Run(ctx, writeFiles(t, map[string]string{"b.json": b}))
	require.NoError(t, err)

	union := openWarehouse(t)
	_, err = newDriver(union).Run(ctx, writeFiles(t, map[string]string{"a.json": a, "b.json": b}))
	require.NoError(t, err)

	require.Equal(t, naturalFacts(t, union), naturalFacts(t, split))
	require.Len(t, naturalFacts(t, union), 4)
}

func TestRun_CorruptFileIsSkipped(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"1-good.json":    ndjson(ev("u1", "S1", "X", march1)),
		"2-corrupt.json": `{"user_id":"u9","listened_at":` + "\n" + `{not json}`,
		"3-good.json":    ndjson(ev("u2", "S2", "Y", march1), `{"listened_at":1}`),
		"notes.txt":      "ignored",
	})
	w := openWarehouse(t)

	rep, err := newDriver(w).Run(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, rep.Succeeded())

	require.Len(t, rep.Files, 3)
	require.Equal(t, []FileState{FileStaged, FileSkipped, FileStaged},
		[]FileState{rep.Files[0].State, rep.Files[1].State, rep.Files[2].State})
	require.NotEmpty(t, rep.Files[1].Error)
	require.Zero(t, rep.Files[1].Staged)
	require.Equal(t, 1, rep.Files[2].Rejected)
	require.Equal(t, 1, rep.Files[2].Reasons["missing_user_id"])

	require.EqualValues(t, 2, rep.Counts.Staging)
	require.EqualValues(t, 2, rep.Counts.Facts)
	users, err := w.SurrogateKeys(context.Background(), storage.DimUser)
	require.NoError(t, err)
	require.NotContains(t, users, "u9")
}

func TestRun_FileGranularityMatchesBatch(t *testing.T) {
	files := map[string]string{
		"a.json": ndjson(ev("u1", "S1", "X", march1), ev("u1", "S1", "X", march1)),
		"b.json": ndjson(ev("u2", "S1", "X", march1), ev("u1", "S2", "Y", march1+5)),
		"c.json": ndjson(ev("u1", "S1", "X", march1)),
	}
	ctx := context.Background()

	batch := openWarehouse(t)
	_, err := newDriver(batch).Run(ctx, writeFiles(t, files))
	require.NoError(t, err)

	perFile := openWarehouse(t)
	rep, err := newDriver(perFile, func(o *Options) { o.Granularity = GranularityFile }).Run(ctx, writeFiles(t, files))
	require.NoError(t, err)
	require.Len(t, rep.Stages, 3*len(files))

	require.Equal(t, naturalFacts(t, batch), naturalFacts(t, perFile))
	bu, err := batch.SurrogateKeys(ctx, storage.DimUser)
	require.NoError(t, err)
	pu, err := perFile.SurrogateKeys(ctx, storage.DimUser)
	require.NoError(t, err)
	require.Equal(t, bu, pu)
}

func TestStageOnlyThenGlobalStages(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": ndjson(ev("u1", "S1", "X", march1), ev("u2", "S2", "Y", march1))})
	w := openWarehouse(t)
	d := newDriver(w)
	ctx := context.Background()

	rep, err := d.StageOnly(ctx, dir)
	require.NoError(t, err)
	require.Empty(t, rep.Stages)
	require.EqualValues(t, 2, rep.Counts.Staging)
	require.Zero(t, rep.Counts.Facts)

	for _, st := range GlobalStages {
		rep, err := d.RunGlobal(ctx, st)
		require.NoError(t, err)
		require.Len(t, rep.Stages, 1)
		require.Equal(t, StageCommitted, rep.Stages[0].State)
	}
	// Retrying a task node changes nothing.
	rep, err = d.RunGlobal(ctx, StageFacts)
	require.NoError(t, err)
	require.Zero(t, rep.Stages[0].Rows)
	require.EqualValues(t, 2, rep.Counts.Facts)
}

func TestRunGlobal_UnknownStage(t *testing.T) {
	d := newDriver(openWarehouse(t))
	rep, err := d.RunGlobal(context.Background(), StageStage)
	require.Error(t, err)
	require.False(t, rep.Succeeded())
}

func TestRun_SyntaxErrorAfterValidRecordsSkipsWholeFile(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"1-good.json":    ndjson(ev("u1", "S1", "X", march1)),
		"2-corrupt.json": ndjson(ev("u9", "S9", "Z", march1), `{"user_id":"u8","listened_at": }`),
	})
	w := openWarehouse(t)

	rep, err := newDriver(w).Run(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, rep.Files, 2)
	require.Equal(t, FileSkipped, rep.Files[1].State)
	require.Zero(t, rep.Files[1].Staged)

	require.EqualValues(t, 1, rep.Counts.Staging)
	require.EqualValues(t, 1, rep.Counts.Facts)
	users, err := w.SurrogateKeys(context.Background(), storage.DimUser)
	require.NoError(t, err)
	require.NotContains(t, users, "u9")
	require.NotContains(t, users, "u8")
}

// violatingWarehouse fails fact building the way a broken dimension stage would.
type violatingWarehouse struct {
	storage.Warehouse
}

func (violatingWarehouse) InsertFacts(context.Context, time.Time) (int64, error) {
	return 0, fmt.Errorf("%w: 1 dedup row(s) without dimension match", storage.ErrReferentialViolation)
}

func TestRun_ReferentialViolationIsFatal(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": ndjson(ev("u1", "S1", "X", march1))})
	w := violatingWarehouse{Warehouse: openWarehouse(t)}

	rep, err := newDriver(w).Run(context.Background(), dir)
	require.ErrorIs(t, err, storage.ErrReferentialViolation)
	require.False(t, rep.Succeeded())
	require.Contains(t, rep.Fatal, "referential violation")

	last := rep.Stages[len(rep.Stages)-1]
	require.Equal(t, StageFacts, last.Stage)
	require.Equal(t, StageFailed, last.State)
	require.Zero(t, rep.Counts.Facts)
}

func TestRun_MissingInputDirIsFatal(t *testing.T) {
	_, err := newDriver(openWarehouse(t)).Run(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestRun_ManyFilesKeepDiscoveryOrder(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 25; i++ {
		files[fmt.Sprintf("f%02d.json", i)] = ndjson(ev(fmt.Sprintf("u%d", i), "S", "X", march1+int64(i)))
	}
	w := openWarehouse(t)
	rep, err := newDriver(w, func(o *Options) { o.Workers = 4 }).Run(context.Background(), writeFiles(t, files))
	require.NoError(t, err)
	require.Len(t, rep.Files, 25)
	for i, f := range rep.Files {
		require.Equal(t, fmt.Sprintf("f%02d.json", i), f.Path)
	}

	// Users are keyed in natural-key order within the single dimension pass.
	users, err := w.SurrogateKeys(context.Background(), storage.DimUser)
	require.NoError(t, err)
	require.Len(t, users, 25)
	require.EqualValues(t, 1, users["u0"])
}

func TestRun_ResetStagingDisabledAccumulates(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": ndjson(ev("u1", "S1", "X", march1))})
	w := openWarehouse(t)
	d := newDriver(w, func(o *Options) { o.ResetStaging = false })

	_, err := d.Run(context.Background(), dir)
	require.NoError(t, err)
	rep, err := d.Run(context.Background(), dir)
	require.NoError(t, err)
	require.EqualValues(t, 2, rep.Counts.Staging)
	require.EqualValues(t, 1, rep.Counts.Dedup)
	require.EqualValues(t, 1, rep.Counts.Facts)
}

func TestReport_WriteJSON(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": ndjson(ev("u1", "S1", "X", march1))})
	rep, err := newDriver(openWarehouse(t)).Run(context.Background(), dir)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, rep.RunID, decoded["run_id"])
	require.NotContains(t, decoded, "fatal")
	counts := decoded["counts"].(map[string]any)
	require.EqualValues(t, 1, counts["fact_listen"])
}

func TestDiscover(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"b.JSON":          "{}",
		"a.json":          "{}",
		"readme.md":       "",
		"nested/c.json":   "{}",
		"nested/d.txt":    "",
		"nested/x/e.json": "{}",
	})

	flat, err := Discover(dir, false)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.JSON")}, flat)

	deep, err := Discover(dir, true)
	require.NoError(t, err)
	require.Len(t, deep, 4)
	require.Contains(t, deep, filepath.Join(dir, "nested", "x", "e.json"))
}

func TestVerify_CleanWarehouse(t *testing.T) {
	line := ev("u1", "Song A", "Artist X", march1)
	dir := writeFiles(t, map[string]string{"export.json": ndjson(line, line, ev("u2", "Song B", "Y", march1))})
	w := openWarehouse(t)
	_, err := newDriver(w).Run(context.Background(), dir)
	require.NoError(t, err)

	got, err := Verify(context.Background(), w)
	require.NoError(t, err)
	require.True(t, got.OK(), "%+v", got)
}

// keyFaultWarehouse reports corrupted verification data on top of a real warehouse.
type keyFaultWarehouse struct {
	storage.Warehouse
	dangling int64
}

func (k keyFaultWarehouse) DanglingFacts(context.Context) (int64, error) { return k.dangling, nil }

func (k keyFaultWarehouse) FactKeys(ctx context.Context) ([]storage.FactKey, error) {
	keys, err := k.Warehouse.FactKeys(ctx)
	if err != nil || len(keys) == 0 {
		return keys, err
	}
	return append(keys, keys[0]), nil
}

func (k keyFaultWarehouse) SurrogateKeys(ctx context.Context, dim storage.Dimension) (map[string]int64, error) {
	keys, err := k.Warehouse.SurrogateKeys(ctx, dim)
	if err != nil {
		return nil, err
	}
	if dim == storage.DimUser {
		keys["ghost"] = keys["u1"]
	}
	return keys, nil
}

func TestVerify_ReportsEveryFault(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": ndjson(ev("u1", "S1", "X", march1))})
	base := openWarehouse(t)
	_, err := newDriver(base).Run(context.Background(), dir)
	require.NoError(t, err)

	got, err := Verify(context.Background(), keyFaultWarehouse{Warehouse: base, dangling: 2})
	require.NoError(t, err)
	require.Equal(t, Integrity{DanglingFacts: 2, DuplicateFacts: 1, SharedUserKeys: 1}, got)
	require.False(t, got.OK())
}

func TestRun_DanglingFactsAfterInsertAreFatal(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": ndjson(ev("u1", "S1", "X", march1))})
	w := keyFaultWarehouse{Warehouse: openWarehouse(t), dangling: 1}

	rep, err := newDriver(w).Run(context.Background(), dir)
	require.ErrorIs(t, err, storage.ErrReferentialViolation)
	last := rep.Stages[len(rep.Stages)-1]
	require.Equal(t, StageFacts, last.Stage)
	require.Equal(t, StageFailed, last.State)
}
