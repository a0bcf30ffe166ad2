package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"listenetl/internal/listen"
	"listenetl/internal/storage"
	"listenetl/internal/storage/sqlstore"
)

func openTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	w, err := Open(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "listens.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(w.Close)
	if err := w.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return w.(*sqlstore.Store)
}

var t0 = time.Date(2019, 3, 1, 10, 0, 0, 0, time.UTC)

func lst(user, track string, at time.Time) listen.Listen {
	return listen.Listen{UserID: user, TrackID: track, TrackName: "name-" + track, ArtistName: "artist-" + track, ListenedAt: at}
}

// runGlobal runs dedup, dimensions and facts and fails the test on any error.
func runGlobal(t *testing.T, s *sqlstore.Store) (deduped int64, dims storage.DimensionStats, facts int64) {
	t.Helper()
	ctx := context.Background()
	var err error
	if deduped, err = s.Deduplicate(ctx); err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	if dims, err = s.UpsertDimensions(ctx, time.Now()); err != nil {
		t.Fatalf("UpsertDimensions: %v", err)
	}
	if facts, err = s.InsertFacts(ctx, time.Now()); err != nil {
		t.Fatalf("InsertFacts: %v", err)
	}
	return deduped, dims, facts
}

func mustCounts(t *testing.T, s *sqlstore.Store) storage.TableCounts {
	t.Helper()
	c, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	return c
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 2; i++ {
		if err := s.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("EnsureSchema #%d: %v", i+2, err)
		}
	}

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM etl_key_state").Scan(&n); err != nil {
		t.Fatalf("count key state: %v", err)
	}
	if n != len(storage.KeyStateNames()) {
		t.Fatalf("etl_key_state rows=%d, want %d", n, len(storage.KeyStateNames()))
	}
}

func TestPipelineSQL_ByteIdenticalDuplicate(t *testing.T) {
	// Two identical listens for u1 / "Song A" / "Artist X" at 2019-03-01T10:00:00
	// collapse into exactly one user, one track and one fact.
	s := openTestStore(t)
	ctx := context.Background()

	trackID := listen.CompositeTrackID("Artist X", "Song A")
	l := listen.Listen{UserID: "u1", TrackID: trackID, TrackName: "Song A", ArtistName: "Artist X", ListenedAt: t0}

	n, err := s.AppendStaging(ctx, "a.json", []listen.Listen{l, l})
	if err != nil || n != 2 {
		t.Fatalf("AppendStaging n=%d err=%v, want 2 rows", n, err)
	}

	deduped, dims, facts := runGlobal(t, s)
	if deduped != 1 || dims.UsersInserted != 1 || dims.TracksInserted != 1 || facts != 1 {
		t.Fatalf("deduped=%d dims=%+v facts=%d, want 1/1/1/1", deduped, dims, facts)
	}

	c := mustCounts(t, s)
	want := storage.TableCounts{Staging: 2, Dedup: 1, Users: 1, Tracks: 1, Facts: 1}
	if c != want {
		t.Fatalf("counts=%+v, want %+v", c, want)
	}

	fk, err := s.FactKeys(ctx)
	if err != nil {
		t.Fatalf("FactKeys: %v", err)
	}
	if len(fk) != 1 || fk[0].UserID != "u1" || fk[0].TrackID != trackID || !fk[0].ListenedAt.Equal(t0) {
		t.Fatalf("unexpected fact keys %+v", fk)
	}
}

func TestDeduplicate_FirstStagedWinsAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := lst("u1", "t1", t0)
	first.TrackName = "Original Title"
	drift := first
	drift.TrackName = "Drifted Title"

	if _, err := s.AppendStaging(ctx, "a.json", []listen.Listen{first, lst("u2", "t1", t0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendStaging(ctx, "b.json", []listen.Listen{drift}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		n, err := s.Deduplicate(ctx)
		if err != nil {
			t.Fatalf("Deduplicate #%d: %v", i+1, err)
		}
		if n != 2 {
			t.Fatalf("Deduplicate #%d kept %d rows, want 2", i+1, n)
		}
	}

	var name string
	if err := s.DB().QueryRow("SELECT track_name FROM stg_listens_dedup WHERE user_id = 'u1'").Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Original Title" {
		t.Fatalf("surviving track_name=%q, want the first-staged row", name)
	}

	if _, err := s.UpsertDimensions(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.DB().QueryRow("SELECT track_name FROM dim_track WHERE track_id = 't1'").Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Original Title" {
		t.Fatalf("dim_track.track_name=%q, want first-seen metadata", name)
	}
}

func TestAppendStaging_ChunksAndKeepsSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const rows = 9000 // 72000 bind parameters, more than two statements
	batch := make([]listen.Listen, 0, rows)
	for i := 0; i < rows; i++ {
		batch = append(batch, lst(fmt.Sprintf("u%d", i%50), fmt.Sprintf("t%d", i%70), t0.Add(time.Duration(i)*time.Second)))
	}

	n, err := s.AppendStaging(ctx, "big.json", batch)
	if err != nil {
		t.Fatalf("AppendStaging: %v", err)
	}
	if n != rows {
		t.Fatalf("staged=%d, want %d", n, rows)
	}
	if _, err := s.AppendStaging(ctx, "next.json", batch[:10]); err != nil {
		t.Fatal(err)
	}

	var minSeq, maxSeq, count int64
	if err := s.DB().QueryRow("SELECT MIN(stg_seq), MAX(stg_seq), COUNT(*) FROM stg_listens").Scan(&minSeq, &maxSeq, &count); err != nil {
		t.Fatal(err)
	}
	if minSeq != 1 || maxSeq != rows+10 || count != rows+10 {
		t.Fatalf("stg_seq range [%d,%d] count=%d, want contiguous 1..%d", minSeq, maxSeq, count, rows+10)
	}
}

func TestSurrogateKeys_StableAcrossRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []listen.Listen{lst("bob", "t2", t0), lst("alice", "t1", t0), lst("alice", "t2", t0.Add(time.Minute))}
	if _, err := s.AppendStaging(ctx, "a.json", batch); err != nil {
		t.Fatal(err)
	}
	runGlobal(t, s)

	users1, _ := s.SurrogateKeys(ctx, storage.DimUser)
	tracks1, _ := s.SurrogateKeys(ctx, storage.DimTrack)
	if users1["alice"] != 1 || users1["bob"] != 2 {
		t.Fatalf("user keys %v, want natural-key order alice=1 bob=2", users1)
	}

	// Second run over the same data after a staging reset adds nothing.
	if err := s.ResetStaging(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendStaging(ctx, "a.json", batch); err != nil {
		t.Fatal(err)
	}
	_, dims, facts := runGlobal(t, s)
	if dims.UsersInserted != 0 || dims.TracksInserted != 0 || facts != 0 {
		t.Fatalf("re-run inserted dims=%+v facts=%d, want nothing", dims, facts)
	}

	users2, _ := s.SurrogateKeys(ctx, storage.DimUser)
	tracks2, _ := s.SurrogateKeys(ctx, storage.DimTrack)
	for k, v := range users1 {
		if users2[k] != v {
			t.Fatalf("user %s renumbered %d -> %d", k, v, users2[k])
		}
	}
	for k, v := range tracks1 {
		if tracks2[k] != v {
			t.Fatalf("track %s renumbered %d -> %d", k, v, tracks2[k])
		}
	}

	// A new user is numbered above every existing key.
	if _, err := s.AppendStaging(ctx, "b.json", []listen.Listen{lst("aaron", "t1", t0)}); err != nil {
		t.Fatal(err)
	}
	runGlobal(t, s)
	users3, _ := s.SurrogateKeys(ctx, storage.DimUser)
	if users3["aaron"] != 3 {
		t.Fatalf("new user key=%d, want 3", users3["aaron"])
	}
}

func TestSurrogateKeys_NeverReused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendStaging(ctx, "a.json", []listen.Listen{lst("u1", "t1", t0), lst("u2", "t1", t0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Deduplicate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertDimensions(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	// Remove the highest key behind the pipeline's back; the persisted high-water
	// mark still prevents reuse.
	if _, err := s.DB().Exec("DELETE FROM dim_user WHERE user_sk = 2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendStaging(ctx, "b.json", []listen.Listen{lst("u3", "t1", t0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Deduplicate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertDimensions(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	keys, err := s.SurrogateKeys(ctx, storage.DimUser)
	if err != nil {
		t.Fatal(err)
	}
	if keys["u3"] <= 2 {
		t.Fatalf("u3 got key %d; keys must never be reused", keys["u3"])
	}
}

func TestInsertFacts_ReferentialViolationRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendStaging(ctx, "a.json", []listen.Listen{lst("u1", "t1", t0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Deduplicate(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := s.InsertFacts(ctx, time.Now())
	if !errors.Is(err, storage.ErrReferentialViolation) {
		t.Fatalf("InsertFacts err=%v, want ErrReferentialViolation", err)
	}
	if c := mustCounts(t, s); c.Facts != 0 {
		t.Fatalf("facts=%d after violation, want 0", c.Facts)
	}

	var last int64
	if err := s.DB().QueryRow("SELECT last_value FROM etl_key_state WHERE key_name = 'listen_sk'").Scan(&last); err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Fatalf("listen_sk state advanced to %d by a failed stage", last)
	}
}

func TestInsertFacts_AntiJoinAndIntegrity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendStaging(ctx, "a.json", []listen.Listen{lst("u1", "t1", t0), lst("u1", "t2", t0)}); err != nil {
		t.Fatal(err)
	}
	runGlobal(t, s)

	// Overlapping second batch: one old listen, one new.
	if _, err := s.AppendStaging(ctx, "b.json", []listen.Listen{lst("u1", "t1", t0), lst("u2", "t1", t0)}); err != nil {
		t.Fatal(err)
	}
	_, _, facts := runGlobal(t, s)
	if facts != 1 {
		t.Fatalf("second run inserted %d facts, want 1", facts)
	}

	fk, err := s.FactKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fk) != 3 {
		t.Fatalf("facts=%d, want 3", len(fk))
	}
	for i, f := range fk {
		if f.ListenSK != int64(i+1) {
			t.Fatalf("listen_sk sequence broken at %d: %+v", i, fk)
		}
	}

	dangling, err := s.DanglingFacts(ctx)
	if err != nil || dangling != 0 {
		t.Fatalf("DanglingFacts=%d err=%v, want 0", dangling, err)
	}
}

func TestTimestamps_MicrosecondRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2020, 2, 29, 23, 59, 59, 123456000, time.UTC)
	if _, err := s.AppendStaging(ctx, "a.json", []listen.Listen{lst("u", "t", at)}); err != nil {
		t.Fatal(err)
	}
	runGlobal(t, s)

	fk, err := s.FactKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fk) != 1 || !fk[0].ListenedAt.Equal(at) {
		t.Fatalf("listened_at=%v, want %v", fk, at)
	}
}

func TestRecordFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []storage.FileRecord{
		{RunID: "r1", SourceFile: "a.json", Status: "staged", Accepted: 3, Rejected: 1, Staged: 3},
		{RunID: "r1", SourceFile: "bad.json", Status: "skipped", Error: "unreadable"},
	}
	for _, r := range recs {
		if err := s.RecordFile(ctx, r); err != nil {
			t.Fatalf("RecordFile: %v", err)
		}
	}

	rows, err := s.DB().Query("SELECT source_file, status, staged, error FROM etl_file_log WHERE run_id = 'r1' ORDER BY source_file")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var file, status string
		var staged int64
		var errText *string
		if err := rows.Scan(&file, &status, &staged, &errText); err != nil {
			t.Fatal(err)
		}
		e := "<nil>"
		if errText != nil {
			e = *errText
		}
		got = append(got, fmt.Sprintf("%s/%s/%d/%s", file, status, staged, e))
	}
	want := "a.json/staged/3/<nil>,bad.json/skipped/0/unreadable"
	if strings.Join(got, ",") != want {
		t.Fatalf("etl_file_log rows=%v, want %s", got, want)
	}
}

func TestWithPragmas(t *testing.T) {
	if got := withPragmas("/tmp/x.db"); !strings.Contains(got, "busy_timeout") {
		t.Fatalf("withPragmas did not add pragmas: %q", got)
	}
	if got := withPragmas("file:x.db?mode=ro"); got != "file:x.db?mode=ro" {
		t.Fatalf("withPragmas rewrote explicit DSN: %q", got)
	}
}
