package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"listenetl/internal/listen"
	"listenetl/internal/storage"
)

// Store implements storage.Warehouse over a *sql.DB and a Dialect.
type Store struct {
	db      *sql.DB
	d       Dialect
	closers []func()
}

var _ storage.Warehouse = (*Store)(nil)

// New wraps an open database. closers run after the database is closed, for
// resources owned by the backend (e.g. a connection pool).
func New(db *sql.DB, d Dialect, closers ...func()) *Store {
	return &Store{db: db, d: d, closers: closers}
}

// DB exposes the underlying handle for backend-specific setup and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the dialect the store was built with.
func (s *Store) Dialect() Dialect { return s.d }

// Close closes the database and runs the registered closers.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
	for _, c := range s.closers {
		c()
	}
}

// withTx runs fn in one transaction, committing only when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.d.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", s.d.Name, err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryInt(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, query string, args ...any) (int64, error) {
	var n sql.NullInt64
	if err := q.QueryRowContext(ctx, s.d.Rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// EnsureSchema creates every table and index if missing and seeds the key-state rows.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, t := range storage.Schema() {
		stmts, err := BuildCreateStatements(s.d, t)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: create %s: %w", s.d.Name, t.Name, err)
			}
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range storage.KeyStateNames() {
			q := "INSERT INTO etl_key_state (key_name, last_value) SELECT " + s.d.cast(storage.TypeKey) + ", 0 " +
				"WHERE NOT EXISTS (SELECT 1 FROM etl_key_state WHERE key_name = ?)"
			if _, err := s.exec(ctx, tx, q, name, name); err != nil {
				return fmt.Errorf("%s: seed key state %s: %w", s.d.Name, name, err)
			}
		}
		return nil
	})
}

// ResetStaging clears both staging tables in one transaction.
func (s *Store) ResetStaging(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range []string{storage.TableDedup, storage.TableStaging} {
			if _, err := s.exec(ctx, tx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("%s: clear %s: %w", s.d.Name, t, err)
			}
		}
		return nil
	})
}

var stagingColumns = []string{
	"stg_seq", "source_file", "user_id", "track_id", "track_name", "artist_name", "listened_at", "loaded_at",
}

// AppendStaging appends rows in one transaction. stg_seq continues from the current
// maximum so staging order is total across files and runs.
func (s *Store) AppendStaging(ctx context.Context, file string, rows []listen.Listen) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	loadedAt := s.d.bindTime(time.Now())

	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := s.queryInt(ctx, tx, "SELECT COALESCE(MAX(stg_seq), 0) FROM stg_listens")
		if err != nil {
			return fmt.Errorf("%s: read stg_seq: %w", s.d.Name, err)
		}

		per := s.d.maxParams() / len(stagingColumns)
		for start := 0; start < len(rows); start += per {
			end := min(start+per, len(rows))
			chunk := make([][]any, 0, end-start)
			for _, l := range rows[start:end] {
				seq++
				chunk = append(chunk, []any{
					seq, file, l.UserID, l.TrackID, l.TrackName, l.ArtistName, s.d.bindTime(l.ListenedAt), loadedAt,
				})
			}
			q, args := BuildInsertSQL(storage.TableStaging, stagingColumns, chunk)
			n, err := s.exec(ctx, tx, q, args...)
			if err != nil {
				return fmt.Errorf("%s: insert stg_listens: %w", s.d.Name, err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// BuildInsertSQL builds one multi-row INSERT with '?' placeholders.
//
// Constraints:
//   - columns must be non-empty.
//   - every row must have len(columns) values.
func BuildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	tuple := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, row...)
	}
	return b.String(), args
}

const dedupSQL = `INSERT INTO stg_listens_dedup (stg_seq, user_id, track_id, track_name, artist_name, listened_at)
SELECT r.stg_seq, r.user_id, r.track_id, r.track_name, r.artist_name, r.listened_at
FROM (
  SELECT s.stg_seq, s.user_id, s.track_id, s.track_name, s.artist_name, s.listened_at,
         ROW_NUMBER() OVER (PARTITION BY s.user_id, s.track_id, s.listened_at ORDER BY s.stg_seq) AS rn
  FROM stg_listens s
) r
WHERE r.rn = 1`

// Deduplicate fully replaces stg_listens_dedup from stg_listens in one transaction.
func (s *Store) Deduplicate(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, "DELETE FROM stg_listens_dedup"); err != nil {
			return fmt.Errorf("%s: clear stg_listens_dedup: %w", s.d.Name, err)
		}
		var err error
		n, err = s.exec(ctx, tx, dedupSQL)
		if err != nil {
			return fmt.Errorf("%s: dedup: %w", s.d.Name, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// keyBase returns the surrogate-key base for a table: the larger of the persisted
// high-water mark and the current maximum key.
func (s *Store) keyBase(ctx context.Context, tx *sql.Tx, keyName, table, skColumn string) (int64, error) {
	state, err := s.queryInt(ctx, tx,
		"SELECT last_value FROM etl_key_state"+s.d.LockHint+" WHERE key_name = ?"+s.d.ForUpdate, keyName)
	if err != nil {
		return 0, fmt.Errorf("%s: read key state %s: %w", s.d.Name, keyName, err)
	}
	maxSK, err := s.queryInt(ctx, tx, fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", skColumn, table))
	if err != nil {
		return 0, fmt.Errorf("%s: read max %s: %w", s.d.Name, skColumn, err)
	}
	return max(state, maxSK), nil
}

func (s *Store) advanceKey(ctx context.Context, tx *sql.Tx, keyName string, value int64) error {
	if _, err := s.exec(ctx, tx, "UPDATE etl_key_state SET last_value = ? WHERE key_name = ?", value, keyName); err != nil {
		return fmt.Errorf("%s: advance key state %s: %w", s.d.Name, keyName, err)
	}
	return nil
}

func (s *Store) insertUsersSQL() string {
	return `INSERT INTO dim_user (user_sk, user_id, created_at)
SELECT ` + s.d.cast(storage.TypeBigInt) + ` + ROW_NUMBER() OVER (ORDER BY n.user_id), n.user_id, ` + s.d.cast(storage.TypeTimestamp) + `
FROM (
  SELECT DISTINCT d.user_id
  FROM stg_listens_dedup d
  WHERE NOT EXISTS (SELECT 1 FROM dim_user u WHERE u.user_id = d.user_id)
) n`
}

// insertTracksSQL takes name and artist from the first-staged row of each new track.
func (s *Store) insertTracksSQL() string {
	return `INSERT INTO dim_track (track_sk, track_id, track_name, artist_name, created_at)
SELECT ` + s.d.cast(storage.TypeBigInt) + ` + ROW_NUMBER() OVER (ORDER BY f.track_id), f.track_id, f.track_name, f.artist_name, ` + s.d.cast(storage.TypeTimestamp) + `
FROM (
  SELECT d.track_id, d.track_name, d.artist_name,
         ROW_NUMBER() OVER (PARTITION BY d.track_id ORDER BY d.stg_seq) AS rn
  FROM stg_listens_dedup d
  WHERE NOT EXISTS (SELECT 1 FROM dim_track t WHERE t.track_id = d.track_id)
) f
WHERE f.rn = 1`
}

// UpsertDimensions inserts new users and tracks in one transaction. Surrogate keys
// are numbered above the persisted high-water mark in natural-key order, and the
// mark is advanced in the same transaction.
func (s *Store) UpsertDimensions(ctx context.Context, now time.Time) (storage.DimensionStats, error) {
	var st storage.DimensionStats
	created := s.d.bindTime(now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		base, err := s.keyBase(ctx, tx, storage.KeyUserSK, storage.TableUser, "user_sk")
		if err != nil {
			return err
		}
		if st.UsersInserted, err = s.exec(ctx, tx, s.insertUsersSQL(), base, created); err != nil {
			return fmt.Errorf("%s: insert dim_user: %w", s.d.Name, err)
		}
		if err := s.advanceKey(ctx, tx, storage.KeyUserSK, base+st.UsersInserted); err != nil {
			return err
		}

		base, err = s.keyBase(ctx, tx, storage.KeyTrackSK, storage.TableTrack, "track_sk")
		if err != nil {
			return err
		}
		if st.TracksInserted, err = s.exec(ctx, tx, s.insertTracksSQL(), base, created); err != nil {
			return fmt.Errorf("%s: insert dim_track: %w", s.d.Name, err)
		}
		return s.advanceKey(ctx, tx, storage.KeyTrackSK, base+st.TracksInserted)
	})
	if err != nil {
		return storage.DimensionStats{}, err
	}
	return st, nil
}

const orphanSQL = `SELECT COUNT(*) FROM stg_listens_dedup d
WHERE NOT EXISTS (SELECT 1 FROM dim_user u WHERE u.user_id = d.user_id)
   OR NOT EXISTS (SELECT 1 FROM dim_track t WHERE t.track_id = d.track_id)`

func (s *Store) insertFactsSQL() string {
	return `INSERT INTO fact_listen (listen_sk, user_sk, track_sk, listened_at, ingestion_ts)
SELECT ` + s.d.cast(storage.TypeBigInt) + ` + ROW_NUMBER() OVER (ORDER BY d.user_id, d.listened_at, d.track_id),
       u.user_sk, t.track_sk, d.listened_at, ` + s.d.cast(storage.TypeTimestamp) + `
FROM stg_listens_dedup d
JOIN dim_user u ON u.user_id = d.user_id
JOIN dim_track t ON t.track_id = d.track_id
WHERE NOT EXISTS (
  SELECT 1 FROM fact_listen f
  WHERE f.user_sk = u.user_sk AND f.track_sk = t.track_sk AND f.listened_at = d.listened_at
)`
}

// InsertFacts resolves every dedup row against the dimensions and appends the rows
// not yet in fact_listen, in one transaction. Any unresolved row aborts the stage
// with storage.ErrReferentialViolation.
func (s *Store) InsertFacts(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		orphans, err := s.queryInt(ctx, tx, orphanSQL)
		if err != nil {
			return fmt.Errorf("%s: check dimensions: %w", s.d.Name, err)
		}
		if orphans > 0 {
			return fmt.Errorf("%w: %d deduplicated rows have no dimension row", storage.ErrReferentialViolation, orphans)
		}

		base, err := s.keyBase(ctx, tx, storage.KeyListenSK, storage.TableFact, "listen_sk")
		if err != nil {
			return err
		}
		if n, err = s.exec(ctx, tx, s.insertFactsSQL(), base, s.d.bindTime(now)); err != nil {
			return fmt.Errorf("%s: insert fact_listen: %w", s.d.Name, err)
		}
		return s.advanceKey(ctx, tx, storage.KeyListenSK, base+n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

var fileLogColumns = []string{
	"run_id", "source_file", "status", "accepted", "rejected", "staged", "error", "logged_at",
}

// RecordFile appends one audit row.
func (s *Store) RecordFile(ctx context.Context, rec storage.FileRecord) error {
	loggedAt := rec.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = time.Now()
	}
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}

	q, args := BuildInsertSQL(storage.TableFileLog, fileLogColumns, [][]any{{
		rec.RunID, rec.SourceFile, rec.Status,
		int64(rec.Accepted), int64(rec.Rejected), rec.Staged,
		errText, s.d.bindTime(loggedAt),
	}})
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, q, args...); err != nil {
			return fmt.Errorf("%s: insert etl_file_log: %w", s.d.Name, err)
		}
		return nil
	})
}

// Counts returns row counts of the five pipeline tables.
func (s *Store) Counts(ctx context.Context) (storage.TableCounts, error) {
	var c storage.TableCounts
	targets := []struct {
		table string
		dst   *int64
	}{
		{storage.TableStaging, &c.Staging},
		{storage.TableDedup, &c.Dedup},
		{storage.TableUser, &c.Users},
		{storage.TableTrack, &c.Tracks},
		{storage.TableFact, &c.Facts},
	}
	for _, t := range targets {
		n, err := s.queryInt(ctx, s.db, "SELECT COUNT(*) FROM "+t.table)
		if err != nil {
			return storage.TableCounts{}, fmt.Errorf("%s: count %s: %w", s.d.Name, t.table, err)
		}
		*t.dst = n
	}
	return c, nil
}

// SurrogateKeys returns natural key -> surrogate key for one dimension.
func (s *Store) SurrogateKeys(ctx context.Context, dim storage.Dimension) (map[string]int64, error) {
	var q string
	switch dim {
	case storage.DimUser:
		q = "SELECT user_id, user_sk FROM dim_user"
	case storage.DimTrack:
		q = "SELECT track_id, track_sk FROM dim_track"
	default:
		return nil, fmt.Errorf("%s: unknown dimension %q", s.d.Name, dim)
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k any
		var sk int64
		if err := rows.Scan(&k, &sk); err != nil {
			return nil, err
		}
		out[storage.NormalizeKey(k)] = sk
	}
	return out, rows.Err()
}

const factKeysSQL = `SELECT f.listen_sk, u.user_id, t.track_id, f.listened_at
FROM fact_listen f
JOIN dim_user u ON u.user_sk = f.user_sk
JOIN dim_track t ON t.track_sk = f.track_sk
ORDER BY f.listen_sk`

// FactKeys returns all fact rows projected onto natural keys.
func (s *Store) FactKeys(ctx context.Context) ([]storage.FactKey, error) {
	rows, err := s.db.QueryContext(ctx, factKeysSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.FactKey
	for rows.Next() {
		var (
			fk       storage.FactKey
			user     any
			track    any
			listened any
		)
		if err := rows.Scan(&fk.ListenSK, &user, &track, &listened); err != nil {
			return nil, err
		}
		fk.UserID = storage.NormalizeKey(user)
		fk.TrackID = storage.NormalizeKey(track)
		if fk.ListenedAt, err = ScanTime(listened); err != nil {
			return nil, err
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

const danglingSQL = `SELECT COUNT(*) FROM fact_listen f
WHERE NOT EXISTS (SELECT 1 FROM dim_user u WHERE u.user_sk = f.user_sk)
   OR NOT EXISTS (SELECT 1 FROM dim_track t WHERE t.track_sk = f.track_sk)`

// DanglingFacts counts fact rows that reference a missing dimension row.
func (s *Store) DanglingFacts(ctx context.Context) (int64, error) {
	return s.queryInt(ctx, s.db, danglingSQL)
}
