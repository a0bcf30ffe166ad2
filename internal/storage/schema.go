// The table specs live here so the SQL engine and every backend can render them
// without import cycles.
package storage

// LogicalType is a backend-neutral column type; each dialect maps it to DDL.
type LogicalType string

const (
	// TypeKey is a short text column used in keys, unique constraints and indexes.
	TypeKey LogicalType = "key"
	// TypeText is unbounded text.
	TypeText LogicalType = "text"
	// TypeBigInt is a 64-bit integer.
	TypeBigInt LogicalType = "bigint"
	// TypeTimestamp is a UTC timestamp with microsecond precision.
	TypeTimestamp LogicalType = "timestamp"
)

// Table names.
const (
	TableStaging  = "stg_listens"
	TableDedup    = "stg_listens_dedup"
	TableUser     = "dim_user"
	TableTrack    = "dim_track"
	TableFact     = "fact_listen"
	TableKeyState = "etl_key_state"
	TableFileLog  = "etl_file_log"
)

// Key-state names in etl_key_state.
const (
	KeyUserSK   = "user_sk"
	KeyTrackSK  = "track_sk"
	KeyListenSK = "listen_sk"
)

// TableSpec describes one table.
type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	PrimaryKey  []string         `json:"primary_key,omitempty"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	Indexes     []IndexSpec      `json:"indexes,omitempty"`
}

type ColumnSpec struct {
	Name     string      `json:"name"`
	Type     LogicalType `json:"type"`
	Nullable bool        `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

type IndexSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

func col(name string, t LogicalType) ColumnSpec { return ColumnSpec{Name: name, Type: t} }

// Schema returns the full pipeline schema in creation order.
//
// stg_listens_dedup carries no unique constraint: it is rebuilt with DELETE and
// INSERT in one transaction, which some engines reject for unique keys, and the
// dedup query already guarantees uniqueness.
func Schema() []TableSpec {
	return []TableSpec{
		{
			Name: TableStaging,
			Columns: []ColumnSpec{
				col("stg_seq", TypeBigInt),
				col("source_file", TypeText),
				col("user_id", TypeKey),
				col("track_id", TypeKey),
				col("track_name", TypeText),
				col("artist_name", TypeText),
				col("listened_at", TypeTimestamp),
				col("loaded_at", TypeTimestamp),
			},
			PrimaryKey: []string{"stg_seq"},
			Indexes: []IndexSpec{
				{Name: "ix_stg_listens_natural", Columns: []string{"user_id", "track_id", "listened_at"}},
			},
		},
		{
			Name: TableDedup,
			Columns: []ColumnSpec{
				col("stg_seq", TypeBigInt),
				col("user_id", TypeKey),
				col("track_id", TypeKey),
				col("track_name", TypeText),
				col("artist_name", TypeText),
				col("listened_at", TypeTimestamp),
			},
			Indexes: []IndexSpec{
				{Name: "ix_stg_listens_dedup_user", Columns: []string{"user_id"}},
				{Name: "ix_stg_listens_dedup_track", Columns: []string{"track_id"}},
			},
		},
		{
			Name: TableUser,
			Columns: []ColumnSpec{
				col("user_sk", TypeBigInt),
				col("user_id", TypeKey),
				col("created_at", TypeTimestamp),
			},
			PrimaryKey:  []string{"user_sk"},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"user_id"}}},
		},
		{
			Name: TableTrack,
			Columns: []ColumnSpec{
				col("track_sk", TypeBigInt),
				col("track_id", TypeKey),
				col("track_name", TypeText),
				col("artist_name", TypeText),
				col("created_at", TypeTimestamp),
			},
			PrimaryKey:  []string{"track_sk"},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"track_id"}}},
		},
		{
			Name: TableFact,
			Columns: []ColumnSpec{
				col("listen_sk", TypeBigInt),
				col("user_sk", TypeBigInt),
				col("track_sk", TypeBigInt),
				col("listened_at", TypeTimestamp),
				col("ingestion_ts", TypeTimestamp),
			},
			PrimaryKey:  []string{"listen_sk"},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"user_sk", "track_sk", "listened_at"}}},
		},
		{
			Name: TableKeyState,
			Columns: []ColumnSpec{
				col("key_name", TypeKey),
				col("last_value", TypeBigInt),
			},
			PrimaryKey: []string{"key_name"},
		},
		{
			Name: TableFileLog,
			Columns: []ColumnSpec{
				col("run_id", TypeKey),
				col("source_file", TypeText),
				col("status", TypeKey),
				col("accepted", TypeBigInt),
				col("rejected", TypeBigInt),
				col("staged", TypeBigInt),
				{Name: "error", Type: TypeText, Nullable: true},
				col("logged_at", TypeTimestamp),
			},
			Indexes: []IndexSpec{
				{Name: "ix_etl_file_log_run", Columns: []string{"run_id"}},
			},
		},
	}
}

// KeyStateNames lists the surrogate-key counters seeded by EnsureSchema.
func KeyStateNames() []string {
	return []string{KeyUserSK, KeyTrackSK, KeyListenSK}
}
