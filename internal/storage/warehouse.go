package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"listenetl/internal/listen"
)

// Config is the minimal configuration needed to open a warehouse.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

var (
	// ErrUnknownKind is returned by Open for kinds no backend registered.
	ErrUnknownKind = errors.New("storage: unknown kind")

	// ErrReferentialViolation means a deduplicated staging row has no matching
	// dimension row when facts are built. It is fatal for the run.
	ErrReferentialViolation = errors.New("storage: referential violation")
)

// Dimension names one of the two dimension tables.
type Dimension string

const (
	DimUser  Dimension = "user"
	DimTrack Dimension = "track"
)

// DimensionStats reports the rows added by one UpsertDimensions call.
type DimensionStats struct {
	UsersInserted  int64 `json:"users_inserted"`
	TracksInserted int64 `json:"tracks_inserted"`
}

// TableCounts is a row count snapshot of the pipeline tables.
type TableCounts struct {
	Staging int64 `json:"stg_listens"`
	Dedup   int64 `json:"stg_listens_dedup"`
	Users   int64 `json:"dim_user"`
	Tracks  int64 `json:"dim_track"`
	Facts   int64 `json:"fact_listen"`
}

// FileRecord is one audit row in etl_file_log.
type FileRecord struct {
	RunID      string
	SourceFile string
	Status     string
	Accepted   int
	Rejected   int
	Staged     int64
	Error      string
	LoggedAt   time.Time
}

// FactKey is a fact row projected back onto its natural keys.
type FactKey struct {
	ListenSK   int64
	UserID     string
	TrackID    string
	ListenedAt time.Time
}

// Warehouse is the backend-agnostic star-schema store.
//
// Implementations assume a single writer. Every mutating method is atomic: it either
// commits all of its writes or none of them.
type Warehouse interface {
	// Close releases backend resources. Call it once.
	Close()

	// EnsureSchema creates all tables, indexes and key-state rows if missing.
	EnsureSchema(ctx context.Context) error

	// ResetStaging clears stg_listens and stg_listens_dedup.
	ResetStaging(ctx context.Context) error

	// AppendStaging appends rows to stg_listens as-is, tagged with file.
	AppendStaging(ctx context.Context, file string, rows []listen.Listen) (int64, error)

	// Deduplicate replaces stg_listens_dedup with one row per
	// (user_id, track_id, listened_at); the first-staged row wins.
	Deduplicate(ctx context.Context) (int64, error)

	// UpsertDimensions inserts unseen users and tracks with new surrogate keys.
	// Existing rows are never modified.
	UpsertDimensions(ctx context.Context, now time.Time) (DimensionStats, error)

	// InsertFacts appends fact rows not already present. It returns an error
	// wrapping ErrReferentialViolation when a dedup row cannot be resolved.
	InsertFacts(ctx context.Context, now time.Time) (int64, error)

	// RecordFile writes one etl_file_log row.
	RecordFile(ctx context.Context, rec FileRecord) error

	// Counts returns row counts of the pipeline tables.
	Counts(ctx context.Context) (TableCounts, error)

	// SurrogateKeys maps natural keys to surrogate keys for one dimension.
	SurrogateKeys(ctx context.Context, dim Dimension) (map[string]int64, error)

	// FactKeys returns every fact row with its natural keys, ordered by listen_sk.
	FactKeys(ctx context.Context) ([]FactKey, error)

	// DanglingFacts counts fact rows whose user_sk or track_sk has no dimension row.
	DanglingFacts(ctx context.Context) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "duckdb", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Warehouse using the registered backend factory.
//
// Errors:
//   - ErrUnknownKind if cfg.Kind is empty or unsupported.
//   - Whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("%w: missing storage.kind", ErrUnknownKind)
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownKind, cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
