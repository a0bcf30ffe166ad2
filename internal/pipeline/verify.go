package pipeline

import (
	"context"
	"fmt"

	"listenetl/internal/storage"
)

// Integrity summarizes the consistency checks a downstream reader relies on.
// Every field is zero for a consistent warehouse.
type Integrity struct {
	DanglingFacts   int64 `json:"dangling_facts"`
	DuplicateFacts  int   `json:"duplicate_facts"`
	SharedUserKeys  int   `json:"shared_user_keys"`
	SharedTrackKeys int   `json:"shared_track_keys"`
}

// OK reports whether every check passed.
func (i Integrity) OK() bool { return i == Integrity{} }

// Verify checks referential integrity, fact uniqueness per natural key, and
// surrogate-key uniqueness per dimension.
func Verify(ctx context.Context, w storage.Warehouse) (Integrity, error) {
	var out Integrity
	var err error

	if out.DanglingFacts, err = w.DanglingFacts(ctx); err != nil {
		return out, fmt.Errorf("verify: dangling facts: %w", err)
	}

	facts, err := w.FactKeys(ctx)
	if err != nil {
		return out, fmt.Errorf("verify: fact keys: %w", err)
	}
	seen := make(map[string]struct{}, len(facts))
	for _, f := range facts {
		k := f.UserID + "\x1f" + f.TrackID + "\x1f" + f.ListenedAt.UTC().String()
		if _, dup := seen[k]; dup {
			out.DuplicateFacts++
			continue
		}
		seen[k] = struct{}{}
	}

	if out.SharedUserKeys, err = sharedKeys(ctx, w, storage.DimUser); err != nil {
		return out, err
	}
	if out.SharedTrackKeys, err = sharedKeys(ctx, w, storage.DimTrack); err != nil {
		return out, err
	}
	return out, nil
}

// sharedKeys counts natural keys whose surrogate key is already taken.
func sharedKeys(ctx context.Context, w storage.Warehouse, dim storage.Dimension) (int, error) {
	keys, err := w.SurrogateKeys(ctx, dim)
	if err != nil {
		return 0, fmt.Errorf("verify: %s keys: %w", dim, err)
	}
	owners := make(map[int64]struct{}, len(keys))
	shared := 0
	for _, sk := range keys {
		if _, ok := owners[sk]; ok {
			shared++
			continue
		}
		owners[sk] = struct{}{}
	}
	return shared, nil
}
