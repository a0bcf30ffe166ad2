// Package listen defines the canonical listen-event tuple shared by the normalizer,
// the staging loader and the storage backends, together with the coercion helpers
// that turn raw JSON values into that tuple.
package listen

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Listen is one normalized listen event: a user playing a track at a timestamp.
type Listen struct {
	UserID     string
	TrackID    string
	TrackName  string
	ArtistName string
	ListenedAt time.Time
}

// Key is the exact-duplicate identity of a listen.
type Key struct {
	UserID     string
	TrackID    string
	ListenedAt time.Time
}

// Key returns the deduplication key for l.
func (l Listen) Key() Key {
	return Key{UserID: l.UserID, TrackID: l.TrackID, ListenedAt: l.ListenedAt}
}

// Precision is the timestamp resolution every backend stores.
const Precision = time.Microsecond

// Timestamps must fall within years 1 through 9999, the range every backend
// column type can hold. Epoch values above maxEpochSeconds are usually
// milliseconds and are rejected rather than read as seconds.
const maxEpochSeconds = 253402300799 // 9999-12-31T23:59:59Z

// CompositePrefix marks track ids derived from (artist_name, track_name).
const CompositePrefix = "cmp:"

var (
	// ErrEmptyTimestamp is returned for nil or blank timestamp values.
	ErrEmptyTimestamp = errors.New("listen: empty timestamp")

	// ErrBadTimestamp is returned when a value is neither epoch seconds nor ISO-8601.
	ErrBadTimestamp = errors.New("listen: unparseable timestamp")
)

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp coerces a raw listened_at value into a canonical UTC timestamp.
//
// Accepted inputs:
//   - epoch seconds as int, int64, float64, json.Number-like values or numeric strings
//   - ISO-8601 strings; zone-less forms are interpreted as UTC
//
// The result is truncated to Precision. Values outside years 1 through 9999,
// including millisecond epochs, are rejected with ErrBadTimestamp.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, ErrEmptyTimestamp
	case time.Time:
		return bounded(t)
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case float64:
		return fromEpoch(t)
	case fmt.Stringer:
		return parseTimestampString(t.String())
	case string:
		return parseTimestampString(t)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrBadTimestamp, v)
	}
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrEmptyTimestamp
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range isoLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return bounded(ts)
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxEpochSeconds {
		return time.Time{}, fmt.Errorf("%w: epoch %v", ErrBadTimestamp, f)
	}
	sec, frac := math.Modf(f)
	ts := time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
	return canonical(ts), nil
}

func canonical(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

func bounded(t time.Time) (time.Time, error) {
	t = canonical(t)
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}, fmt.Errorf("%w: year %d out of range", ErrBadTimestamp, y)
	}
	return t, nil
}

// CleanText trims edge whitespace and applies Unicode NFC so visually identical
// names compare equal byte-for-byte.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

// CompositeTrackID derives the track natural key for records without an explicit id.
//
// Names are cleaned and case-folded before hashing, so "Song A"/"Artist X" and
// "song a "/"ARTIST X" map to the same track. Field names and the unit separator
// keep ("ab","c") and ("a","bc") apart.
func CompositeTrackID(artist, track string) string {
	folder := cases.Fold()
	var b strings.Builder
	b.WriteString("artist=")
	b.WriteString(folder.String(CleanText(artist)))
	b.WriteByte('\x1f')
	b.WriteString("track=")
	b.WriteString(folder.String(CleanText(track)))

	sum := sha256.Sum256([]byte(b.String()))
	return CompositePrefix + hex.EncodeToString(sum[:16])
}
