// Package normalize turns raw listen-history JSON files into canonical listen.Listen
// tuples.
//
// Supported file shapes (several top-level values may follow each other):
//   - newline-delimited objects, one listen per line (ListenBrainz export)
//   - a root array of listen objects
//   - a single listen object
//   - an envelope object holding the array under "listens" or "payload.listens"
//     (ListenBrainz API response)
//
// Records that are valid JSON but miss a required field are rejected and counted.
// Syntax errors make the whole file unreadable.
package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"listenetl/internal/listen"
)

// Rejection reasons reported in Stats.Reasons.
const (
	ReasonMissingUserID     = "missing_user_id"
	ReasonMissingListenedAt = "missing_listened_at"
	ReasonBadListenedAt     = "bad_listened_at"
	ReasonMissingTrack      = "missing_track"
	ReasonNotObject         = "not_object"
	ReasonMalformed         = "malformed_record"
)

// ErrUnreadable wraps I/O and JSON syntax failures that make a file unusable.
var ErrUnreadable = errors.New("normalize: unreadable file")

// Stats counts accepted and rejected records for one file.
type Stats struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Reasons  map[string]int `json:"reasons,omitempty"`
}

func (s *Stats) reject(reason string) {
	s.Rejected++
	if s.Reasons == nil {
		s.Reasons = make(map[string]int)
	}
	s.Reasons[reason]++
}

// ReasonKeys returns the rejection reasons in sorted order.
func (s Stats) ReasonKeys() []string {
	keys := make([]string, 0, len(s.Reasons))
	for k := range s.Reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalizer extracts canonical listens from raw JSON.
//
// The zero value is ready to use.
type Normalizer struct {
	// OnReject, when set, is called for every rejected record with its 1-based
	// position in the file.
	OnReject func(record int, reason string)
}

// Stream decodes r and sends every accepted listen to out, in file order.
//
// Stream does not close out. It returns early with ctx.Err() when ctx is canceled.
// The returned error wraps ErrUnreadable for read and syntax failures; the Stats
// returned alongside are partial in that case and the listens already sent must be
// discarded by the caller.
func (n *Normalizer) Stream(ctx context.Context, r io.Reader, out chan<- listen.Listen) (Stats, error) {
	var st Stats
	record := 0

	emit := func(raw json.RawMessage) error {
		record++
		l, reason := n.parseRecord(raw)
		if reason != "" {
			st.reject(reason)
			if n.OnReject != nil {
				n.OnReject(record, reason)
			}
			return nil
		}
		st.Accepted++
		select {
		case out <- l:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	dec := json.NewDecoder(r)
	for {
		var top json.RawMessage
		if err := dec.Decode(&top); err != nil {
			if err == io.EOF {
				return st, nil
			}
			return st, fmt.Errorf("%w: record %d: %v", ErrUnreadable, record+1, err)
		}
		if !json.Valid(top) {
			return st, fmt.Errorf("%w: record %d: invalid JSON value", ErrUnreadable, record+1)
		}

		if err := n.walkTopLevel(top, emit); err != nil {
			return st, err
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		default:
		}
	}
}

// walkTopLevel dispatches one top-level JSON value: arrays are streamed element by
// element, envelopes are unwrapped, anything else is treated as a single record.
func (n *Normalizer) walkTopLevel(top json.RawMessage, emit func(json.RawMessage) error) error {
	trimmed := bytes.TrimSpace(top)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '[':
		return emitArray(trimmed, emit)
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil {
			if env.Payload != nil && env.Payload.Listens != nil {
				return emitArray(env.Payload.Listens, emit)
			}
			if env.Listens != nil {
				return emitArray(env.Listens, emit)
			}
		}
		return emit(trimmed)
	default:
		return emit(trimmed)
	}
}

func emitArray(arr json.RawMessage, emit func(json.RawMessage) error) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(arr, &elems); err != nil {
		return fmt.Errorf("%w: array: %v", ErrUnreadable, err)
	}
	for _, e := range elems {
		if bytes.Equal(bytes.TrimSpace(e), []byte("null")) {
			continue
		}
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

type envelope struct {
	Listens json.RawMessage `json:"listens"`
	Payload *struct {
		Listens json.RawMessage `json:"listens"`
	} `json:"payload"`
}

type rawRecord struct {
	UserID        json.RawMessage `json:"user_id"`
	UserName      json.RawMessage `json:"user_name"`
	TrackID       json.RawMessage `json:"track_id"`
	RecordingMSID json.RawMessage `json:"recording_msid"`
	ListenedAt    json.RawMessage `json:"listened_at"`
	Timestamp     json.RawMessage `json:"timestamp"`
	TrackMetadata *rawTrackMeta   `json:"track_metadata"`
}

type rawTrackMeta struct {
	TrackName      json.RawMessage `json:"track_name"`
	ArtistName     json.RawMessage `json:"artist_name"`
	TrackID        json.RawMessage `json:"track_id"`
	AdditionalInfo *struct {
		RecordingMSID json.RawMessage `json:"recording_msid"`
	} `json:"additional_info"`
}

// parseRecord maps one JSON value onto a Listen. A non-empty reason means the
// record was rejected.
func (n *Normalizer) parseRecord(raw json.RawMessage) (listen.Listen, string) {
	if len(raw) == 0 || raw[0] != '{' {
		return listen.Listen{}, ReasonNotObject
	}

	var rec rawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return listen.Listen{}, ReasonMalformed
	}

	userID := firstScalar(rec.UserID, rec.UserName)
	if userID == "" {
		return listen.Listen{}, ReasonMissingUserID
	}

	tsRaw := rec.ListenedAt
	if isAbsent(tsRaw) {
		tsRaw = rec.Timestamp
	}
	if isAbsent(tsRaw) {
		return listen.Listen{}, ReasonMissingListenedAt
	}
	ts, err := listen.ParseTimestamp(scalarValue(tsRaw))
	if err != nil {
		return listen.Listen{}, ReasonBadListenedAt
	}

	var trackName, artistName string
	explicit := firstScalar(rec.TrackID, rec.RecordingMSID)
	if m := rec.TrackMetadata; m != nil {
		trackName = scalarString(m.TrackName)
		artistName = scalarString(m.ArtistName)
		if explicit == "" && m.AdditionalInfo != nil {
			explicit = scalarString(m.AdditionalInfo.RecordingMSID)
		}
		if explicit == "" {
			explicit = scalarString(m.TrackID)
		}
	}

	trackID := explicit
	if trackID == "" {
		if trackName == "" {
			return listen.Listen{}, ReasonMissingTrack
		}
		trackID = listen.CompositeTrackID(artistName, trackName)
	}

	return listen.Listen{
		UserID:     userID,
		TrackID:    trackID,
		TrackName:  trackName,
		ArtistName: artistName,
		ListenedAt: ts,
	}, ""
}

func firstScalar(vals ...json.RawMessage) string {
	for _, v := range vals {
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func isAbsent(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// scalarValue returns a JSON string as string and a JSON number as its literal
// text; objects, arrays, booleans and null yield nil.
func scalarValue(v json.RawMessage) any {
	t := bytes.TrimSpace(v)
	if len(t) == 0 {
		return nil
	}
	switch c := t[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return nil
		}
		return s
	case c == '-' || (c >= '0' && c <= '9'):
		return string(t)
	default:
		return nil
	}
}

// scalarString is scalarValue cleaned for storage: strings and numbers become
// trimmed NFC text, everything else "".
func scalarString(v json.RawMessage) string {
	s, ok := scalarValue(v).(string)
	if !ok {
		return ""
	}
	return listen.CleanText(s)
}

// FileResult is the fully normalized content of one file.
type FileResult struct {
	Path    string
	Listens []listen.Listen
	Stats   Stats
}

// NormalizeFile reads and normalizes a whole file.
//
// A file either normalizes completely or fails: on any error the partial listens
// are discarded so nothing from a broken file reaches staging.
func (n *Normalizer) NormalizeFile(ctx context.Context, path string) (FileResult, error) {
	res := FileResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	out := make(chan listen.Listen, 256)
	done := make(chan struct{})
	var collected []listen.Listen
	go func() {
		defer close(done)
		for l := range out {
			collected = append(collected, l)
		}
	}()

	st, err := n.Stream(ctx, f, out)
	close(out)
	<-done

	res.Stats = st
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	res.Listens = collected
	return res, nil
}

// IsListenFile reports whether name carries the .json extension (case-insensitive).
func IsListenFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}
