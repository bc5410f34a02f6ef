package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the record shapes the engine synchronizes.
type Kind string

const (
	KindBanner Kind = "banner"
	KindStrip  Kind = "banner_strip"
)

// SyncSource tells consumers whether a cached value was confirmed by the
// authoritative store or written locally while it was unavailable.
type SyncSource string

const (
	SourceRemote        SyncSource = "remote"
	SourceLocalFallback SyncSource = "local-fallback"
)

var (
	// ErrMissingID is returned for records without an id. Nothing can be stored
	// or broadcast for them.
	ErrMissingID = errors.New("record id is required")
	// ErrUnknownKind is returned when an envelope names no known record shape.
	ErrUnknownKind = errors.New("unknown record kind")
	// ErrNilRecord is returned when an envelope carries no record.
	ErrNilRecord = errors.New("record is nil")
)

// Record is implemented by *Banner and *Strip only.
type Record interface {
	RecordID() string
	RecordKind() Kind
	LastUpdated() time.Time
	Created() time.Time
	// Validate reports problems that cannot be sanitized away.
	Validate() error
	// Sanitize drops invalid optional fields and coerces the rest to defaults.
	Sanitize()
	// Stamp overrides the non-zero timestamps given; createdAt falls back to
	// updatedAt when it is still unset afterwards.
	Stamp(updatedAt, createdAt time.Time)
	// Clone returns a deep copy.
	Clone() Record

	sealed()
}

// Topic returns the broadcast topic carrying updates for kind.
func (k Kind) Topic() string {
	switch k {
	case KindBanner:
		return "banner-updates"
	case KindStrip:
		return "banner-strip-updates"
	default:
		return string(k) + "-updates"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindBanner || k == KindStrip
}

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindBanner, KindStrip}
}

// Envelope is the tagged JSON form of a Record used on the wire, in the
// remote store and in the local fallback store.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// Encode wraps rec in an envelope.
func Encode(rec Record) ([]byte, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", rec.RecordKind(), err)
	}
	return json.Marshal(Envelope{Kind: rec.RecordKind(), Record: body})
}

// Decode reads an envelope and returns the concrete record it carries.
func Decode(data []byte) (Record, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env.Open()
}

// Open decodes the record carried by the envelope, dispatching on Kind.
func (e Envelope) Open() (Record, error) {
	if len(e.Record) == 0 || string(e.Record) == "null" {
		return nil, ErrNilRecord
	}
	var rec Record
	switch e.Kind {
	case KindBanner:
		rec = &Banner{}
	case KindStrip:
		rec = &Strip{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := json.Unmarshal(e.Record, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", e.Kind, err)
	}
	return rec, nil
}

// Prepare validates rec and sanitizes its optional fields in place.
func Prepare(rec Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Sanitize()
	return nil
}

// Newer reports whether candidate should replace current under last-write-wins.
// Equal timestamps are not newer.
func Newer(candidate, current Record) bool {
	if current == nil {
		return true
	}
	if candidate == nil {
		return false
	}
	return candidate.LastUpdated().After(current.LastUpdated())
}

// StoredRecord is a record as held by a local cache.
type StoredRecord struct {
	Record       Record     `json:"-"`
	LastSyncedAt time.Time  `json:"lastSyncedAt"`
	SyncSource   SyncSource `json:"syncSource"`
}

// MarshalJSON flattens the record envelope next to the sync metadata.
func (s StoredRecord) MarshalJSON() ([]byte, error) {
	env, err := Encode(s.Record)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(env, &e); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind         Kind            `json:"kind"`
		Record       json.RawMessage `json:"record"`
		LastSyncedAt time.Time       `json:"lastSyncedAt"`
		SyncSource   SyncSource      `json:"syncSource"`
	}{e.Kind, e.Record, s.LastSyncedAt, s.SyncSource})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *StoredRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Envelope
		LastSyncedAt time.Time  `json:"lastSyncedAt"`
		SyncSource   SyncSource `json:"syncSource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec, err := raw.Envelope.Open()
	if err != nil {
		return err
	}
	s.Record = rec
	s.LastSyncedAt = raw.LastSyncedAt
	s.SyncSource = raw.SyncSource
	return nil
}

func stamp(updated, created *time.Time, updatedAt, createdAt time.Time) {
	if !updatedAt.IsZero() {
		*updated = updatedAt.UTC()
	}
	if !createdAt.IsZero() {
		*created = createdAt.UTC()
	}
	if created.IsZero() {
		*created = *updated
	}
}
