// Package entity defines the tracked job-search entities and the payload
// codec shared by the local store and every remote adapter.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an entity variant.
type Kind string

const (
	KindPipeline  Kind = "pipeline"
	KindInterview Kind = "interview"
	KindQuestion  Kind = "question"
)

// Kinds lists every variant in dependency order: pipelines before the
// interviews that reference them.
var Kinds = []Kind{KindPipeline, KindInterview, KindQuestion}

// ParseKind accepts singular or plural kind names ("pipeline", "pipelines").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "pipeline", "pipelines":
		return KindPipeline, nil
	case "interview", "interviews":
		return KindInterview, nil
	case "question", "questions":
		return KindQuestion, nil
	}
	return "", fmt.Errorf("entity: unknown kind %q", s)
}

// Surface identifies which remote counterpart a reference points at.
// Interviews are mirrored both as a row and as a calendar event.
type Surface string

const (
	SurfacePrimary  Surface = "primary"
	SurfaceCalendar Surface = "calendar"
)

// Meta holds the bookkeeping common to all entities. It is never part of
// the synced payload.
type Meta struct {
	ID        string    `json:"id"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
	RemoteRef string    `json:"remote_ref,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Base returns the entity's bookkeeping record.
func (m *Meta) Base() *Meta { return m }

// Entity is implemented by *Pipeline, *Interview and *Question only.
type Entity interface {
	Kind() Kind
	Base() *Meta
	Validate() error
	Clone() Entity
	isEntity()
}

// New returns an empty entity of the given kind with its defaults applied.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindPipeline:
		return &Pipeline{Status: StatusApplied, Priority: DefaultPriority}, nil
	case KindInterview:
		return &Interview{Type: InterviewOther, Round: 1, DurationMinutes: DefaultDuration, Mode: ModeVideo, Outcome: OutcomePending}, nil
	case KindQuestion:
		return &Question{Category: CategoryOther}, nil
	}
	return nil, fmt.Errorf("entity: unknown kind %q", kind)
}

// Encode serializes the entity's synced fields. Meta and surface refs are
// excluded.
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("entity: encode %s: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode builds an entity of the given kind from a payload produced by
// Encode (or by a remote adapter using the same field names). Fields absent
// from the payload keep their defaults.
func Decode(kind Kind, payload []byte) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return e, nil
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("entity: decode %s: %w", kind, err)
	}
	return e, nil
}

// Canonical re-encodes a payload so that two payloads describing the same
// field values compare equal byte for byte.
func Canonical(kind Kind, payload []byte) ([]byte, error) {
	e, err := Decode(kind, payload)
	if err != nil {
		return nil, err
	}
	return Encode(e)
}

// RefFor returns the entity's reference on the given surface.
func RefFor(e Entity, s Surface) string {
	if s == SurfaceCalendar {
		if iv, ok := e.(*Interview); ok {
			return iv.CalendarRef
		}
		return ""
	}
	return e.Base().RemoteRef
}

// SetRef records the entity's reference on the given surface.
func SetRef(e Entity, s Surface, ref string) {
	if s == SurfaceCalendar {
		if iv, ok := e.(*Interview); ok {
			iv.CalendarRef = ref
		}
		return
	}
	e.Base().RemoteRef = ref
}
