package reconcile

import (
	"time"
)

// ItemError is a per-entity failure. The entity's journal entry stays
// pending and is retried on the next cycle.
type ItemError struct {
	EntityID string `json:"entity_id,omitempty"`
	Ref      string `json:"ref,omitempty"`
	Err      error  `json:"-"`
}

func (e ItemError) Error() string {
	id := e.EntityID
	if id == "" {
		id = "ref " + e.Ref
	}
	return id + ": " + e.Err.Error()
}

// Conflict records a pending local change that overwrote a newer remote
// edit.
type Conflict struct {
	EntityID        string    `json:"entity_id"`
	Ref             string    `json:"ref"`
	LocalEnqueuedAt time.Time `json:"local_enqueued_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}

// Report is the outcome of one reconciliation cycle against one adapter.
type Report struct {
	Target     string      `json:"target"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Succeeded  int         `json:"succeeded"`
	Failed     []ItemError `json:"failed,omitempty"`
	Inserted   int         `json:"inserted"`
	Updated    int         `json:"updated"`
	Removed    int         `json:"removed"`

	// Enqueued counts journal entries written for other targets while
	// applying remote-origin changes.
	Enqueued  int        `json:"enqueued,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`

	// Canceled is set when the cycle stopped early because its context
	// was cancelled. Items settled before that stay settled.
	Canceled bool `json:"canceled,omitempty"`
}

// LocalChanges reports whether the cycle changed the local store on behalf
// of the remote.
func (r *Report) LocalChanges() bool {
	return r.Inserted+r.Updated+r.Removed > 0
}

func (r *Report) fail(entityID, ref string, err error) {
	r.Failed = append(r.Failed, ItemError{EntityID: entityID, Ref: ref, Err: err})
}
