package coordinator

import (
	"context"
	"time"

	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/reconcile"
	"github.com/starford/jobtrail/internal/scheduler"
)

// Event types delivered to observers.
const (
	EventEntityChanged = "entity.changed"
	EventSyncState     = "sync.state"
)

// Origins of an entity change.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Event is a notification for presentation layers.
type Event struct {
	Type string
	Data any
}

// Change describes an entity.changed event. Remote-origin changes name the
// target they came from; the affected entities are not itemized.
type Change struct {
	Kind     entity.Kind `json:"kind,omitempty"`
	ID       string      `json:"id,omitempty"`
	Revision int64       `json:"revision,omitempty"`
	Op       string      `json:"op,omitempty"`
	Origin   string      `json:"origin"`
	Target   string      `json:"target,omitempty"`
}

// SyncState is the process-wide sync status of one target. It starts empty
// and is never persisted.
type SyncState struct {
	Target               string            `json:"target"`
	Surface              entity.Surface    `json:"surface"`
	Policy               scheduler.Policy  `json:"policy"`
	State                scheduler.State   `json:"state"`
	LastSuccessfulSyncAt *time.Time        `json:"last_successful_sync_at"`
	InProgress           bool              `json:"in_progress"`
	LastError            string            `json:"last_error,omitempty"`
	Pending              int               `json:"pending"`
	LastReport           *reconcile.Report `json:"last_report,omitempty"`
}

// SyncState returns a snapshot of every target's state, in configuration
// order, with the current journal backlog.
func (c *Coordinator) SyncState(ctx context.Context) ([]SyncState, error) {
	out := make([]SyncState, 0, len(c.targets))
	for _, t := range c.targets {
		st := c.snapshot(t.adapter.Name())
		st.State = t.sched.State()
		n, err := c.store.PendingCount(ctx, st.Target)
		if err != nil {
			return nil, err
		}
		st.Pending = n
		out = append(out, st)
	}
	return out, nil
}

func (c *Coordinator) snapshot(name string) SyncState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	st := *c.states[name]
	if st.LastSuccessfulSyncAt != nil {
		at := *st.LastSuccessfulSyncAt
		st.LastSuccessfulSyncAt = &at
	}
	return st
}

func (c *Coordinator) updateState(name string, fn func(*SyncState)) {
	c.stateMu.Lock()
	fn(c.states[name])
	c.stateMu.Unlock()
	c.emit(Event{Type: EventSyncState, Data: c.snapshot(name)})
}

func (c *Coordinator) onSchedulerState(name string, st scheduler.State) {
	c.updateState(name, func(s *SyncState) { s.State = st })
}

func (c *Coordinator) emit(ev Event) {
	c.stateMu.Lock()
	observers := c.observers
	c.stateMu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}
