package api

import (
	"encoding/json"
	"time"

	"github.com/starford/jobtrail/internal/coordinator"
	"github.com/starford/jobtrail/internal/dashboard"
	"github.com/starford/jobtrail/internal/entity"
)

// EntityResponse is a stored entity: its bookkeeping plus the variant's
// fields under data.
type EntityResponse struct {
	Kind        entity.Kind     `json:"kind" example:"pipeline" validate:"required"`
	ID          string          `json:"id" example:"01960f7e-8d1c-7a9b-b1e4-3f2a9c0d5e61" validate:"required"`
	Revision    int64           `json:"revision" example:"3" validate:"required"`
	UpdatedAt   time.Time       `json:"updated_at" validate:"required"`
	RemoteRef   string          `json:"remote_ref,omitempty" example:"row-12"`
	CalendarRef string          `json:"calendar_ref,omitempty" example:"evt-9"`
	Data        json.RawMessage `json:"data" validate:"required"`
}

// EntityListResponse wraps entity listings.
type EntityListResponse struct {
	Items []EntityResponse `json:"items" validate:"required"`
	Total int              `json:"total" example:"42" validate:"required"`
}

// SyncStateResponse lists the sync state of every target.
type SyncStateResponse struct {
	Targets []coordinator.SyncState `json:"targets" validate:"required"`
}

// SyncTriggerResponse acknowledges a manual sync request.
type SyncTriggerResponse struct {
	Status  string   `json:"status" example:"triggered" validate:"required"`
	Targets []string `json:"targets,omitempty"`
}

// MetricsResponse is the dashboard overview.
type MetricsResponse struct {
	Metrics   dashboard.Metrics       `json:"metrics" validate:"required"`
	Weekly    dashboard.WeeklySummary `json:"weekly" validate:"required"`
	Attention []dashboard.Attention   `json:"attention" validate:"required"`
}

// UpcomingResponse lists pending interviews, soonest first.
type UpcomingResponse struct {
	Interviews []dashboard.UpcomingInterview `json:"interviews" validate:"required"`
}

// RemindersResponse lists the reminders due now.
type RemindersResponse struct {
	Reminders []dashboard.Reminder `json:"reminders" validate:"required"`
}

func toResponse(e entity.Entity) (EntityResponse, error) {
	data, err := entity.Encode(e)
	if err != nil {
		return EntityResponse{}, err
	}
	m := e.Base()
	return EntityResponse{
		Kind:        e.Kind(),
		ID:          m.ID,
		Revision:    m.Revision,
		UpdatedAt:   m.UpdatedAt,
		RemoteRef:   m.RemoteRef,
		CalendarRef: entity.RefFor(e, entity.SurfaceCalendar),
		Data:        data,
	}, nil
}
