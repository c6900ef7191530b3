package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/starford/jobtrail/internal/dashboard"
)

// defaultDashboardLimit caps the attention and upcoming lists unless the
// client asks otherwise.
const defaultDashboardLimit = 5

// Metrics handles GET /api/metrics.
//
//	@Summary		Dashboard metrics, weekly summary and pipelines needing attention
//	@Tags			dashboard
//	@Produce		json
//	@Param			attention	query		int	false	"Max pipelines needing attention; 0 for all"	default(5)
//	@Success		200			{object}	MetricsResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/metrics [get]
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "attention", defaultDashboardLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	snap, err := h.svc.Dashboard(r.Context())
	if err != nil {
		writeError(w, "dashboard", err)
		return
	}
	attention := snap.Attention(limit)
	if attention == nil {
		attention = []dashboard.Attention{}
	}
	writeJSON(w, http.StatusOK, MetricsResponse{
		Metrics:   snap.Metrics(),
		Weekly:    snap.Weekly(),
		Attention: attention,
	})
}

// Upcoming handles GET /api/upcoming.
//
//	@Summary		Pending interviews from now on, soonest first
//	@Tags			dashboard
//	@Produce		json
//	@Param			limit	query		int	false	"Max interviews; 0 for all"		default(5)
//	@Param			days	query		int	false	"Days ahead to look; 0 for no bound"
//	@Success		200		{object}	UpcomingResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/upcoming [get]
func (h *Handler) Upcoming(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultDashboardLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	days, err := intQuery(r, "days", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	snap, err := h.svc.Dashboard(r.Context())
	if err != nil {
		writeError(w, "dashboard", err)
		return
	}
	upcoming := snap.Upcoming(limit, time.Duration(days)*24*time.Hour)
	if upcoming == nil {
		upcoming = []dashboard.UpcomingInterview{}
	}
	writeJSON(w, http.StatusOK, UpcomingResponse{Interviews: upcoming})
}

// Reminders handles GET /api/reminders.
//
//	@Summary		Reminders due now
//	@Tags			dashboard
//	@Produce		json
//	@Success		200	{object}	RemindersResponse
//	@Security		BearerAuth
//	@Router			/reminders [get]
func (h *Handler) Reminders(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Dashboard(r.Context())
	if err != nil {
		writeError(w, "dashboard", err)
		return
	}
	reminders := snap.Reminders()
	if reminders == nil {
		reminders = []dashboard.Reminder{}
	}
	writeJSON(w, http.StatusOK, RemindersResponse{Reminders: reminders})
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
