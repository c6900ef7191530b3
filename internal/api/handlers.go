package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/jobtrail/internal/apperr"
	"github.com/starford/jobtrail/internal/checksum"
	"github.com/starford/jobtrail/internal/coordinator"
	"github.com/starford/jobtrail/internal/dashboard"
	"github.com/starford/jobtrail/internal/entity"
)

// Service is the presentation API the handlers serve.
type Service interface {
	Mutate(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (entity.Entity, error)
	List(ctx context.Context, kind entity.Kind) ([]entity.Entity, error)
	TriggerManualSync(names ...string) error
	SyncState(ctx context.Context) ([]coordinator.SyncState, error)
	Dashboard(ctx context.Context) (*dashboard.Snapshot, error)
}

var _ Service = (*coordinator.Coordinator)(nil)

// Handler holds API route handlers.
type Handler struct {
	svc Service
}

// NewHandler creates a new Handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// kindParam parses the {kind} URL segment. It writes a 404 and returns false
// for unknown kinds.
func kindParam(w http.ResponseWriter, r *http.Request) (entity.Kind, bool) {
	kind, err := entity.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("unknown entity kind"))
		return "", false
	}
	return kind, true
}

// List handles GET /api/{kind}.
//
//	@Summary		List live entities of one kind
//	@Tags			entities
//	@Produce		json
//	@Param			kind	path		string	true	"Entity kind"	Enums(pipelines, interviews, questions)
//	@Success		200		{object}	EntityListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/{kind} [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	items, err := h.svc.List(r.Context(), kind)
	if err != nil {
		writeError(w, "list entities", err)
		return
	}
	resp := EntityListResponse{Items: make([]EntityResponse, 0, len(items)), Total: len(items)}
	for _, e := range items {
		dto, err := toResponse(e)
		if err != nil {
			writeError(w, "list entities", err)
			return
		}
		resp.Items = append(resp.Items, dto)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/{kind}/{id}.
//
//	@Summary		Get a single entity
//	@Tags			entities
//	@Produce		json
//	@Param			kind	path		string	true	"Entity kind"
//	@Param			id		path		string	true	"Entity id"
//	@Success		200		{object}	EntityResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/{kind}/{id} [get]
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := h.load(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK, e)
}

// Create handles POST /api/{kind}.
//
//	@Summary		Create an entity
//	@Tags			entities
//	@Accept			json
//	@Produce		json
//	@Param			kind	path		string	true	"Entity kind"
//	@Success		201		{object}	EntityResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/{kind} [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	e, ok := decodeBody(w, r, kind)
	if !ok {
		return
	}
	e.Base().ID = ""
	saved, err := h.svc.Mutate(r.Context(), e)
	if err != nil {
		writeError(w, "create entity", err)
		return
	}
	h.respond(w, http.StatusCreated, saved)
}

// Update handles PUT /api/{kind}/{id}. The body replaces every field of the
// entity. An If-Match header carrying the entity's ETag turns on optimistic
// concurrency.
//
//	@Summary		Replace an entity
//	@Tags			entities
//	@Accept			json
//	@Produce		json
//	@Param			kind		path		string	true	"Entity kind"
//	@Param			id			path		string	true	"Entity id"
//	@Param			If-Match	header		string	false	"ETag of the version being replaced"
//	@Success		200			{object}	EntityResponse
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		412			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/{kind}/{id} [put]
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.load(w, r)
	if !ok {
		return
	}
	if !matches(r.Header.Get("If-Match"), existing) {
		writeJSON(w, http.StatusPreconditionFailed, errorBody("entity has changed"))
		return
	}
	e, ok := decodeBody(w, r, existing.Kind())
	if !ok {
		return
	}
	e.Base().ID = existing.Base().ID
	saved, err := h.svc.Mutate(r.Context(), e)
	if err != nil {
		writeError(w, "update entity", err)
		return
	}
	h.respond(w, http.StatusOK, saved)
}

// Delete handles DELETE /api/{kind}/{id}.
//
//	@Summary		Delete an entity
//	@Tags			entities
//	@Param			kind	path	string	true	"Entity kind"
//	@Param			id		path	string	true	"Entity id"
//	@Success		204		"Entity deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/{kind}/{id} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	e, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), e.Base().ID); err != nil {
		writeError(w, "delete entity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/sync.
//
//	@Summary		Start a sync cycle now, regardless of policy
//	@Tags			sync
//	@Produce		json
//	@Param			target	query		string	false	"Limit to one target"
//	@Success		202		{object}	SyncTriggerResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var targets []string
	if t := r.URL.Query().Get("target"); t != "" {
		targets = []string{t}
	}
	if err := h.svc.TriggerManualSync(targets...); err != nil {
		writeError(w, "trigger sync", err)
		return
	}
	writeJSON(w, http.StatusAccepted, SyncTriggerResponse{Status: "triggered", Targets: targets})
}

// SyncState handles GET /api/sync/state.
//
//	@Summary		Sync state of every target
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncStateResponse
//	@Security		BearerAuth
//	@Router			/sync/state [get]
func (h *Handler) SyncState(w http.ResponseWriter, r *http.Request) {
	states, err := h.svc.SyncState(r.Context())
	if err != nil {
		writeError(w, "sync state", err)
		return
	}
	if states == nil {
		states = []coordinator.SyncState{}
	}
	writeJSON(w, http.StatusOK, SyncStateResponse{Targets: states})
}

// load fetches the entity named by {kind}/{id}. An id of another kind is
// reported as not found.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (entity.Entity, bool) {
	kind, ok := kindParam(w, r)
	if !ok {
		return nil, false
	}
	e, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get entity", err)
		return nil, false
	}
	if e.Kind() != kind {
		writeError(w, "get entity", apperr.ErrNotFound)
		return nil, false
	}
	return e, true
}

func (h *Handler) respond(w http.ResponseWriter, status int, e entity.Entity) {
	dto, err := toResponse(e)
	if err != nil {
		writeError(w, "encode entity", err)
		return
	}
	w.Header().Set("ETag", etag(e))
	writeJSON(w, status, dto)
}

func decodeBody(w http.ResponseWriter, r *http.Request, kind entity.Kind) (entity.Entity, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return nil, false
	}
	e, err := entity.Decode(kind, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return nil, false
	}
	return e, true
}

// etag covers the revision and the synced fields. Changes pulled from a
// remote keep the revision but change the fields.
func etag(e entity.Entity) string {
	tag := strconv.FormatInt(e.Base().Revision, 10)
	if sum, err := checksum.Entity(e); err == nil {
		tag += "-" + sum[:16]
	}
	return `"` + tag + `"`
}

// matches evaluates an If-Match header. An absent header always matches.
func matches(header string, e entity.Entity) bool {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return true
	}
	current := etag(e)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == current {
			return true
		}
	}
	return false
}
