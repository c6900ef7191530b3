// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes jobtrail tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/jobtrail/internal/apperr"
	"github.com/starford/jobtrail/internal/coordinator"
	"github.com/starford/jobtrail/internal/dashboard"
	"github.com/starford/jobtrail/internal/entity"
)

const contractURI = "jobtrail://entity-contract"

// Service is the presentation API the tools call.
type Service interface {
	Mutate(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (entity.Entity, error)
	List(ctx context.Context, kind entity.Kind) ([]entity.Entity, error)
	TriggerManualSync(names ...string) error
	SyncState(ctx context.Context) ([]coordinator.SyncState, error)
	Dashboard(ctx context.Context) (*dashboard.Snapshot, error)
}

// Server wraps the MCP server with jobtrail tools.
type Server struct {
	mcp *server.MCPServer
	svc Service
}

// New creates a new MCP server with all jobtrail tools registered.
func New(svc Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"jobtrail",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_entities",
		mcp.WithDescription("List live entities of one kind."),
		mcp.WithString("kind", mcp.Required(), mcp.Enum("pipeline", "interview", "question"),
			mcp.Description("Entity kind")),
	), s.listEntities)

	s.mcp.AddTool(mcp.NewTool("get_entity",
		mcp.WithDescription("Read one entity by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
	), s.getEntity)

	s.mcp.AddTool(mcp.NewTool("save_pipeline",
		mcp.WithDescription("Create a job application pipeline, or update one when id is given. "+
			"On update only the fields passed are changed. Read the contract first via "+
			"get_entity_contract or the "+contractURI+" resource."),
		mcp.WithString("id", mcp.Description("Pipeline id; omit to create")),
		mcp.WithString("company", mcp.Description("Company name")),
		mcp.WithString("role", mcp.Description("Role applied for")),
		mcp.WithString("status", mcp.Enum("applied", "interviewing", "offer", "rejected", "withdrawn")),
		mcp.WithNumber("priority", mcp.Description("1 (highest) to 5")),
		mcp.WithString("job_url", mcp.Description("Link to the posting")),
		mcp.WithString("location"),
		mcp.WithString("notes"),
	), s.save(entity.KindPipeline))

	s.mcp.AddTool(mcp.NewTool("save_interview",
		mcp.WithDescription("Schedule an interview round for a pipeline, or update one when id is given."),
		mcp.WithString("id", mcp.Description("Interview id; omit to create")),
		mcp.WithString("pipeline_id", mcp.Description("Owning pipeline id")),
		mcp.WithString("scheduled_at", mcp.Description("Start time, RFC 3339")),
		mcp.WithString("type", mcp.Enum("technical", "hr", "behavioral", "system_design", "hiring_manager", "other")),
		mcp.WithNumber("round"),
		mcp.WithNumber("duration_minutes"),
		mcp.WithString("mode", mcp.Enum("video", "phone", "onsite", "take_home")),
		mcp.WithString("outcome", mcp.Enum("pending", "passed", "failed", "rescheduled")),
		mcp.WithString("notes"),
	), s.save(entity.KindInterview))

	s.mcp.AddTool(mcp.NewTool("save_question",
		mcp.WithDescription("Add a practice question, or update one when id is given."),
		mcp.WithString("id", mcp.Description("Question id; omit to create")),
		mcp.WithString("category", mcp.Enum("behavioral", "technical", "system_design", "coding", "culture", "other")),
		mcp.WithString("prompt", mcp.Description("The question")),
		mcp.WithString("answer", mcp.Description("Prepared answer")),
		mcp.WithArray("tags", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("rating", mcp.Description("Confidence, 0 to 5")),
	), s.save(entity.KindQuestion))

	s.mcp.AddTool(mcp.NewTool("delete_entity",
		mcp.WithDescription("Delete an entity. Deleting a pipeline also deletes its interviews."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
	), s.deleteEntity)

	s.mcp.AddTool(mcp.NewTool("trigger_sync",
		mcp.WithDescription("Start syncing with the remotes now instead of waiting for the schedule."),
		mcp.WithString("target", mcp.Description("Limit to one remote; empty for all")),
	), s.triggerSync)

	s.mcp.AddTool(mcp.NewTool("sync_state",
		mcp.WithDescription("Show per-remote sync state: last success, backlog and last error."),
	), s.syncState)

	s.mcp.AddTool(mcp.NewTool("dashboard_metrics",
		mcp.WithDescription("Job search overview: headline metrics, this week's activity and "+
			"pipelines that need a follow-up."),
	), s.dashboardMetrics)

	s.mcp.AddTool(mcp.NewTool("upcoming_interviews",
		mcp.WithDescription("Pending interviews from now on, soonest first."),
		mcp.WithNumber("limit", mcp.Description("Max interviews; 0 for all (default 5)")),
		mcp.WithNumber("days", mcp.Description("Days ahead to look; 0 for no bound")),
	), s.upcomingInterviews)

	s.mcp.AddTool(mcp.NewTool("reminders",
		mcp.WithDescription("Reminders due now: interviews within the hour or about a day away, "+
			"and pipelines needing a follow-up."),
	), s.reminders)

	s.mcp.AddTool(mcp.NewTool("get_entity_contract",
		mcp.WithDescription("Returns the entity fields and rules. "+
			"Call this before saving entities to ensure correct values."),
	), s.getEntityContract)

	// Resource: entity contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Entity Contract",
			mcp.WithResourceDescription("Fields and rules of pipelines, interviews and questions."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type entityView struct {
	Kind        entity.Kind     `json:"kind"`
	ID          string          `json:"id"`
	Revision    int64           `json:"revision"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RemoteRef   string          `json:"remote_ref,omitempty"`
	CalendarRef string          `json:"calendar_ref,omitempty"`
	Fields      json.RawMessage `json:"fields"`
}

func view(e entity.Entity) (entityView, error) {
	fields, err := entity.Encode(e)
	if err != nil {
		return entityView{}, err
	}
	m := e.Base()
	return entityView{
		Kind:        e.Kind(),
		ID:          m.ID,
		Revision:    m.Revision,
		UpdatedAt:   m.UpdatedAt,
		RemoteRef:   m.RemoteRef,
		CalendarRef: entity.RefFor(e, entity.SurfaceCalendar),
		Fields:      fields,
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func errorResult(err error) *mcp.CallToolResult {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError(verr.Error())
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) listEntities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := entity.ParseKind(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, err := s.svc.List(ctx, kind)
	if err != nil {
		return errorResult(err), nil
	}
	views := make([]entityView, 0, len(items))
	for _, e := range items {
		v, err := view(e)
		if err != nil {
			return errorResult(err), nil
		}
		views = append(views, v)
	}
	return jsonResult(views)
}

func (s *Server) getEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := s.svc.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	v, err := view(e)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(v)
}

// save returns a handler that creates an entity of kind from the tool
// arguments, or overlays the arguments onto the stored entity when an id is
// given.
func (s *Server) save(kind entity.Kind) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		var base entity.Entity
		if id, _ := args["id"].(string); id != "" {
			existing, err := s.svc.Get(ctx, id)
			if err != nil {
				return errorResult(err), nil
			}
			if existing.Kind() != kind {
				return mcp.NewToolResultError(fmt.Sprintf("%s is a %s, not a %s", id, existing.Kind(), kind)), nil
			}
			base = existing
		} else {
			var err error
			if base, err = entity.New(kind); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}

		fields, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := json.Unmarshal(fields, base); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		saved, err := s.svc.Mutate(ctx, base)
		if err != nil {
			return errorResult(err), nil
		}
		v, err := view(saved)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(v)
	}
}

func (s *Server) deleteEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Delete(ctx, id); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) triggerSync(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var targets []string
	if t, _ := req.GetArguments()["target"].(string); t != "" {
		targets = append(targets, t)
	}
	if err := s.svc.TriggerManualSync(targets...); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText("sync triggered"), nil
}

func (s *Server) syncState(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	states, err := s.svc.SyncState(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(states)
}

func (s *Server) dashboardMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.svc.Dashboard(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"metrics":   snap.Metrics(),
		"weekly":    snap.Weekly(),
		"attention": snap.Attention(0),
	})
}

func (s *Server) upcomingInterviews(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 5)
	days := req.GetInt("days", 0)
	if limit < 0 || days < 0 {
		return mcp.NewToolResultError("limit and days must not be negative"), nil
	}
	snap, err := s.svc.Dashboard(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	upcoming := snap.Upcoming(limit, time.Duration(days)*24*time.Hour)
	if len(upcoming) == 0 {
		return mcp.NewToolResultText("no upcoming interviews"), nil
	}
	return jsonResult(upcoming)
}

func (s *Server) reminders(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.svc.Dashboard(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	due := snap.Reminders()
	if len(due) == 0 {
		return mcp.NewToolResultText("nothing due"), nil
	}
	return jsonResult(due)
}

func (s *Server) getEntityContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(EntityContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     EntityContract,
		},
	}, nil
}
