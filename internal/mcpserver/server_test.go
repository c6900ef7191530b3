package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/jobtrail/internal/coordinator"
	"github.com/starford/jobtrail/internal/dashboard"
	"github.com/starford/jobtrail/internal/remote"
	"github.com/starford/jobtrail/internal/remote/memremote"
	"github.com/starford/jobtrail/internal/testutil"
)

func testServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	db := testutil.TestDB(t)
	svc := coordinator.New(db, []remote.Adapter{memremote.New("sheets")},
		coordinator.WithLogger(testutil.Logger()))
	return New(svc, "test"), svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go doesn't expose a direct "call tool" test helper, so we call
	// the handler functions directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_entities":
		result, err = srv.listEntities(ctx, req)
	case "get_entity":
		result, err = srv.getEntity(ctx, req)
	case "save_pipeline":
		result, err = srv.save("pipeline")(ctx, req)
	case "save_interview":
		result, err = srv.save("interview")(ctx, req)
	case "save_question":
		result, err = srv.save("question")(ctx, req)
	case "delete_entity":
		result, err = srv.deleteEntity(ctx, req)
	case "trigger_sync":
		result, err = srv.triggerSync(ctx, req)
	case "sync_state":
		result, err = srv.syncState(ctx, req)
	case "get_entity_contract":
		result, err = srv.getEntityContract(ctx, req)
	case "dashboard_metrics":
		result, err = srv.dashboardMetrics(ctx, req)
	case "upcoming_interviews":
		result, err = srv.upcomingInterviews(ctx, req)
	case "reminders":
		result, err = srv.reminders(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func savedView(t *testing.T, r *mcp.CallToolResult) entityView {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool failed: %s", resultText(r))
	}
	var v entityView
	if err := json.Unmarshal([]byte(resultText(r)), &v); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return v
}

func TestSaveAndGetPipeline(t *testing.T) {
	srv, _ := testServer(t)

	v := savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{
		"company": "Acme",
		"role":    "Engineer",
	}))
	if v.Revision != 1 || v.ID == "" {
		t.Fatalf("saved = %+v", v)
	}

	got := savedView(t, callTool(t, srv, "get_entity", map[string]interface{}{"id": v.ID}))
	if !strings.Contains(string(got.Fields), `"company":"Acme"`) {
		t.Errorf("fields = %s", got.Fields)
	}
	if !strings.Contains(string(got.Fields), `"status":"applied"`) {
		t.Errorf("expected default status in %s", got.Fields)
	}
}

func TestSavePipeline_PartialUpdate(t *testing.T) {
	srv, _ := testServer(t)

	v := savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{
		"company": "Acme", "role": "Engineer", "notes": "referral",
	}))
	upd := savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{
		"id": v.ID, "status": "interviewing", "priority": float64(1),
	}))
	if upd.Revision != 2 {
		t.Errorf("revision = %d, want 2", upd.Revision)
	}
	for _, want := range []string{`"notes":"referral"`, `"status":"interviewing"`, `"priority":1`} {
		if !strings.Contains(string(upd.Fields), want) {
			t.Errorf("missing %s in %s", want, upd.Fields)
		}
	}
}

func TestSavePipeline_ValidationError(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "save_pipeline", map[string]interface{}{"company": "Acme"})
	if !r.IsError {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(resultText(r), "role") {
		t.Errorf("error should name the role field: %q", resultText(r))
	}
}

func TestSaveInterviewAndQuestion(t *testing.T) {
	srv, _ := testServer(t)

	p := savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{"company": "Acme", "role": "SRE"}))
	iv := savedView(t, callTool(t, srv, "save_interview", map[string]interface{}{
		"pipeline_id":  p.ID,
		"scheduled_at": "2026-03-10T14:00:00Z",
		"type":         "system_design",
	}))
	if iv.Kind != "interview" {
		t.Errorf("kind = %q", iv.Kind)
	}

	q := savedView(t, callTool(t, srv, "save_question", map[string]interface{}{
		"prompt": "Design a rate limiter",
		"tags":   []interface{}{"distributed", "redis"},
	}))
	if !strings.Contains(string(q.Fields), `"tags":["distributed","redis"]`) {
		t.Errorf("fields = %s", q.Fields)
	}

	r := callTool(t, srv, "save_question", map[string]interface{}{"id": p.ID, "prompt": "x"})
	if !r.IsError {
		t.Error("expected error when updating a pipeline as a question")
	}
}

func TestListAndDelete(t *testing.T) {
	srv, _ := testServer(t)

	p := savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{"company": "Acme", "role": "Engineer"}))
	_ = savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{"company": "Globex", "role": "SRE"}))

	r := callTool(t, srv, "delete_entity", map[string]interface{}{"id": p.ID})
	if resultText(r) != "deleted: "+p.ID {
		t.Errorf("delete result = %q", resultText(r))
	}

	r = callTool(t, srv, "list_entities", map[string]interface{}{"kind": "pipeline"})
	var views []entityView
	if err := json.Unmarshal([]byte(resultText(r)), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Errorf("pipelines = %d, want 1", len(views))
	}

	r = callTool(t, srv, "get_entity", map[string]interface{}{"id": p.ID})
	if !r.IsError {
		t.Error("expected error for deleted entity")
	}
}

func TestListEntities_UnknownKind(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "list_entities", map[string]interface{}{"kind": "offer"})
	if !r.IsError {
		t.Error("expected error for unknown kind")
	}
}

func TestSyncTools(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "trigger_sync", map[string]interface{}{"target": "nowhere"})
	if !r.IsError {
		t.Error("expected error for unknown target")
	}

	_ = savedView(t, callTool(t, srv, "save_question", map[string]interface{}{"prompt": "Why us?"}))
	r = callTool(t, srv, "sync_state", map[string]interface{}{})
	var states []coordinator.SyncState
	if err := json.Unmarshal([]byte(resultText(r)), &states); err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Target != "sheets" || states[0].Pending != 1 {
		t.Errorf("states = %+v", states)
	}
}

func TestGetEntityContract(t *testing.T) {
	srv, _ := testServer(t)
	text := resultText(callTool(t, srv, "get_entity_contract", nil))
	if !strings.Contains(text, "pipeline_id") {
		t.Error("contract should describe interview fields")
	}
}

func TestDashboardTools(t *testing.T) {
	srv, _ := testServer(t)

	if got := resultText(callTool(t, srv, "upcoming_interviews", nil)); got != "no upcoming interviews" {
		t.Errorf("empty upcoming = %q", got)
	}
	if got := resultText(callTool(t, srv, "reminders", nil)); got != "nothing due" {
		t.Errorf("empty reminders = %q", got)
	}

	p := savedView(t, callTool(t, srv, "save_pipeline", map[string]interface{}{"company": "Acme", "role": "SRE"}))
	at := time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339)
	_ = savedView(t, callTool(t, srv, "save_interview", map[string]interface{}{
		"pipeline_id": p.ID, "scheduled_at": at, "type": "technical",
	}))

	r := callTool(t, srv, "upcoming_interviews", map[string]interface{}{"limit": float64(3)})
	var upcoming []dashboard.UpcomingInterview
	if err := json.Unmarshal([]byte(resultText(r)), &upcoming); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	if len(upcoming) != 1 || upcoming[0].Company != "Acme" {
		t.Errorf("upcoming = %+v", upcoming)
	}

	r = callTool(t, srv, "upcoming_interviews", map[string]interface{}{"days": float64(1)})
	if got := resultText(r); got != "no upcoming interviews" {
		t.Errorf("upcoming within a day = %q", got)
	}

	r = callTool(t, srv, "dashboard_metrics", nil)
	var overview struct {
		Metrics dashboard.Metrics `json:"metrics"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &overview); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	if overview.Metrics.ActivePipelines != 1 {
		t.Errorf("active pipelines = %d", overview.Metrics.ActivePipelines)
	}

	if r := callTool(t, srv, "upcoming_interviews", map[string]interface{}{"limit": float64(-1)}); !r.IsError {
		t.Error("expected error for a negative limit")
	}
}
