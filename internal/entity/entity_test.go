package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/jobtrail/internal/apperr"
)

func TestEncode_ExcludesMeta(t *testing.T) {
	p := &Pipeline{Company: "Acme", Role: "Engineer", Status: StatusApplied, Priority: 3}
	p.ID = "id-1"
	p.Revision = 7
	p.RemoteRef = "row-9"

	data, err := Encode(p)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"company":"Acme"`)
	assert.NotContains(t, s, "id-1")
	assert.NotContains(t, s, "row-9")
	assert.NotContains(t, s, "revision")
}

func TestDecode_AppliesDefaults(t *testing.T) {
	e, err := Decode(KindInterview, []byte(`{"pipeline_id":"p1","scheduled_at":"2026-01-02T15:04:05Z"}`))
	require.NoError(t, err)
	iv := e.(*Interview)
	assert.Equal(t, "p1", iv.PipelineID)
	assert.Equal(t, DefaultDuration, iv.DurationMinutes)
	assert.Equal(t, ModeVideo, iv.Mode)
	assert.Equal(t, 1, iv.Round)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(Kind("contact"), nil)
	assert.Error(t, err)
}

func TestCanonical_IgnoresKeyOrder(t *testing.T) {
	a, err := Canonical(KindQuestion, []byte(`{"prompt":"Why Go?","category":"technical"}`))
	require.NoError(t, err)
	b, err := Canonical(KindQuestion, []byte(`{"category":"technical","prompt":"Why Go?"}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRefFor_Surfaces(t *testing.T) {
	iv := &Interview{}
	SetRef(iv, SurfacePrimary, "row-1")
	SetRef(iv, SurfaceCalendar, "evt-1")
	assert.Equal(t, "row-1", RefFor(iv, SurfacePrimary))
	assert.Equal(t, "evt-1", RefFor(iv, SurfaceCalendar))

	q := &Question{}
	SetRef(q, SurfaceCalendar, "evt-2")
	assert.Empty(t, RefFor(q, SurfaceCalendar))
}

func TestPipelineValidate_ListsFields(t *testing.T) {
	p := &Pipeline{Status: "bogus", JobURL: "not a url"}
	err := apperr.FromValidation(p.Validate())
	require.Error(t, err)

	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"company", "job_url", "role", "status"}, verr.FieldNames())
}

func TestPipelineValidate_OK(t *testing.T) {
	p := &Pipeline{Company: "Acme", Role: "Engineer", Status: StatusApplied, Priority: DefaultPriority}
	assert.NoError(t, p.Validate())
}

func TestInterviewValidate(t *testing.T) {
	iv := &Interview{Type: InterviewTechnical, DurationMinutes: 60}
	err := apperr.FromValidation(iv.Validate())
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"pipeline_id", "scheduled_at"}, verr.FieldNames())

	iv.PipelineID = "p1"
	iv.ScheduledAt = time.Now()
	assert.NoError(t, iv.Validate())
}

func TestQuestionValidate(t *testing.T) {
	q := &Question{Category: CategoryCoding, Rating: 9}
	err := apperr.FromValidation(q.Validate())
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"prompt", "rating"}, verr.FieldNames())
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to PipelineStatus
		ok       bool
	}{
		{StatusApplied, StatusInterviewing, true},
		{StatusApplied, StatusApplied, true},
		{StatusInterviewing, StatusApplied, false},
		{StatusOffer, StatusWithdrawn, true},
		{StatusOffer, StatusRejected, false},
		{StatusRejected, StatusInterviewing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusOffer.Terminal())
}

func TestClone_IsDeep(t *testing.T) {
	q := &Question{Prompt: "p", Tags: []string{"a"}}
	c := q.Clone().(*Question)
	c.Tags[0] = "b"
	assert.Equal(t, "a", q.Tags[0])
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("pipelines")
	require.NoError(t, err)
	assert.Equal(t, KindPipeline, k)
	_, err = ParseKind("contacts")
	assert.Error(t, err)
}
