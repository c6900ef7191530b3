package entity

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// InterviewType classifies an interview round.
type InterviewType string

const (
	InterviewTechnical     InterviewType = "technical"
	InterviewHR            InterviewType = "hr"
	InterviewBehavioral    InterviewType = "behavioral"
	InterviewSystemDesign  InterviewType = "system_design"
	InterviewHiringManager InterviewType = "hiring_manager"
	InterviewOther         InterviewType = "other"
)

// InterviewMode is how the interview is delivered.
type InterviewMode string

const (
	ModeVideo    InterviewMode = "video"
	ModePhone    InterviewMode = "phone"
	ModeOnsite   InterviewMode = "onsite"
	ModeTakeHome InterviewMode = "take_home"
)

// InterviewOutcome is the result of an interview.
type InterviewOutcome string

const (
	OutcomePending     InterviewOutcome = "pending"
	OutcomePassed      InterviewOutcome = "passed"
	OutcomeFailed      InterviewOutcome = "failed"
	OutcomeRescheduled InterviewOutcome = "rescheduled"
)

// DefaultDuration is the interview length in minutes when none is given.
const DefaultDuration = 60

// Interview is one round within a pipeline. It refers back to its pipeline
// and is mirrored to a calendar event when a calendar adapter is configured.
type Interview struct {
	Meta `json:"-"`

	// CalendarRef is the calendar event handle, separate from RemoteRef.
	CalendarRef string `json:"-"`

	PipelineID      string           `json:"pipeline_id"`
	ScheduledAt     time.Time        `json:"scheduled_at"`
	Type            InterviewType    `json:"type"`
	Round           int              `json:"round"`
	DurationMinutes int              `json:"duration_minutes"`
	Mode            InterviewMode    `json:"mode"`
	Outcome         InterviewOutcome `json:"outcome"`
	Notes           string           `json:"notes,omitempty"`
}

func (*Interview) Kind() Kind { return KindInterview }
func (*Interview) isEntity()  {}

// Clone returns a copy.
func (iv *Interview) Clone() Entity {
	c := *iv
	return &c
}

// Ends returns when the interview is scheduled to finish.
func (iv *Interview) Ends() time.Time {
	return iv.ScheduledAt.Add(time.Duration(iv.DurationMinutes) * time.Minute)
}

// Validate checks the interview's own fields. Whether PipelineID refers to
// a live pipeline is checked by the coordinator.
func (iv *Interview) Validate() error {
	return validation.ValidateStruct(iv,
		validation.Field(&iv.PipelineID, validation.Required),
		validation.Field(&iv.ScheduledAt, validation.Required),
		validation.Field(&iv.Type, validation.Required, validation.In(
			InterviewTechnical, InterviewHR, InterviewBehavioral,
			InterviewSystemDesign, InterviewHiringManager, InterviewOther)),
		validation.Field(&iv.Round, validation.Min(1)),
		validation.Field(&iv.DurationMinutes, validation.Min(1), validation.Max(600)),
		validation.Field(&iv.Mode, validation.In(ModeVideo, ModePhone, ModeOnsite, ModeTakeHome)),
		validation.Field(&iv.Outcome, validation.In(OutcomePending, OutcomePassed, OutcomeFailed, OutcomeRescheduled)),
	)
}
