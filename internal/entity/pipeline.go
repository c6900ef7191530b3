package entity

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// PipelineStatus is the stage of a job application.
type PipelineStatus string

const (
	StatusApplied      PipelineStatus = "applied"
	StatusInterviewing PipelineStatus = "interviewing"
	StatusOffer        PipelineStatus = "offer"
	StatusRejected     PipelineStatus = "rejected"
	StatusWithdrawn    PipelineStatus = "withdrawn"
)

// DefaultPriority is the priority given to pipelines created without one.
const DefaultPriority = 2

var statusTransitions = map[PipelineStatus][]PipelineStatus{
	StatusApplied:      {StatusInterviewing, StatusOffer, StatusRejected, StatusWithdrawn},
	StatusInterviewing: {StatusOffer, StatusRejected, StatusWithdrawn},
	StatusOffer:        {StatusWithdrawn},
	StatusRejected:     nil,
	StatusWithdrawn:    nil,
}

// Terminal reports whether no further transition is possible.
func (s PipelineStatus) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// CanTransition reports whether a pipeline may move from s to next.
// Staying in the same status is always allowed.
func (s PipelineStatus) CanTransition(next PipelineStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Pipeline is a tracked job application.
type Pipeline struct {
	Meta `json:"-"`

	Company   string         `json:"company"`
	Role      string         `json:"role"`
	Status    PipelineStatus `json:"status"`
	Notes     string         `json:"notes,omitempty"`
	JobURL    string         `json:"job_url,omitempty"`
	Location  string         `json:"location,omitempty"`
	Priority  int            `json:"priority"`
	AppliedOn *time.Time     `json:"applied_on,omitempty"`
}

func (*Pipeline) Kind() Kind { return KindPipeline }
func (*Pipeline) isEntity()  {}

// Clone returns a deep copy.
func (p *Pipeline) Clone() Entity {
	c := *p
	if p.AppliedOn != nil {
		t := *p.AppliedOn
		c.AppliedOn = &t
	}
	return &c
}

// Validate checks the pipeline's own fields.
func (p *Pipeline) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Company, validation.Required, validation.Length(1, 100)),
		validation.Field(&p.Role, validation.Required, validation.Length(1, 200)),
		validation.Field(&p.Status, validation.Required, validation.In(
			StatusApplied, StatusInterviewing, StatusOffer, StatusRejected, StatusWithdrawn)),
		validation.Field(&p.JobURL, is.URL),
		validation.Field(&p.Priority, validation.Min(1), validation.Max(5)),
	)
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("%s - %s (%s)", p.Company, p.Role, p.Status)
}
