package entity

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// QuestionCategory groups questions in the question bank.
type QuestionCategory string

const (
	CategoryBehavioral   QuestionCategory = "behavioral"
	CategoryTechnical    QuestionCategory = "technical"
	CategorySystemDesign QuestionCategory = "system_design"
	CategoryCoding       QuestionCategory = "coding"
	CategoryCulture      QuestionCategory = "culture"
	CategoryOther        QuestionCategory = "other"
)

// Question is a question-bank item, independent of any pipeline.
type Question struct {
	Meta `json:"-"`

	Category QuestionCategory `json:"category"`
	Prompt   string           `json:"prompt"`
	Answer   string           `json:"answer,omitempty"`
	Tags     []string         `json:"tags,omitempty"`
	Rating   int              `json:"rating,omitempty"`
}

func (*Question) Kind() Kind { return KindQuestion }
func (*Question) isEntity()  {}

// Clone returns a deep copy.
func (q *Question) Clone() Entity {
	c := *q
	if q.Tags != nil {
		c.Tags = append([]string(nil), q.Tags...)
	}
	return &c
}

// Validate checks the question's fields.
func (q *Question) Validate() error {
	return validation.ValidateStruct(q,
		validation.Field(&q.Category, validation.Required, validation.In(
			CategoryBehavioral, CategoryTechnical, CategorySystemDesign,
			CategoryCoding, CategoryCulture, CategoryOther)),
		validation.Field(&q.Prompt, validation.Required),
		validation.Field(&q.Rating, validation.Min(0), validation.Max(5)),
	)
}
