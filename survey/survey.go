package survey

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuestionType identifies the answer semantics of a question.
type QuestionType string

const (
	// QuestionRating is a numeric rating question.
	QuestionRating QuestionType = "rating"
	// QuestionText is a free-text question.
	QuestionText QuestionType = "text"
)

// SurveyState is the lifecycle state of a survey.
type SurveyState string

const (
	// StateRunning means the survey accepts submissions.
	StateRunning SurveyState = "running"
	// StateClosed means the survey is closed to submissions.
	StateClosed SurveyState = "closed"
)

// Survey is the durable survey record.
type Survey struct {
	SurveyID  uuid.UUID
	Title     string
	State     SurveyState
	CreatedAt time.Time
	ClosedAt  time.Time
}

// Question is a single survey question.
type Question struct {
	QuestionID uuid.UUID
	SurveyID   uuid.UUID
	Type       QuestionType
	Prompt     string
	Position   int
}

// Response is a finalized, durable response record. It carries no
// participant identity in any field.
type Response struct {
	ResponseID  uuid.UUID
	SurveyID    uuid.UUID
	QuestionID  uuid.UUID
	Type        QuestionType
	Answer      string
	Discrepancy decimal.Decimal
	PersistedAt time.Time
}

// Gateway is the durable persistence boundary consumed by the delayed
// submission subsystem.
type Gateway interface {
	QuestionCount(ctx context.Context, surveyID uuid.UUID) (int, error)
	SaveResponses(ctx context.Context, responses []Response) error
	CloseSurvey(ctx context.Context, surveyID uuid.UUID) error
}
