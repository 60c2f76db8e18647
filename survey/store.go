package survey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the SQL Server-backed Gateway implementation.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store over an open database handle.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// QuestionCount returns the number of questions in a survey.
func (s *Store) QuestionCount(ctx context.Context, surveyID uuid.UUID) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM dbo.survey_questions WHERE survey_id = @p1`,
		surveyID.String(),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SaveResponses durably persists a batch of finalized responses in one
// transaction.
func (s *Store) SaveResponses(ctx context.Context, responses []Response) error {
	if len(responses) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	for _, response := range responses {
		responseID := response.ResponseID
		if responseID == uuid.Nil {
			responseID = uuid.New()
		}
		persistedAt := response.PersistedAt
		if persistedAt.IsZero() {
			persistedAt = now
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO dbo.survey_responses (
        response_id, survey_id, question_id, question_type, answer, discrepancy, persisted_at
      ) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`,
			responseID.String(),
			response.SurveyID.String(),
			response.QuestionID.String(),
			string(response.Type),
			response.Answer,
			response.Discrepancy.String(),
			persistedAt.UTC(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CloseSurvey flips a running survey to closed. Closing an already closed
// survey is not an error.
func (s *Store) CloseSurvey(ctx context.Context, surveyID uuid.UUID) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.surveys
     SET state = @p1, closed_at = @p2
     WHERE survey_id = @p3 AND state = @p4`,
		string(StateClosed),
		now,
		surveyID.String(),
		string(StateRunning),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		row := s.db.QueryRowContext(
			ctx,
			`SELECT state FROM dbo.surveys WHERE survey_id = @p1`,
			surveyID.String(),
		)
		var state string
		if err := row.Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("survey %s not found", surveyID)
			}
			return err
		}
	}
	return nil
}

// CreateSurvey inserts a survey and its questions. Used by setup tooling
// and tests; the submission path never creates surveys.
func (s *Store) CreateSurvey(ctx context.Context, item Survey, questions []Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	state := item.State
	if state == "" {
		state = StateRunning
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO dbo.surveys (survey_id, title, state, created_at, closed_at)
     VALUES (@p1, @p2, @p3, @p4, NULL)`,
		item.SurveyID.String(),
		item.Title,
		string(state),
		createdAt.UTC(),
	)
	if err != nil {
		return err
	}
	for _, question := range questions {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO dbo.survey_questions (question_id, survey_id, question_type, prompt, position)
       VALUES (@p1, @p2, @p3, @p4, @p5)`,
			question.QuestionID.String(),
			item.SurveyID.String(),
			string(question.Type),
			question.Prompt,
			question.Position,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
