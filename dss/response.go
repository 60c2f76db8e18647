package dss

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"surveydss/survey"
)

// PendingResponse is a not-yet-persisted response record. It deliberately
// has no participant identifier field; the structural absence of identity
// is what keeps a later join impossible.
type PendingResponse struct {
	ResponseID  uuid.UUID           `json:"responseId"`
	SurveyID    uuid.UUID           `json:"surveyId"`
	QuestionID  uuid.UUID           `json:"questionId"`
	Type        survey.QuestionType `json:"questionType"`
	Answer      string              `json:"answer"`
	Discrepancy decimal.Decimal     `json:"discrepancy"`
}

// DeriveDiscrepancies computes the Discrepancy statistic for every rating
// answer in a batch: the absolute distance from the mean of the batch's
// valid numeric rating answers. Non-rating and unparsable answers keep a
// zero discrepancy. The input is returned with ids assigned and
// discrepancies filled in.
func DeriveDiscrepancies(batch []PendingResponse) []PendingResponse {
	derived := make([]PendingResponse, len(batch))
	copy(derived, batch)

	var ratings []decimal.Decimal
	for _, response := range derived {
		if response.Type != survey.QuestionRating {
			continue
		}
		value, err := decimal.NewFromString(strings.TrimSpace(response.Answer))
		if err != nil {
			continue
		}
		ratings = append(ratings, value)
	}

	var mean decimal.Decimal
	if len(ratings) > 0 {
		mean = decimal.Avg(ratings[0], ratings[1:]...)
	}

	for i := range derived {
		if derived[i].ResponseID == uuid.Nil {
			derived[i].ResponseID = uuid.New()
		}
		if derived[i].Type != survey.QuestionRating || len(ratings) == 0 {
			derived[i].Discrepancy = decimal.Zero
			continue
		}
		value, err := decimal.NewFromString(strings.TrimSpace(derived[i].Answer))
		if err != nil {
			derived[i].Discrepancy = decimal.Zero
			continue
		}
		derived[i].Discrepancy = value.Sub(mean).Abs()
	}
	return derived
}

func toSurveyResponse(pending PendingResponse) survey.Response {
	return survey.Response{
		ResponseID:  pending.ResponseID,
		SurveyID:    pending.SurveyID,
		QuestionID:  pending.QuestionID,
		Type:        pending.Type,
		Answer:      pending.Answer,
		Discrepancy: pending.Discrepancy,
	}
}
