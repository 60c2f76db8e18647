package dss

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CommType enumerates inter-instance message kinds.
type CommType string

const (
	// CommNoOp verifies connectivity and authentication only.
	CommNoOp CommType = "noop"
	// CommTransferResponses carries queued responses to the leader.
	CommTransferResponses CommType = "transfer_responses"
	// CommCloseSurvey asks the leader to close a survey.
	CommCloseSurvey CommType = "close_survey"
)

// InstanceMessage is the wire payload between instances. The shared
// secret travels in a header, never in the body.
type InstanceMessage struct {
	SourceInstanceID string            `json:"sourceInstanceId"`
	Type             CommType          `json:"communicationType"`
	Responses        []PendingResponse `json:"responses,omitempty"`
	SurveyID         uuid.UUID         `json:"surveyId,omitempty"`
}

// CommResult is the structured acknowledgment for an instance message.
type CommResult struct {
	Successful bool   `json:"successful"`
	Message    string `json:"message"`
	Accepted   int    `json:"accepted,omitempty"`
}

// SecretHeader carries the shared instance secret on transfer calls.
const SecretHeader = "X-DSS-Instance-Secret"

// TransferClient forwards work from a follower to the current leader.
type TransferClient interface {
	// TransferResponsesToLeader sends a batch to the leader. No-op success
	// when the batch is empty or the local instance is itself leader.
	TransferResponsesToLeader(ctx context.Context, batch []PendingResponse) error
	// CloseSurveyOnLeader delegates a survey close to the leader.
	CloseSurveyOnLeader(ctx context.Context, surveyID uuid.UUID) error
}

// LeaderResolver resolves the current leader's identity and transfer
// address. LeaseElector implements it.
type LeaderResolver interface {
	InstanceID() string
	IsLeader() bool
	LeaderBaseURL(ctx context.Context) (string, string, bool)
}

// HTTPTransferClient ships instance messages to the leader's transfer
// endpoint with a short fixed timeout.
type HTTPTransferClient struct {
	resolver LeaderResolver
	secret   string
	client   *http.Client
}

// NewHTTPTransferClient constructs the transfer client. The timeout on
// the supplied client bounds every call; a nil client gets the config
// default applied by the caller.
func NewHTTPTransferClient(resolver LeaderResolver, secret string, client *http.Client) (*HTTPTransferClient, error) {
	if resolver == nil {
		return nil, errors.New("leader resolver is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("instance secret is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransferClient{
		resolver: resolver,
		secret:   secret,
		client:   client,
	}, nil
}

func (c *HTTPTransferClient) TransferResponsesToLeader(ctx context.Context, batch []PendingResponse) error {
	if len(batch) == 0 || c.resolver.IsLeader() {
		return nil
	}
	message := InstanceMessage{
		SourceInstanceID: c.resolver.InstanceID(),
		Type:             CommTransferResponses,
		Responses:        batch,
	}
	result, leaderID, err := c.send(ctx, message)
	if err != nil {
		return TransferError{LeaderID: leaderID, Count: len(batch), Cause: err}
	}
	if !result.Successful {
		return TransferError{LeaderID: leaderID, Count: len(batch), Cause: fmt.Errorf("leader declined: %s", result.Message)}
	}
	return nil
}

func (c *HTTPTransferClient) CloseSurveyOnLeader(ctx context.Context, surveyID uuid.UUID) error {
	if c.resolver.IsLeader() {
		return nil
	}
	message := InstanceMessage{
		SourceInstanceID: c.resolver.InstanceID(),
		Type:             CommCloseSurvey,
		SurveyID:         surveyID,
	}
	result, leaderID, err := c.send(ctx, message)
	if err != nil {
		return TransferError{LeaderID: leaderID, Cause: err}
	}
	if !result.Successful {
		return TransferError{LeaderID: leaderID, Cause: fmt.Errorf("leader declined: %s", result.Message)}
	}
	return nil
}

func (c *HTTPTransferClient) send(ctx context.Context, message InstanceMessage) (CommResult, string, error) {
	leaderID, baseURL, ok := c.resolver.LeaderBaseURL(ctx)
	if !ok {
		return CommResult{}, "", errors.New("no leader is currently known")
	}
	body, err := json.Marshal(message)
	if err != nil {
		return CommResult{}, leaderID, err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/instance/comm"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CommResult{}, leaderID, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return CommResult{}, leaderID, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return CommResult{}, leaderID, UnauthorizedError{}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return CommResult{}, leaderID, fmt.Errorf("leader returned status %d", resp.StatusCode)
	}

	var result CommResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return CommResult{}, leaderID, fmt.Errorf("decode transfer acknowledgment: %w", err)
	}
	return result, leaderID, nil
}

// singleInstanceResolver adapts SingleInstanceElector for transfer wiring
// in single-instance deployments, where every call is a no-op.
type singleInstanceResolver struct {
	*SingleInstanceElector
}

// NewSingleInstanceResolver wraps a single-instance elector as a
// LeaderResolver.
func NewSingleInstanceResolver(elector *SingleInstanceElector) LeaderResolver {
	return singleInstanceResolver{elector}
}

func (r singleInstanceResolver) LeaderBaseURL(ctx context.Context) (string, string, bool) {
	return r.InstanceID(), "", false
}
