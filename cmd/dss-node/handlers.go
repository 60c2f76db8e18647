package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"surveydss/dss"
)

type apiServer struct {
	service     *dss.Service
	metrics     *dss.Metrics
	adminAuth   func(*http.Request) bool
	machineName string
}

// envelope is the structured result returned by every DSS endpoint.
type envelope struct {
	Successful bool   `json:"successful"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

type transferData struct {
	Accepted int `json:"accepted"`
}

type flushData struct {
	Flushed int `json:"flushed"`
}

type statusResponse struct {
	MachineName string        `json:"machineName"`
	Timestamp   string        `json:"timestamp"`
	DssStatus   dss.DssStatus `json:"dssStatus"`
}

func (s *apiServer) handleInstanceComm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, envelope{Message: "method not allowed"})
		return
	}
	if !s.service.VerifyInstanceSecret(r.Header.Get(dss.SecretHeader)) {
		writeEnvelope(w, http.StatusUnauthorized, envelope{Message: "instance secret is missing or invalid"})
		return
	}

	dec := json.NewDecoder(r.Body)
	var message dss.InstanceMessage
	if err := dec.Decode(&message); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "invalid request body"})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "invalid request body"})
		return
	}

	result := s.service.ReceiveTransfer(r.Context(), message)
	response := envelope{Successful: result.Successful, Message: result.Message}
	if result.Successful && message.Type == dss.CommTransferResponses {
		response.Data = transferData{Accepted: result.Accepted}
	}
	writeEnvelope(w, http.StatusOK, response)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeEnvelope(w, http.StatusMethodNotAllowed, envelope{Message: "method not allowed"})
		return
	}
	if !s.adminAuth(r) {
		writeEnvelope(w, http.StatusUnauthorized, envelope{Message: "admin authorization required"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		MachineName: s.machineName,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		DssStatus:   s.service.Status(),
	})
}

func (s *apiServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, envelope{Message: "method not allowed"})
		return
	}
	if !s.adminAuth(r) {
		writeEnvelope(w, http.StatusUnauthorized, envelope{Message: "admin authorization required"})
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/dss/flush/"), "/")
	surveyID, err := uuid.Parse(raw)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "surveyId must be a uuid"})
		return
	}

	flushed, err := s.service.FlushPendingResponses(r.Context(), surveyID)
	if err != nil {
		var notLeader dss.NotLeaderError
		if errors.As(err, &notLeader) {
			writeEnvelope(w, http.StatusOK, envelope{Message: "instance is not the leader"})
			return
		}
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "flush failed"})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{
		Successful: true,
		Message:    "flush complete",
		Data:       flushData{Flushed: flushed},
	})
}

func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.service.Status().IsReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("election has not stabilized"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleMetrics(metrics *dss.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if metrics == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w)
	}
}

// newBearerAuthorizer is the reference admin authorizer: a shared bearer
// token checked in constant time. Deployments with a richer role system
// inject their own check.
func newBearerAuthorizer(token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) == 1
	}
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
