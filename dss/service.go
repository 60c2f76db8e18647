package dss

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"surveydss/survey"
)

// Anonymizer is the opaque external text transform applied to free-text
// answers before persistence. Failure is non-fatal.
type Anonymizer func(ctx context.Context, text string) (string, error)

// Service is the delayed submission subsystem of one instance: the
// in-memory queue, the randomized flush scheduler, and the transfer
// fold-in path. Collaborators are injected; nothing is looked up from a
// global.
type Service struct {
	cfg       Config
	elector   LeaderElector
	gateway   survey.Gateway
	transfer  TransferClient
	anonymize Anonymizer
	clock     Clock
	metrics   *Metrics

	// transferMu serializes outbound transfers so a drain and a forward
	// never ship overlapping copies of the same records.
	transferMu sync.Mutex

	mu              sync.Mutex
	rng             *rand.Rand
	pending         []PendingResponse
	currentPct      int
	armed           bool
	nextFlushAt     time.Time
	lastFlushAt     time.Time
	lastFlushAmount int

	wake     chan struct{}
	statusCh chan DssStatus
}

// NewService constructs the subsystem with its injected collaborators.
func NewService(cfg Config, elector LeaderElector, gateway survey.Gateway, transfer TransferClient, clock Clock) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if elector == nil {
		return nil, errors.New("elector is required")
	}
	if gateway == nil {
		return nil, errors.New("persistence gateway is required")
	}
	if transfer == nil {
		return nil, errors.New("transfer client is required")
	}
	return &Service{
		cfg:        cfg,
		elector:    elector,
		gateway:    gateway,
		transfer:   transfer,
		clock:      clock.withDefaults(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		currentPct: cfg.MinPercentage,
		wake:       make(chan struct{}, 1),
		statusCh:   make(chan DssStatus, 8),
	}, nil
}

// SetMetrics assigns a metrics registry to the service.
func (s *Service) SetMetrics(metrics *Metrics) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.metrics = metrics
	depth := len(s.pending)
	pct := s.currentPct
	s.mu.Unlock()
	if metrics != nil {
		metrics.SetQueueDepth(depth)
		metrics.SetCurrentPercentage(pct)
	}
}

// SetAnonymizer assigns the external text transform.
func (s *Service) SetAnonymizer(anonymize Anonymizer) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.anonymize = anonymize
	s.mu.Unlock()
}

// SetRand assigns the randomness source used for delays, selection, and
// the percentage walk. Tests inject a seeded source.
func (s *Service) SetRand(rng *rand.Rand) {
	if s == nil || rng == nil {
		return
	}
	s.mu.Lock()
	s.rng = rng
	s.mu.Unlock()
}

// QueueResponses accepts a submitted batch. On the leader the batch is
// held in memory until a flush cycle selects it; on a follower it is
// forwarded to the leader immediately. Leadership is evaluated per call.
// Fire-and-forget: forwarding failures retain the batch locally and are
// never surfaced to the submitter.
func (s *Service) QueueResponses(ctx context.Context, batch []PendingResponse) {
	if len(batch) == 0 {
		return
	}
	derived := DeriveDiscrepancies(batch)
	s.metrics.ObserveQueued(len(derived))

	if s.elector.IsLeader() {
		s.enqueueLocal(derived)
		return
	}
	s.appendPending(derived)
	s.drainToLeader(ctx)
}

// ReceiveTransfer folds an inbound instance message into the local
// subsystem. The caller has already authenticated the shared secret.
func (s *Service) ReceiveTransfer(ctx context.Context, message InstanceMessage) CommResult {
	switch message.Type {
	case CommNoOp:
		return CommResult{Successful: true, Message: "ok"}
	case CommTransferResponses:
		if !s.elector.IsLeader() {
			// The sender should re-resolve the leader and retry there.
			return CommResult{Successful: false, Message: "receiver is not the leader"}
		}
		// Discrepancy traveled with the records; no re-derivation.
		s.enqueueLocal(message.Responses)
		s.metrics.ObserveReceived(len(message.Responses))
		log.Printf("transfer_received source_instance=%s count=%d", message.SourceInstanceID, len(message.Responses))
		return CommResult{
			Successful: true,
			Message:    fmt.Sprintf("accepted %d responses", len(message.Responses)),
			Accepted:   len(message.Responses),
		}
	case CommCloseSurvey:
		if !s.elector.IsLeader() {
			return CommResult{Successful: false, Message: "receiver is not the leader"}
		}
		if err := s.gateway.CloseSurvey(ctx, message.SurveyID); err != nil {
			log.Printf("close_survey_failed survey_id=%s error=%v", message.SurveyID, err)
			return CommResult{Successful: false, Message: "survey close failed"}
		}
		return CommResult{Successful: true, Message: "survey closed"}
	default:
		return CommResult{Successful: false, Message: fmt.Sprintf("unknown communication type %q", message.Type)}
	}
}

// VerifyInstanceSecret compares a presented secret in constant time.
func (s *Service) VerifyInstanceSecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.InstanceSecret)) == 1
}

// Run processes leadership changes and drives the flush scheduler until
// the context is canceled. Only the leader ever has an armed cycle.
func (s *Service) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	changes := s.elector.Changes()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		armed := s.armed
		nextFlushAt := s.nextFlushAt
		s.mu.Unlock()

		if !armed {
			select {
			case <-ctx.Done():
				return
			case change := <-changes:
				s.handleLeadershipChange(ctx, change)
			case <-s.wake:
			}
			continue
		}

		now := s.clock.Now()
		wait := nextFlushAt.Sub(now)
		if wait <= 0 {
			s.fireFlushCycle(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			s.handleLeadershipChange(ctx, change)
		case <-s.wake:
		case <-s.clock.After(wait):
		}
	}
}

// Shutdown performs the terminal drain policy. A follower holding queued
// records makes one best-effort transfer to the leader. A leader never
// auto-flushes on shutdown: a forced flush at a known instant would let
// an operator correlate uptime with persistence, so leader-side records
// are dropped instead.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	queued := len(s.pending)
	s.disarmLocked()
	s.mu.Unlock()

	if queued == 0 {
		return
	}
	if s.elector.IsLeader() {
		log.Printf("shutdown_discard queued=%d reason=leader_never_auto_flushes", queued)
		return
	}
	s.drainToLeader(ctx)
}

func (s *Service) handleLeadershipChange(ctx context.Context, change LeadershipChange) {
	if change.IsLeader {
		s.metrics.ObserveLeadership(true)
		log.Printf("leadership_promoted instance_id=%s", change.InstanceID)
		// Arm unconditionally so records enqueued moments later are covered.
		s.mu.Lock()
		s.armLocked(true)
		s.mu.Unlock()
		s.notifyStatus()
		return
	}

	s.metrics.ObserveLeadership(false)
	log.Printf("leadership_demoted instance_id=%s", change.InstanceID)
	s.mu.Lock()
	s.disarmLocked()
	queued := len(s.pending)
	s.mu.Unlock()
	if queued > 0 {
		s.drainToLeader(ctx)
	}
	s.notifyStatus()
}

// enqueueLocal appends records under the lock and arms a cold cycle when
// no cycle is armed. Leader path only.
func (s *Service) enqueueLocal(records []PendingResponse) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, records...)
	depth := len(s.pending)
	if !s.armed {
		s.armLocked(true)
	}
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)
	s.wakeRun()
}

func (s *Service) appendPending(records []PendingResponse) {
	s.mu.Lock()
	s.pending = append(s.pending, records...)
	depth := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)
}

// drainToLeader ships the entire local queue to the current leader in one
// call. Records leave the queue only after a successful acknowledgment,
// so a failed or repeated drain never duplicates or drops them.
func (s *Service) drainToLeader(ctx context.Context) {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	s.mu.Lock()
	outbound := make([]PendingResponse, len(s.pending))
	copy(outbound, s.pending)
	s.mu.Unlock()
	if len(outbound) == 0 {
		return
	}

	if s.elector.IsLeader() {
		// Leadership moved to us while records were retained; they already
		// sit in the local queue, so just make sure a cycle is armed.
		s.mu.Lock()
		if !s.armed {
			s.armLocked(true)
		}
		s.mu.Unlock()
		s.wakeRun()
		return
	}

	transferCtx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()
	if err := s.transfer.TransferResponsesToLeader(transferCtx, outbound); err != nil {
		s.metrics.ObserveTransferFailure()
		log.Printf("transfer_failed count=%d error=%v", len(outbound), err)
		return
	}
	s.removeByID(outbound)
	s.metrics.ObserveTransferred(len(outbound))
	log.Printf("transfer_sent count=%d", len(outbound))
}

func (s *Service) removeByID(records []PendingResponse) {
	sent := make(map[uuid.UUID]struct{}, len(records))
	for _, record := range records {
		sent[record.ResponseID] = struct{}{}
	}
	s.mu.Lock()
	kept := s.pending[:0]
	for _, record := range s.pending {
		if _, ok := sent[record.ResponseID]; ok {
			continue
		}
		kept = append(kept, record)
	}
	s.pending = kept
	depth := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)
}

func (s *Service) wakeRun() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
