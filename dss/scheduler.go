package dss

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"surveydss/pii"
	"surveydss/survey"
)

// armLocked schedules the next flush cycle. Cold arming (first cycle over
// a freshly active queue) draws from the long window so there is no
// predictable cadence between submission and persistence; hot re-arming
// after a productive flush draws from the short window to drain backlog.
// Caller holds s.mu.
func (s *Service) armLocked(cold bool) {
	var min, max time.Duration
	if cold {
		min, max = s.cfg.ColdDelayMin, s.cfg.ColdDelayMax
	} else {
		min, max = s.cfg.HotDelayMin, s.cfg.HotDelayMax
	}
	delay := min
	if span := max - min; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span) + 1))
	}
	s.armed = true
	s.nextFlushAt = s.clock.Now().Add(delay)
}

// disarmLocked stops the cycle entirely and resets the flush ratio.
// Caller holds s.mu.
func (s *Service) disarmLocked() {
	s.armed = false
	s.nextFlushAt = time.Time{}
	s.currentPct = s.cfg.MinPercentage
}

// fireFlushCycle runs one selection-and-persist pass. Selection decisions
// use a snapshot taken under the lock; question counts and persistence
// happen with the lock released, so enqueues racing a firing cycle land
// entirely in this batch or entirely in the next one.
func (s *Service) fireFlushCycle(ctx context.Context) {
	start := s.clock.Now()

	s.mu.Lock()
	if !s.elector.IsLeader() {
		s.disarmLocked()
		s.mu.Unlock()
		return
	}
	snapshot := make(map[uuid.UUID][]PendingResponse)
	for _, record := range s.pending {
		snapshot[record.SurveyID] = append(snapshot[record.SurveyID], record)
	}
	pct := s.currentPct
	s.mu.Unlock()

	var selected []PendingResponse
	for surveyID, records := range snapshot {
		questionCount, err := s.gateway.QuestionCount(ctx, surveyID)
		if err != nil {
			log.Printf("question_count_failed survey_id=%s error=%v", surveyID, err)
			continue
		}
		minimumEligible := questionCount * s.cfg.MinimumSurveySubmissions
		pending := len(records)
		if pending <= minimumEligible {
			continue
		}
		toSubmit := ceilPercentage(pending, pct)
		if limit := pending - minimumEligible; toSubmit > limit {
			toSubmit = limit
		}
		selected = append(selected, s.pickUniform(records, toSubmit)...)
	}

	removed := s.extractByID(selected)
	flushed, err := s.anonymizeAndPersist(ctx, removed)
	if err != nil {
		// Returned to the queue by anonymizeAndPersist; retry on the short
		// window without advancing the ratio.
		s.mu.Lock()
		s.currentPct = s.cfg.MinPercentage
		s.armLocked(false)
		s.mu.Unlock()
		s.metrics.SetCurrentPercentage(s.cfg.MinPercentage)
		s.metrics.ObserveFlushCycle(false, s.clock.Now().Sub(start))
		s.notifyStatus()
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastFlushAt = now
	s.lastFlushAmount = flushed
	if flushed > 0 {
		s.walkPercentageLocked()
		s.armLocked(false)
	} else {
		s.disarmLocked()
	}
	pct = s.currentPct
	depth := len(s.pending)
	s.mu.Unlock()

	s.metrics.SetCurrentPercentage(pct)
	s.metrics.SetQueueDepth(depth)
	s.metrics.ObserveFlushCycle(flushed > 0, now.Sub(start))
	s.metrics.ObserveFlushed(flushed)
	log.Printf("flush_cycle flushed=%d queued=%d percentage=%d", flushed, depth, pct)
	s.notifyStatus()
}

// FlushPendingResponses is the administrative immediate flush for one
// survey: leader-only, randomized order, unthrottled by percentage, and
// it bypasses the minimum-submission floor. Returns the number of
// responses durably persisted.
func (s *Service) FlushPendingResponses(ctx context.Context, surveyID uuid.UUID) (int, error) {
	if !s.elector.IsLeader() {
		return 0, NotLeaderError{InstanceID: s.elector.InstanceID()}
	}

	s.mu.Lock()
	var matched []PendingResponse
	kept := s.pending[:0]
	for _, record := range s.pending {
		if record.SurveyID == surveyID {
			matched = append(matched, record)
			continue
		}
		kept = append(kept, record)
	}
	s.pending = kept
	s.rng.Shuffle(len(matched), func(i, j int) {
		matched[i], matched[j] = matched[j], matched[i]
	})
	depth := len(s.pending)
	s.mu.Unlock()

	if len(matched) == 0 {
		return 0, nil
	}

	flushed, err := s.anonymizeAndPersist(ctx, matched)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastFlushAt = now
	s.lastFlushAmount = flushed
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)
	s.metrics.ObserveAdminFlush()
	s.metrics.ObserveFlushed(flushed)
	log.Printf("admin_flush survey_id=%s flushed=%d", surveyID, flushed)
	s.notifyStatus()
	return flushed, nil
}

// pickUniform selects count records uniformly at random from the pool.
// Random selection, not FIFO, so flush composition carries no ordering
// signal.
func (s *Service) pickUniform(pool []PendingResponse, count int) []PendingResponse {
	if count <= 0 {
		return nil
	}
	if count > len(pool) {
		count = len(pool)
	}
	indexes := make([]int, len(pool))
	for i := range indexes {
		indexes[i] = i
	}
	s.mu.Lock()
	s.rng.Shuffle(len(indexes), func(i, j int) {
		indexes[i], indexes[j] = indexes[j], indexes[i]
	})
	s.mu.Unlock()
	picked := make([]PendingResponse, 0, count)
	for _, index := range indexes[:count] {
		picked = append(picked, pool[index])
	}
	return picked
}

// extractByID removes the selected records from the queue and returns the
// removed set. Records enqueued after the snapshot are untouched.
func (s *Service) extractByID(selected []PendingResponse) []PendingResponse {
	if len(selected) == 0 {
		return nil
	}
	wanted := make(map[uuid.UUID]struct{}, len(selected))
	for _, record := range selected {
		wanted[record.ResponseID] = struct{}{}
	}
	s.mu.Lock()
	var removed []PendingResponse
	kept := s.pending[:0]
	for _, record := range s.pending {
		if _, ok := wanted[record.ResponseID]; ok {
			removed = append(removed, record)
			continue
		}
		kept = append(kept, record)
	}
	s.pending = kept
	s.mu.Unlock()
	return removed
}

// anonymizeAndPersist applies the external text transform to free-text
// answers and writes the batch durably. Anonymization failure is
// non-fatal: the original text persists and a content-free warning is
// logged. Persistence failure returns every record to the queue.
func (s *Service) anonymizeAndPersist(ctx context.Context, records []PendingResponse) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	anonymize := s.anonymize
	s.mu.Unlock()

	finalized := make([]survey.Response, 0, len(records))
	for _, record := range records {
		if anonymize != nil && record.Type == survey.QuestionText {
			transformed, err := anonymize(ctx, record.Answer)
			if err != nil {
				// Non-fatal: persist the original text. The log line carries a
				// hashed reference only, never the answer itself.
				s.metrics.ObserveAnonymizeFailure()
				log.Printf("anonymize_failed response_ref=%s error=%v", pii.Ref(record.ResponseID.String()), err)
			} else {
				record.Answer = transformed
			}
		}
		finalized = append(finalized, toSurveyResponse(record))
	}
	if err := s.gateway.SaveResponses(ctx, finalized); err != nil {
		s.metrics.ObservePersistFailure()
		log.Printf("persist_failed count=%d error=%v", len(records), err)
		s.appendPending(records)
		return 0, err
	}
	return len(records), nil
}

func ceilPercentage(count, pct int) int {
	return (count*pct + 99) / 100
}

func (s *Service) walkPercentageLocked() {
	if s.rng.Intn(100) < s.cfg.ResetChancePercentage {
		s.currentPct = s.cfg.MinPercentage
		return
	}
	s.currentPct += s.cfg.PercentageIncrement
	if s.currentPct > s.cfg.MaxPercentage {
		s.currentPct = s.cfg.MaxPercentage
	}
}
