package dss

import "time"

// DssStatus is a read-only snapshot for observability. It carries counts
// and timestamps only, never response content.
type DssStatus struct {
	InstanceID        string    `json:"instanceId"`
	IsLeader          bool      `json:"isLeader"`
	IsReady           bool      `json:"isReady"`
	QueuedResponses   int       `json:"queuedResponses"`
	QueuedSurveys     int       `json:"queuedSurveys"`
	CurrentPercentage int       `json:"currentPercentage"`
	SchedulerArmed    bool      `json:"schedulerArmed"`
	NextFlushTime     time.Time `json:"nextFlushTime"`
	LastFlushTime     time.Time `json:"lastFlushTime"`
	LastFlushAmount   int       `json:"lastFlushAmount"`
}

// Status returns the current observability snapshot.
func (s *Service) Status() DssStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() DssStatus {
	surveys := map[string]struct{}{}
	for _, pending := range s.pending {
		surveys[pending.SurveyID.String()] = struct{}{}
	}
	return DssStatus{
		InstanceID:        s.elector.InstanceID(),
		IsLeader:          s.elector.IsLeader(),
		IsReady:           s.elector.IsReady(),
		QueuedResponses:   len(s.pending),
		QueuedSurveys:     len(surveys),
		CurrentPercentage: s.currentPct,
		SchedulerArmed:    s.armed,
		NextFlushTime:     s.nextFlushAt,
		LastFlushTime:     s.lastFlushAt,
		LastFlushAmount:   s.lastFlushAmount,
	}
}

// StatusChanges delivers a snapshot after every notable transition
// (leadership flips, flush cycles, administrative flushes). Slow readers
// miss snapshots rather than blocking the subsystem.
func (s *Service) StatusChanges() <-chan DssStatus {
	return s.statusCh
}

func (s *Service) notifyStatus() {
	s.mu.Lock()
	status := s.statusLocked()
	s.mu.Unlock()
	select {
	case s.statusCh <- status:
	default:
	}
}
