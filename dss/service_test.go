package dss

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"surveydss/survey"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at    time.Time
	ch    chan time.Time
	fired bool
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	timer := &fakeTimer{at: c.now.Add(d), ch: ch}
	c.timers = append(c.timers, timer)
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()

	for _, timer := range timers {
		c.mu.Lock()
		if timer.fired || now.Before(timer.at) {
			c.mu.Unlock()
			continue
		}
		timer.fired = true
		ch := timer.ch
		c.mu.Unlock()
		ch <- now
	}
}

type fakeElector struct {
	mu         sync.Mutex
	instanceID string
	leader     bool
	ready      bool
	changes    chan LeadershipChange
}

func newFakeElector(instanceID string, leader bool) *fakeElector {
	return &fakeElector{
		instanceID: instanceID,
		leader:     leader,
		ready:      true,
		changes:    make(chan LeadershipChange, 4),
	}
}

func (e *fakeElector) InstanceID() string { return e.instanceID }

func (e *fakeElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *fakeElector) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *fakeElector) LeaderInstanceID(ctx context.Context) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader {
		return e.instanceID, true
	}
	return "", false
}

func (e *fakeElector) Changes() <-chan LeadershipChange { return e.changes }

func (e *fakeElector) Run(ctx context.Context) { <-ctx.Done() }

func (e *fakeElector) setLeader(leader bool) {
	e.mu.Lock()
	e.leader = leader
	e.mu.Unlock()
	e.changes <- LeadershipChange{InstanceID: e.instanceID, IsLeader: leader}
}

type stubGateway struct {
	mu             sync.Mutex
	questionCounts map[uuid.UUID]int
	countErr       error
	saveErr        error
	closeErr       error
	saved          chan []survey.Response
	closed         chan uuid.UUID
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		questionCounts: map[uuid.UUID]int{},
		saved:          make(chan []survey.Response, 10),
		closed:         make(chan uuid.UUID, 10),
	}
}

func (g *stubGateway) QuestionCount(ctx context.Context, surveyID uuid.UUID) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.countErr != nil {
		return 0, g.countErr
	}
	return g.questionCounts[surveyID], nil
}

func (g *stubGateway) SaveResponses(ctx context.Context, responses []survey.Response) error {
	g.mu.Lock()
	err := g.saveErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.saved <- responses
	return nil
}

func (g *stubGateway) CloseSurvey(ctx context.Context, surveyID uuid.UUID) error {
	g.mu.Lock()
	err := g.closeErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.closed <- surveyID
	return nil
}

type stubTransfer struct {
	mu    sync.Mutex
	errs  []error
	calls chan []PendingResponse
}

func newStubTransfer() *stubTransfer {
	return &stubTransfer{calls: make(chan []PendingResponse, 10)}
}

// failNext queues errors returned by upcoming transfer calls, one each.
func (s *stubTransfer) failNext(errs ...error) {
	s.mu.Lock()
	s.errs = append(s.errs, errs...)
	s.mu.Unlock()
}

func (s *stubTransfer) TransferResponsesToLeader(ctx context.Context, batch []PendingResponse) error {
	s.mu.Lock()
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.calls <- batch
	return nil
}

func (s *stubTransfer) CloseSurveyOnLeader(ctx context.Context, surveyID uuid.UUID) error {
	return nil
}

func newTestConfig() Config {
	return Config{
		InstanceID:               "instance-a:8084",
		InstanceSecret:           "test-secret",
		MinPercentage:            30,
		MaxPercentage:            70,
		PercentageIncrement:      2,
		ResetChancePercentage:    0,
		MinimumSurveySubmissions: 3,
		ColdDelayMin:             time.Minute,
		ColdDelayMax:             time.Minute,
		HotDelayMin:              10 * time.Second,
		HotDelayMax:              10 * time.Second,
		TransferTimeout:          time.Second,
	}
}

func newTestService(t *testing.T, elector LeaderElector, gateway survey.Gateway, transfer TransferClient, clock *fakeClock) *Service {
	t.Helper()
	service, err := NewService(newTestConfig(), elector, gateway, transfer, Clock{Now: clock.Now, After: clock.After})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	service.SetRand(rand.New(rand.NewSource(1)))
	return service
}

func ratingBatch(surveyID uuid.UUID, answers ...string) []PendingResponse {
	batch := make([]PendingResponse, 0, len(answers))
	for _, answer := range answers {
		batch = append(batch, PendingResponse{
			SurveyID:   surveyID,
			QuestionID: uuid.New(),
			Type:       survey.QuestionRating,
			Answer:     answer,
		})
	}
	return batch
}

func waitForTransfer(t *testing.T, calls <-chan []PendingResponse) []PendingResponse {
	t.Helper()
	select {
	case batch := <-calls:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatalf("transfer client was not called")
	}
	return nil
}

func assertNoTransfer(t *testing.T, calls <-chan []PendingResponse) {
	t.Helper()
	select {
	case <-calls:
		t.Fatalf("unexpected transfer call")
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForSave(t *testing.T, saved <-chan []survey.Response) []survey.Response {
	t.Helper()
	select {
	case responses := <-saved:
		return responses
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway was not called")
	}
	return nil
}

func assertNoSave(t *testing.T, saved <-chan []survey.Response) {
	t.Helper()
	select {
	case <-saved:
		t.Fatalf("unexpected persist call")
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForCondition(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		runtime.Gosched()
	}
	t.Fatalf("condition %q was not reached", what)
}

func TestQueueResponsesLeaderHoldsLocally(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-a:8084", true)
	gateway := newStubGateway()
	transfer := newStubTransfer()
	service := newTestService(t, elector, gateway, transfer, clock)

	surveyID := uuid.New()
	service.QueueResponses(context.Background(), ratingBatch(surveyID, "3", "4", "5"))

	assertNoTransfer(t, transfer.calls)
	status := service.Status()
	if status.QueuedResponses != 3 {
		t.Fatalf("expected 3 queued responses, got %d", status.QueuedResponses)
	}
	if status.QueuedSurveys != 1 {
		t.Fatalf("expected 1 queued survey, got %d", status.QueuedSurveys)
	}
	if !status.SchedulerArmed {
		t.Fatalf("expected scheduler to be armed after enqueue")
	}
	want := clock.Now().Add(time.Minute)
	if !status.NextFlushTime.Equal(want) {
		t.Fatalf("expected next flush at %s, got %s", want, status.NextFlushTime)
	}
}

func TestQueueResponsesFollowerForwards(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-b:8084", false)
	gateway := newStubGateway()
	transfer := newStubTransfer()
	service := newTestService(t, elector, gateway, transfer, clock)

	surveyID := uuid.New()
	service.QueueResponses(context.Background(), ratingBatch(surveyID, "1", "2", "3", "4", "5"))

	batch := waitForTransfer(t, transfer.calls)
	if len(batch) != 5 {
		t.Fatalf("expected 5 forwarded responses, got %d", len(batch))
	}
	for _, record := range batch {
		if record.ResponseID == uuid.Nil {
			t.Fatalf("forwarded record is missing a response id")
		}
	}
	if queued := service.Status().QueuedResponses; queued != 0 {
		t.Fatalf("expected empty queue after acknowledged forward, got %d", queued)
	}
}

func TestQueueResponsesFollowerRetainsOnTransferFailure(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-b:8084", false)
	gateway := newStubGateway()
	transfer := newStubTransfer()
	transfer.failNext(errors.New("leader unreachable"))
	service := newTestService(t, elector, gateway, transfer, clock)

	surveyID := uuid.New()
	service.QueueResponses(context.Background(), ratingBatch(surveyID, "1", "2", "3", "4", "5"))

	if queued := service.Status().QueuedResponses; queued != 5 {
		t.Fatalf("expected 5 retained responses after failed forward, got %d", queued)
	}

	// The next submission drains the whole backlog in a single call.
	service.QueueResponses(context.Background(), ratingBatch(surveyID, "2", "4"))

	batch := waitForTransfer(t, transfer.calls)
	if len(batch) != 7 {
		t.Fatalf("expected 7 responses in the drain, got %d", len(batch))
	}
	seen := map[uuid.UUID]struct{}{}
	for _, record := range batch {
		if _, ok := seen[record.ResponseID]; ok {
			t.Fatalf("response %s was duplicated in the drain", record.ResponseID)
		}
		seen[record.ResponseID] = struct{}{}
	}
	if queued := service.Status().QueuedResponses; queued != 0 {
		t.Fatalf("expected empty queue after drain, got %d", queued)
	}
}

func TestReceiveTransferNoOp(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	service := newTestService(t, newFakeElector("a", false), newStubGateway(), newStubTransfer(), clock)

	result := service.ReceiveTransfer(context.Background(), InstanceMessage{Type: CommNoOp})
	if !result.Successful {
		t.Fatalf("expected noop to succeed, got %+v", result)
	}
}

func TestReceiveTransferFoldsInOnLeader(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("leader", true)
	service := newTestService(t, elector, newStubGateway(), newStubTransfer(), clock)

	surveyID := uuid.New()
	inbound := DeriveDiscrepancies(ratingBatch(surveyID, "2", "4", "6", "8"))
	result := service.ReceiveTransfer(context.Background(), InstanceMessage{
		SourceInstanceID: "follower",
		Type:             CommTransferResponses,
		Responses:        inbound,
	})
	if !result.Successful || result.Accepted != 4 {
		t.Fatalf("expected 4 accepted responses, got %+v", result)
	}
	status := service.Status()
	if status.QueuedResponses != 4 {
		t.Fatalf("expected 4 queued responses, got %d", status.QueuedResponses)
	}
	if !status.SchedulerArmed {
		t.Fatalf("expected scheduler armed after fold-in")
	}
}

func TestReceiveTransferRejectedOnFollower(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	service := newTestService(t, newFakeElector("follower", false), newStubGateway(), newStubTransfer(), clock)

	result := service.ReceiveTransfer(context.Background(), InstanceMessage{
		Type:      CommTransferResponses,
		Responses: ratingBatch(uuid.New(), "3"),
	})
	if result.Successful {
		t.Fatalf("expected follower to decline transfer, got %+v", result)
	}
	if queued := service.Status().QueuedResponses; queued != 0 {
		t.Fatalf("declined transfer must not enqueue, got %d queued", queued)
	}
}

func TestReceiveTransferCloseSurvey(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	gateway := newStubGateway()
	service := newTestService(t, newFakeElector("leader", true), gateway, newStubTransfer(), clock)

	surveyID := uuid.New()
	result := service.ReceiveTransfer(context.Background(), InstanceMessage{
		Type:     CommCloseSurvey,
		SurveyID: surveyID,
	})
	if !result.Successful {
		t.Fatalf("expected close to succeed, got %+v", result)
	}
	select {
	case closed := <-gateway.closed:
		if closed != surveyID {
			t.Fatalf("closed wrong survey: %s", closed)
		}
	default:
		t.Fatalf("gateway close was not called")
	}

	gateway.mu.Lock()
	gateway.closeErr = errors.New("boom")
	gateway.mu.Unlock()
	result = service.ReceiveTransfer(context.Background(), InstanceMessage{
		Type:     CommCloseSurvey,
		SurveyID: surveyID,
	})
	if result.Successful {
		t.Fatalf("expected close failure to be reported, got %+v", result)
	}
}

func TestReceiveTransferUnknownType(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	service := newTestService(t, newFakeElector("leader", true), newStubGateway(), newStubTransfer(), clock)

	result := service.ReceiveTransfer(context.Background(), InstanceMessage{Type: CommType("bogus")})
	if result.Successful {
		t.Fatalf("expected unknown type to fail, got %+v", result)
	}
}

func TestVerifyInstanceSecret(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	service := newTestService(t, newFakeElector("a", true), newStubGateway(), newStubTransfer(), clock)

	if !service.VerifyInstanceSecret("test-secret") {
		t.Fatalf("expected matching secret to verify")
	}
	if service.VerifyInstanceSecret("wrong") {
		t.Fatalf("expected mismatched secret to fail")
	}
	if service.VerifyInstanceSecret("") {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestShutdownLeaderNeverAutoFlushes(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("leader", true)
	gateway := newStubGateway()
	transfer := newStubTransfer()
	service := newTestService(t, elector, gateway, transfer, clock)

	service.QueueResponses(context.Background(), ratingBatch(uuid.New(), "1", "2", "3"))
	service.Shutdown(context.Background())

	assertNoSave(t, gateway.saved)
	assertNoTransfer(t, transfer.calls)
	if service.Status().SchedulerArmed {
		t.Fatalf("expected scheduler disarmed after shutdown")
	}
}

func TestShutdownFollowerDrainsToLeader(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("follower", false)
	transfer := newStubTransfer()
	transfer.failNext(errors.New("leader unreachable"))
	service := newTestService(t, elector, newStubGateway(), transfer, clock)

	service.QueueResponses(context.Background(), ratingBatch(uuid.New(), "1", "2", "3"))
	if queued := service.Status().QueuedResponses; queued != 3 {
		t.Fatalf("expected 3 retained responses, got %d", queued)
	}

	service.Shutdown(context.Background())
	batch := waitForTransfer(t, transfer.calls)
	if len(batch) != 3 {
		t.Fatalf("expected terminal drain of 3 responses, got %d", len(batch))
	}
}

func TestRunPromotionArmsScheduler(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-a:8084", false)
	service := newTestService(t, elector, newStubGateway(), newStubTransfer(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		service.Run(ctx)
		close(done)
	}()

	elector.setLeader(true)
	waitForCondition(t, "scheduler armed after promotion", func() bool {
		return service.Status().SchedulerArmed
	})

	cancel()
	<-done
}

func TestRunDemotionDrainsAndDisarms(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-a:8084", true)
	transfer := newStubTransfer()
	service := newTestService(t, elector, newStubGateway(), transfer, clock)

	service.QueueResponses(context.Background(), ratingBatch(uuid.New(), "1", "2", "3", "4", "5", "6", "7"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		service.Run(ctx)
		close(done)
	}()

	elector.setLeader(false)
	batch := waitForTransfer(t, transfer.calls)
	if len(batch) != 7 {
		t.Fatalf("expected demotion drain of 7 responses, got %d", len(batch))
	}
	waitForCondition(t, "scheduler disarmed after demotion", func() bool {
		status := service.Status()
		return !status.SchedulerArmed && status.QueuedResponses == 0
	})

	cancel()
	<-done
}

func TestRunFiresFlushAfterRandomizedDelay(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-a:8084", true)
	gateway := newStubGateway()
	service := newTestService(t, elector, gateway, newStubTransfer(), clock)

	surveyID := uuid.New()
	gateway.mu.Lock()
	gateway.questionCounts[surveyID] = 1
	gateway.mu.Unlock()

	service.QueueResponses(context.Background(), ratingBatch(surveyID, "1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		service.Run(ctx)
		close(done)
	}()

	// The cold window in the test config is a fixed minute; step past it.
	var saved []survey.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clock.Advance(10 * time.Second)
		select {
		case saved = <-gateway.saved:
		case <-time.After(10 * time.Millisecond):
		}
		if saved != nil {
			break
		}
	}
	if saved == nil {
		t.Fatalf("flush cycle did not fire")
	}
	// floor = 1 question * 3 = 3 eligible must remain; 30% of 12 is 4.
	if len(saved) != 4 {
		t.Fatalf("expected 4 persisted responses, got %d", len(saved))
	}

	cancel()
	<-done
}

func TestStatusChangesDeliverSnapshots(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	elector := newFakeElector("instance-a:8084", false)
	service := newTestService(t, elector, newStubGateway(), newStubTransfer(), clock)

	changes := service.StatusChanges()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		service.Run(ctx)
		close(done)
	}()

	elector.setLeader(true)
	select {
	case status := <-changes:
		if !status.IsLeader {
			t.Fatalf("expected a leader snapshot, got %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no status snapshot after promotion")
	}

	cancel()
	<-done
}

func TestNewServiceRejectsMissingCollaborators(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cfg := newTestConfig()

	if _, err := NewService(cfg, nil, newStubGateway(), newStubTransfer(), Clock{Now: clock.Now, After: clock.After}); err == nil {
		t.Fatalf("expected error for nil elector")
	}
	if _, err := NewService(cfg, newFakeElector("a", true), nil, newStubTransfer(), Clock{Now: clock.Now, After: clock.After}); err == nil {
		t.Fatalf("expected error for nil gateway")
	}
	if _, err := NewService(cfg, newFakeElector("a", true), newStubGateway(), nil, Clock{Now: clock.Now, After: clock.After}); err == nil {
		t.Fatalf("expected error for nil transfer client")
	}

	cfg.InstanceSecret = ""
	if _, err := NewService(cfg, newFakeElector("a", true), newStubGateway(), newStubTransfer(), Clock{Now: clock.Now, After: clock.After}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
