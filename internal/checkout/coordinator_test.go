package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rently/internal/marketplace"
	"rently/internal/payment"
	"rently/internal/realtime"
	"rently/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu          sync.Mutex
	bookingID   string
	createErr   error
	createCalls int
	cancelErr   error
	cancelCalls int
	lastCancel  string
	gate        chan struct{} // when set, CreateBooking blocks until closed
}

func (a *fakeAPI) CreateBooking(ctx context.Context, req marketplace.CreateBookingRequest) (string, error) {
	a.mu.Lock()
	a.createCalls++
	gate := a.gate
	bookingID, err := a.bookingID, a.createErr
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return bookingID, err
}

func (a *fakeAPI) CancelBooking(ctx context.Context, bookingID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelCalls++
	a.lastCancel = bookingID
	return a.cancelErr
}

func (a *fakeAPI) creates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createCalls
}

func (a *fakeAPI) cancels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelCalls
}

type fakeLoader struct {
	mu      sync.Mutex
	outcome payment.Outcome
	record  *payment.Record
	err     error
	calls   int
}

func (l *fakeLoader) Load(ctx context.Context, bookingID string, opts payment.LoadOptions) (payment.Outcome, *payment.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return payment.OutcomeWaiting, nil, l.err
	}
	record := *l.record
	if record.BookingID == "" {
		record.BookingID = bookingID
	}
	return l.outcome, &record, nil
}

func (l *fakeLoader) GracePeriod() time.Duration {
	return 15 * time.Minute
}

func (l *fakeLoader) set(outcome payment.Outcome, record *payment.Record, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcome = outcome
	l.record = record
	l.err = err
}

type fakeEligibility struct {
	mu  sync.Mutex
	err error
}

func (e *fakeEligibility) Check(ctx context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *fakeEligibility) set(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

type fakePush struct {
	mu       sync.Mutex
	handlers map[string][]func(realtime.Message)
	closed   bool
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string][]func(realtime.Message))}
}

func (p *fakePush) On(event string, fn func(realtime.Message)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], fn)
	return func() {}
}

func (p *fakePush) State() realtime.State { return realtime.StateOpen }

func (p *fakePush) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePush) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePush) emit(t *testing.T, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	p.mu.Lock()
	handlers := append([]func(realtime.Message){}, p.handlers[event]...)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(realtime.Message{Event: event, Data: raw})
	}
}

type harness struct {
	api         *fakeAPI
	loader      *fakeLoader
	eligibility *fakeEligibility
	store       *session.MemoryStore
	push        *fakePush
	coord       *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:         &fakeAPI{bookingID: "bk_1"},
		loader:      &fakeLoader{},
		eligibility: &fakeEligibility{},
		store:       session.NewMemoryStore(),
		push:        newFakePush(),
	}
	h.loader.set(payment.OutcomeWaiting, pendingRecord(), nil)
	h.coord = h.newCoordinator(t)
	return h
}

func (h *harness) newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	coord := New(Config{
		UserID:       "u1",
		VehicleID:    "v1",
		PollInterval: time.Hour,
		QR:           payment.QRConfig{BaseURL: "https://qr.example", AccountNo: "123", BankCode: "VCB"},
	}, h.api, h.eligibility, h.loader, h.store,
		func(ctx context.Context) PushChannel { return h.push }, nil)
	coord.Start(context.Background())
	t.Cleanup(coord.Stop)
	return coord
}

func pendingRecord() *payment.Record {
	return &payment.Record{
		ID:          "pay_1",
		BookingID:   "bk_1",
		PaymentCode: "BK1",
		Amount:      742000,
		Status:      payment.StatusPending,
		CreatedAt:   time.Now(),
	}
}

func validInput() AdvanceInput {
	start := time.Now().Add(24 * time.Hour)
	return AdvanceInput{
		Quote: &Quote{
			RentalFee:    600000,
			InsuranceFee: 50000,
			VAT:          65000,
			Deposit:      27000,
			TotalAmount:  742000,
		},
		StartDate:     start,
		EndDate:       start.Add(48 * time.Hour),
		PickupAddress: "12 Nguyen Hue",
		Agreed:        true,
	}
}

func waitState(t *testing.T, coord *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return coord.Snapshot().State == want
	}, 2*time.Second, 2*time.Millisecond, "expected state %s, got %s", want, coord.Snapshot().State)
}

func TestAdvanceHappyPath(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	snap := h.coord.Snapshot()
	assert.Equal(t, "bk_1", snap.BookingID)
	require.NotNil(t, snap.Payment)
	assert.Equal(t, "BK1", snap.Payment.PaymentCode)
	assert.True(t, snap.Countdown.Active)
	assert.False(t, snap.Countdown.Expired)
	assert.Contains(t, snap.QRLink, "742000")
	assert.Contains(t, snap.QRLink, "addInfo=BK1")
	assert.Equal(t, 1, h.api.creates())

	// Session is persisted so the flow can resume
	require.Eventually(t, func() bool {
		sess, ok := h.store.Get(context.Background(), "u1", "v1")
		return ok && sess.BookingID == "bk_1"
	}, 2*time.Second, 2*time.Millisecond)
}

func TestAdvanceValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdvanceInput)
	}{
		{"missing quote", func(in *AdvanceInput) { in.Quote = nil }},
		{"zero total", func(in *AdvanceInput) { in.Quote.TotalAmount = 0 }},
		{"agreement not accepted", func(in *AdvanceInput) { in.Agreed = false }},
		{"end before start", func(in *AdvanceInput) { in.EndDate = in.StartDate.Add(-time.Hour) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			input := validInput()
			tt.mutate(&input)

			err := h.coord.Advance(context.Background(), input)
			var flowErr *FlowError
			require.ErrorAs(t, err, &flowErr)
			assert.Equal(t, ErrorValidation, flowErr.Kind)
			assert.Equal(t, 0, h.api.creates(), "validation failures never reach the network")
			assert.Equal(t, StateIdle, h.coord.Snapshot().State)
		})
	}
}

func TestConcurrentAdvanceCreatesOneBooking(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.api.gate = gate

	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	assert.Equal(t, StateCreatingBooking, h.coord.Snapshot().State)

	// A second advance while creation is in flight is absorbed
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))

	close(gate)
	waitState(t, h.coord, StateWaiting)
	assert.Equal(t, 1, h.api.creates())
}

func TestLicenseNotVerifiedIsSticky(t *testing.T) {
	h := newHarness(t)
	h.eligibility.set(marketplace.ErrLicenseNotVerified)

	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateFatalError)

	snap := h.coord.Snapshot()
	require.NotNil(t, snap.FatalError)
	assert.Equal(t, ErrorEligibility, snap.FatalError.Kind)
	assert.Contains(t, snap.FatalError.Message, "driver license")
	assert.Equal(t, 0, h.api.creates(), "failed eligibility never creates a booking")

	// Advancing again without restart replays the sticky error
	err := h.coord.Advance(context.Background(), validInput())
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, ErrorEligibility, flowErr.Kind)

	// After the user verifies, restart runs the flow again
	h.eligibility.set(nil)
	input := validInput()
	input.Restart = true
	require.NoError(t, h.coord.Advance(context.Background(), input))
	waitState(t, h.coord, StateWaiting)
	assert.Equal(t, 1, h.api.creates())
}

func TestCreateFailureReturnsToIdleWithMessage(t *testing.T) {
	h := newHarness(t)
	h.api.createErr = errors.New("vehicle unavailable for selected dates")

	require.NoError(t, h.coord.Advance(context.Background(), validInput()))

	require.Eventually(t, func() bool {
		snap := h.coord.Snapshot()
		return snap.State == StateIdle && strings.Contains(snap.LastError, "vehicle unavailable")
	}, 2*time.Second, 2*time.Millisecond)
	assert.Nil(t, h.coord.Snapshot().FatalError, "a retryable failure is not sticky")
}

func TestPushConfirmsPayment(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "PAID"})
	waitState(t, h.coord, StateConfirmed)

	snap := h.coord.Snapshot()
	assert.False(t, snap.Countdown.Active)
	require.Eventually(t, h.push.isClosed, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(context.Background(), "u1", "v1")
		return !ok
	}, 2*time.Second, 2*time.Millisecond, "confirmation clears the persisted session")
}

func TestConfirmationIsTerminalAgainstLaterSignals(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "PAID"})
	waitState(t, h.coord, StateConfirmed)

	// A later poll claiming the payment expired must not move the state
	h.loader.set(payment.OutcomeTerminalFailure, &payment.Record{BookingID: "bk_1", Status: payment.StatusExpired}, nil)
	err := h.coord.Refresh(context.Background())
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, ErrorValidation, flowErr.Kind)
	assert.Equal(t, StateConfirmed, h.coord.Snapshot().State)

	// As must a duplicate or contradictory push
	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "EXPIRED"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateConfirmed, h.coord.Snapshot().State)
}

func TestPushForOtherBookingIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_other", "status": "PAID"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateWaiting, h.coord.Snapshot().State)

	// Matching by payment code alone is enough
	h.push.emit(t, PushEventName, map[string]string{"paymentCode": "BK1", "status": "PAID"})
	waitState(t, h.coord, StateConfirmed)
}

func TestTerminalPaymentFailureRequiresRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	h.loader.set(payment.OutcomeTerminalFailure, &payment.Record{BookingID: "bk_1", Status: payment.StatusExpired}, nil)
	require.NoError(t, h.coord.Refresh(context.Background()))
	waitState(t, h.coord, StateFatalError)

	snap := h.coord.Snapshot()
	require.NotNil(t, snap.FatalError)
	assert.Equal(t, ErrorTerminalPayment, snap.FatalError.Kind)
	assert.Empty(t, snap.BookingID, "a dead payment drops the booking id")
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(context.Background(), "u1", "v1")
		return !ok
	}, 2*time.Second, 2*time.Millisecond)

	// Restart creates a brand-new booking
	h.api.mu.Lock()
	h.api.bookingID = "bk_2"
	h.api.mu.Unlock()
	h.loader.set(payment.OutcomeWaiting, &payment.Record{
		BookingID: "bk_2", PaymentCode: "BK2", Amount: 742000,
		Status: payment.StatusPending, CreatedAt: time.Now(),
	}, nil)

	input := validInput()
	input.Restart = true
	require.NoError(t, h.coord.Advance(context.Background(), input))
	waitState(t, h.coord, StateWaiting)
	assert.Equal(t, "bk_2", h.coord.Snapshot().BookingID)
	assert.Equal(t, 2, h.api.creates())
}

func TestLapsedDeadlineIsSoftExpiry(t *testing.T) {
	h := newHarness(t)
	record := pendingRecord()
	record.CreatedAt = time.Now().Add(-16 * time.Minute) // grace is 15m
	h.loader.set(payment.OutcomeWaiting, record, nil)

	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateExpired)

	snap := h.coord.Snapshot()
	assert.True(t, snap.Countdown.Expired)
	assert.Equal(t, "00:00", snap.Countdown.Display)
	assert.Equal(t, 0, h.api.cancels(), "local expiry never cancels the booking")

	// The server remains authoritative: a success signal still lands
	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "PAID"})
	waitState(t, h.coord, StateConfirmed)
}

func TestPendingPushRescuesExpiryFlicker(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	// The view flickers to EXPIRED while the tracked deadline is still
	// ahead; feeding the push through the reducer under the lock keeps
	// the countdown tick from restoring it first.
	h.coord.mu.Lock()
	h.coord.cur.state = StateExpired
	h.coord.stepPush(event{kind: evPush, push: &PushEvent{BookingID: "bk_1", Status: "PENDING"}})
	got := h.coord.cur.state
	h.coord.mu.Unlock()

	assert.Equal(t, StateWaiting, got, "a PENDING push restores the waiting view")
}

func TestPendingPushCannotExtendLapsedDeadline(t *testing.T) {
	h := newHarness(t)
	record := pendingRecord()
	record.CreatedAt = time.Now().Add(-16 * time.Minute) // grace is 15m
	h.loader.set(payment.OutcomeWaiting, record, nil)

	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateExpired)

	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "PENDING"})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateExpired, h.coord.Snapshot().State, "a lapsed deadline is not revived by PENDING")
	assert.Equal(t, 0, h.api.cancels())
}

func TestTerminalFailureHoldsAgainstLaterPushSuccess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	h.loader.set(payment.OutcomeTerminalFailure, &payment.Record{BookingID: "bk_1", Status: payment.StatusExpired}, nil)
	require.NoError(t, h.coord.Refresh(context.Background()))
	waitState(t, h.coord, StateFatalError)

	// The first terminal outcome wins; a contradicting PAID push is a no-op
	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "PAID"})
	time.Sleep(20 * time.Millisecond)

	snap := h.coord.Snapshot()
	assert.Equal(t, StateFatalError, snap.State)
	require.NotNil(t, snap.FatalError)
	assert.Equal(t, ErrorTerminalPayment, snap.FatalError.Kind)
}

func TestRefreshSurfacesErrorWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)
	before := h.coord.Snapshot()

	h.loader.set(0, nil, errors.New("marketplace unreachable"))
	err := h.coord.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marketplace unreachable")

	snap := h.coord.Snapshot()
	assert.Equal(t, StateWaiting, snap.State)
	assert.Equal(t, before.BookingID, snap.BookingID)
	require.NotNil(t, snap.Payment)
	assert.Equal(t, before.Payment.PaymentCode, snap.Payment.PaymentCode)
	assert.Contains(t, snap.LastError, "marketplace unreachable")
}

func TestCancelReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)

	require.NoError(t, h.coord.Cancel(context.Background(), "changed my mind"))
	waitState(t, h.coord, StateIdle)

	assert.Equal(t, 1, h.api.cancels())
	assert.Equal(t, "bk_1", h.api.lastCancel)
	require.Eventually(t, h.push.isClosed, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(context.Background(), "u1", "v1")
		return !ok
	}, 2*time.Second, 2*time.Millisecond)
}

func TestCancelServerFailureStillResetsLocally(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(context.Background(), "u1", "v1")
		return ok
	}, 2*time.Second, 2*time.Millisecond)

	h.api.cancelErr = errors.New("cancel rejected")
	err := h.coord.Cancel(context.Background(), "")
	require.Error(t, err)

	waitState(t, h.coord, StateIdle)
	_, ok := h.store.Get(context.Background(), "u1", "v1")
	assert.True(t, ok, "a failed server cancel leaves the session for later reconciliation")
}

func TestCancelWithNothingInFlight(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Cancel(context.Background(), ""))
	assert.Equal(t, StateIdle, h.coord.Snapshot().State)
	assert.Equal(t, 0, h.api.cancels())
}

func TestCancelAfterConfirmationRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Advance(context.Background(), validInput()))
	waitState(t, h.coord, StateWaiting)
	h.push.emit(t, PushEventName, map[string]string{"bookingId": "bk_1", "status": "PAID"})
	waitState(t, h.coord, StateConfirmed)

	err := h.coord.Cancel(context.Background(), "")
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StateConfirmed, h.coord.Snapshot().State)
}

func TestResumeFromPersistedSession(t *testing.T) {
	h := newHarness(t)
	h.coord.Stop()

	require.NoError(t, h.store.Put(context.Background(), "u1", "v1", &session.Session{
		BookingID:   "bk_1",
		PaymentCode: "BK1",
		Amount:      742000,
		CreatedAt:   time.Now().UnixMilli(),
		OwnerToken:  "tok-resume",
	}))

	resumed := h.newCoordinator(t)
	waitState(t, resumed, StateWaiting)
	assert.Equal(t, "bk_1", resumed.Snapshot().BookingID)
	assert.Equal(t, 0, h.api.creates(), "resume never re-creates the booking")
}

func TestResumedSessionAlreadyConfirmed(t *testing.T) {
	h := newHarness(t)
	h.coord.Stop()

	require.NoError(t, h.store.Put(context.Background(), "u1", "v1", &session.Session{
		BookingID: "bk_1", PaymentCode: "BK1", CreatedAt: time.Now().UnixMilli(),
	}))
	h.loader.set(payment.OutcomeConfirmed, &payment.Record{BookingID: "bk_1", Status: "PAID"}, nil)

	resumed := h.newCoordinator(t)
	waitState(t, resumed, StateConfirmed)
}

func TestAdvanceConflictsWithForeignSession(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.store.Put(context.Background(), "u1", "v1", &session.Session{
		BookingID: "bk_9", OwnerToken: "someone-else",
	}))

	err := h.coord.Advance(context.Background(), validInput())
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, ErrorConflict, flowErr.Kind)
	assert.Equal(t, 0, h.api.creates())
}

func TestStoppedCoordinatorRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.coord.Stop()

	err := h.coord.Advance(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrStopped)
}
