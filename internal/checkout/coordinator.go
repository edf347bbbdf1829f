package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"rently/internal/countdown"
	"rently/internal/marketplace"
	"rently/internal/payment"
	"rently/internal/realtime"
	"rently/internal/session"
	"rently/pkg/logger"

	"github.com/google/uuid"
)

// PushEventName is the named event carrying payment updates on the
// realtime channel
const PushEventName = "payment"

// ErrStopped is returned for commands sent to a torn-down coordinator
var ErrStopped = errors.New("checkout coordinator stopped")

// BookingAPI is the slice of the marketplace client the coordinator needs
type BookingAPI interface {
	CreateBooking(ctx context.Context, req marketplace.CreateBookingRequest) (string, error)
	CancelBooking(ctx context.Context, bookingID, reason string) error
}

// EligibilityChecker runs the driver-license pre-check
type EligibilityChecker interface {
	Check(ctx context.Context, userID string) error
}

// PaymentLoader loads and classifies payment state for a booking
type PaymentLoader interface {
	Load(ctx context.Context, bookingID string, opts payment.LoadOptions) (payment.Outcome, *payment.Record, error)
	GracePeriod() time.Duration
}

// PushChannel is the realtime handle surface the coordinator drives
type PushChannel interface {
	On(event string, fn func(realtime.Message)) func()
	State() realtime.State
	Close()
}

// ConnectFunc opens the payment push channel
type ConnectFunc func(ctx context.Context) PushChannel

// Config holds per-flow coordinator configuration
type Config struct {
	UserID       string
	VehicleID    string
	PollInterval time.Duration
	QR           payment.QRConfig
}

// Coordinator drives one vehicle's checkout from "confirm booking details"
// to a converged payment outcome. Poll results and push events are two
// unordered observers of the same server state, merged by one rule: the
// first terminal signal wins and later signals are no-ops.
type Coordinator struct {
	cfg         Config
	api         BookingAPI
	eligibility EligibilityChecker
	loader      PaymentLoader
	store       session.Store
	connect     ConnectFunc
	log         *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	mu          sync.RWMutex
	cur         flow
	handle      PushChannel
	unsubscribe func()
	ownerToken  string
	gen         uint64
}

// flow is the mutable state behind the snapshot. Only the run loop
// writes it.
type flow struct {
	state     State
	bookingID string
	record    *payment.Record
	deadline  time.Time
	fatal     *FlowError
	lastError string
}

type eventKind int

const (
	evAdvance eventKind = iota
	evCancel
	evRefresh
	evCreateResult
	evLoadResult
	evCancelResult
	evPush
	evPoll
	evTick
)

type event struct {
	kind  eventKind
	gen   uint64
	reply chan error

	input     *AdvanceInput
	reason    string
	bookingID string
	err       error
	outcome   payment.Outcome
	record    *payment.Record
	manual    bool
	push      *PushEvent
}

// New creates a coordinator for one (user, vehicle) checkout flow
func New(cfg Config, api BookingAPI, eligibility EligibilityChecker, loader PaymentLoader,
	store session.Store, connect ConnectFunc, log *logger.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Minute
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Coordinator{
		cfg:         cfg,
		api:         api,
		eligibility: eligibility,
		loader:      loader,
		store:       store,
		connect:     connect,
		log:         log,
		events:      make(chan event, 16),
		done:        make(chan struct{}),
		ownerToken:  uuid.NewString(),
	}
}

// Start resumes a persisted session if one exists and launches the run
// loop. With a session present the flow jumps straight to LoadingPayment
// with the stored booking id; it never re-creates a booking.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.cur.state = StateIdle

	if sess, ok := c.store.Get(c.ctx, c.cfg.UserID, c.cfg.VehicleID); ok && sess.BookingID != "" {
		if sess.OwnerToken != "" {
			c.ownerToken = sess.OwnerToken
		}
		c.cur.state = StateLoadingPayment
		c.cur.bookingID = sess.BookingID
		c.log.LogCheckoutTransition(c.ctx, c.cfg.VehicleID, StateIdle.String(), StateLoadingPayment.String(), "resume")
		go c.loadAsync(c.gen, sess.BookingID, false, nil)
	}

	go c.run()
}

// Stop tears the coordinator down: in-flight requests are aborted, the
// push channel closes, tickers stop. The persisted session is untouched
// so the flow can resume later.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
}

// Advance moves the flow past the confirmation step. Validation,
// conflict, and sticky-fatal rejections come back synchronously; booking
// creation itself runs asynchronously and lands in the snapshot.
func (c *Coordinator) Advance(ctx context.Context, input AdvanceInput) error {
	return c.send(ctx, event{kind: evAdvance, input: &input})
}

// Cancel aborts the flow with an optional free-text reason. Local state
// returns to Idle regardless of the server outcome; the persisted session
// is cleared only when the server accepted the cancellation.
func (c *Coordinator) Cancel(ctx context.Context, reason string) error {
	return c.send(ctx, event{kind: evCancel, reason: reason})
}

// Refresh runs a user-triggered payment reload. Unlike background polls
// its failure is reported back to the caller.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.send(ctx, event{kind: evRefresh, manual: true})
}

// Snapshot returns the derived view of the flow
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		State:      c.cur.state,
		VehicleID:  c.cfg.VehicleID,
		BookingID:  c.cur.bookingID,
		Countdown:  countdown.At(c.cur.deadline, time.Now()),
		FatalError: c.cur.fatal,
		LastError:  c.cur.lastError,
	}
	if c.cur.record != nil {
		record := *c.cur.record
		snap.Payment = &record
		if c.cur.state == StateWaiting || c.cur.state == StateExpired {
			snap.QRLink = payment.BuildQRLink(c.cfg.QR, record.Amount, record.PaymentCode)
		}
	}
	if c.handle != nil {
		snap.ChannelState = c.handle.State().String()
	}
	return snap
}

func (c *Coordinator) send(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrStopped
	}
}

// post delivers an internally-generated event to the run loop
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			c.closeChannelLocked()
			c.mu.Unlock()
			return
		case ev := <-c.events:
			c.step(ev)
		case <-poll.C:
			c.step(event{kind: evPoll})
		case <-tick.C:
			c.step(event{kind: evTick})
		}
	}
}

// step is the reducer: the only place transitions occur
func (c *Coordinator) step(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.kind {
	case evAdvance:
		c.stepAdvance(ev)
	case evCancel:
		c.stepCancel(ev)
	case evRefresh:
		c.stepRefresh(ev)
	case evCreateResult:
		c.stepCreateResult(ev)
	case evLoadResult:
		c.stepLoadResult(ev)
	case evCancelResult:
		c.stepCancelResult(ev)
	case evPush:
		c.stepPush(ev)
	case evPoll:
		c.stepPoll()
	case evTick:
		c.stepTick()
	}
}

func (c *Coordinator) stepAdvance(ev event) {
	cur := &c.cur

	if cur.state == StateFatalError {
		if !ev.input.Restart {
			reply(ev, cur.fatal)
			return
		}
		c.transitionLocked(StateIdle, "restart")
		cur.fatal = nil
		cur.lastError = ""
	}

	// In-flight guard: a second advance while creation is outstanding is
	// a no-op, not a second POST
	if cur.state == StateCreatingBooking {
		reply(ev, nil)
		return
	}
	if cur.state != StateIdle {
		reply(ev, newFlowError(ErrorValidation, "checkout already in progress"))
		return
	}

	if err := validateAdvance(ev.input); err != nil {
		reply(ev, err)
		return
	}

	// A known booking id (including one found in a persisted session)
	// means no new booking is created
	if cur.bookingID != "" {
		c.transitionLocked(StateLoadingPayment, "advance_resume")
		go c.loadAsync(c.gen, cur.bookingID, false, nil)
		reply(ev, nil)
		return
	}
	if sess, ok := c.store.Get(c.ctx, c.cfg.UserID, c.cfg.VehicleID); ok && sess.BookingID != "" {
		if sess.OwnerToken != "" && sess.OwnerToken != c.ownerToken {
			reply(ev, newFlowError(ErrorConflict, msgVehicleReserved))
			return
		}
		cur.bookingID = sess.BookingID
		c.transitionLocked(StateLoadingPayment, "advance_resume")
		go c.loadAsync(c.gen, sess.BookingID, false, nil)
		reply(ev, nil)
		return
	}

	c.transitionLocked(StateCreatingBooking, "advance")
	cur.lastError = ""
	go c.createAsync(c.gen, *ev.input)
	reply(ev, nil)
}

func (c *Coordinator) stepCreateResult(ev event) {
	if ev.gen != c.gen {
		return
	}
	cur := &c.cur
	if cur.state != StateCreatingBooking {
		return
	}

	if ev.err != nil {
		if isLicenseError(ev.err) {
			cur.fatal = newFlowError(ErrorEligibility, msgLicenseNotVerified)
			c.transitionLocked(StateFatalError, "license_not_verified")
			return
		}
		// Surface the server error verbatim; the next advance may retry
		cur.lastError = ev.err.Error()
		c.transitionLocked(StateIdle, "create_failed")
		return
	}

	cur.bookingID = ev.bookingID
	c.log.LogBookingCreated(c.ctx, ev.bookingID, c.cfg.VehicleID)
	c.transitionLocked(StateLoadingPayment, "booking_created")
	go c.loadAsync(c.gen, ev.bookingID, false, nil)
}

func (c *Coordinator) stepRefresh(ev event) {
	cur := &c.cur
	if cur.bookingID == "" || !cur.state.AcceptsPaymentSignals() {
		reply(ev, newFlowError(ErrorValidation, "no payment in progress"))
		return
	}
	go c.loadAsync(c.gen, cur.bookingID, true, ev.reply)
}

func (c *Coordinator) stepLoadResult(ev event) {
	if ev.gen != c.gen {
		reply(ev, nil)
		return
	}
	cur := &c.cur

	// Terminal states are authoritative; late observations are no-ops
	if cur.state.IsTerminal() || !cur.state.AcceptsPaymentSignals() {
		reply(ev, nil)
		return
	}

	if ev.err != nil {
		// No state mutation on load errors. Background failures are
		// logged; only user-triggered refreshes report back.
		if ev.manual {
			cur.lastError = ev.err.Error()
			reply(ev, newFlowError(ErrorTransient, ev.err.Error()))
		} else {
			c.log.LogPollError(c.ctx, cur.bookingID, ev.err)
			reply(ev, nil)
		}
		return
	}

	c.applyOutcomeLocked(ev.outcome, ev.record, "poll")
	reply(ev, nil)
}

func (c *Coordinator) stepPush(ev event) {
	cur := &c.cur
	if cur.state.IsTerminal() || !cur.state.AcceptsPaymentSignals() {
		return
	}

	code := ""
	if cur.record != nil {
		code = cur.record.PaymentCode
	}
	if !ev.push.Matches(cur.bookingID, code) {
		return
	}

	if ev.push.IndicatesSuccess() {
		c.confirmLocked(nil, "push")
		return
	}

	status := strings.ToUpper(ev.push.Status)
	if strings.Contains(status, payment.StatusExpired) || strings.Contains(status, payment.StatusCancelled) {
		c.failTerminalLocked(nil, "push")
		return
	}

	// A PENDING push reaffirms Waiting. It rescues a spurious local
	// expiry flicker only when the countdown has not actually lapsed.
	if strings.Contains(status, payment.StatusPending) &&
		cur.state == StateExpired &&
		!cur.deadline.IsZero() && time.Now().Before(cur.deadline) {
		c.transitionLocked(StateWaiting, "push_pending")
	}
}

func (c *Coordinator) stepCancel(ev event) {
	cur := &c.cur
	if cur.state == StateConfirmed {
		reply(ev, newFlowError(ErrorValidation, "payment already confirmed"))
		return
	}

	bookingID := cur.bookingID
	c.gen++ // invalidate in-flight creation/loads
	gen := c.gen

	c.transitionLocked(StateCancelled, "cancel")
	cur.bookingID = ""
	cur.record = nil
	cur.deadline = time.Time{}
	cur.fatal = nil
	c.closeChannelLocked()

	if bookingID == "" {
		c.transitionLocked(StateIdle, "cancel_done")
		reply(ev, nil)
		return
	}

	reason := ev.reason
	replyCh := ev.reply
	go func() {
		err := c.api.CancelBooking(c.ctx, bookingID, reason)
		if err == nil {
			c.clearSession()
			c.log.LogBookingCancelled(c.ctx, bookingID, c.cfg.VehicleID, reason)
		}
		c.post(event{kind: evCancelResult, gen: gen, err: err})
		if replyCh != nil {
			replyCh <- err
		}
	}()
}

func (c *Coordinator) stepCancelResult(ev event) {
	if ev.gen != c.gen {
		return
	}
	if ev.err != nil {
		c.cur.lastError = ev.err.Error()
	}
	if c.cur.state == StateCancelled {
		c.transitionLocked(StateIdle, "cancel_done")
	}
}

func (c *Coordinator) stepPoll() {
	cur := &c.cur
	if !cur.state.AcceptsPaymentSignals() || cur.bookingID == "" {
		return
	}
	go c.loadAsync(c.gen, cur.bookingID, false, nil)
}

func (c *Coordinator) stepTick() {
	cur := &c.cur
	if cur.deadline.IsZero() {
		return
	}
	now := time.Now()
	switch cur.state {
	case StateWaiting:
		if !now.Before(cur.deadline) {
			// Soft expiry: visual only, the booking is not cancelled
			c.transitionLocked(StateExpired, "countdown")
		}
	case StateExpired:
		if now.Before(cur.deadline) {
			c.transitionLocked(StateWaiting, "deadline_extended")
		}
	}
}

// applyOutcomeLocked folds a classified poll result into the state
func (c *Coordinator) applyOutcomeLocked(outcome payment.Outcome, record *payment.Record, source string) {
	switch outcome {
	case payment.OutcomeConfirmed:
		c.confirmLocked(record, source)
	case payment.OutcomeTerminalFailure:
		c.failTerminalLocked(record, source)
	case payment.OutcomeWaiting:
		c.waitLocked(record)
	}
}

// confirmLocked enters the Confirmed terminal state. Idempotent: the
// second confirmation signal is a no-op.
func (c *Coordinator) confirmLocked(record *payment.Record, source string) {
	cur := &c.cur
	if cur.state == StateConfirmed {
		return
	}
	if record != nil {
		cur.record = record
	} else if cur.record != nil {
		updated := *cur.record
		updated.Status = payment.StatusSuccessful
		cur.record = &updated
	}
	cur.deadline = time.Time{}
	cur.fatal = nil
	cur.lastError = ""
	c.transitionLocked(StateConfirmed, source)
	c.clearSessionAsync()
	c.closeChannelLocked()
	c.log.LogPaymentConfirmed(c.ctx, cur.bookingID, source)
}

// failTerminalLocked enters the hard terminal failure: the server says
// the payment is expired/cancelled. The booking id is dropped so a fresh
// booking can be created.
func (c *Coordinator) failTerminalLocked(record *payment.Record, source string) {
	cur := &c.cur
	if record != nil {
		cur.record = record
	}
	cur.bookingID = ""
	cur.deadline = time.Time{}
	cur.fatal = newFlowError(ErrorTerminalPayment, msgPaymentDead)
	c.transitionLocked(StateFatalError, source)
	c.clearSessionAsync()
	c.closeChannelLocked()
}

// waitLocked applies a still-pending payment record: refresh the record
// and deadline, persist the session, make sure the push channel is open.
// The deadline derives solely from the server-reported createdAt, so the
// client never invents extra time.
func (c *Coordinator) waitLocked(record *payment.Record) {
	cur := &c.cur
	cur.record = record
	cur.deadline = record.Deadline(c.loader.GracePeriod())

	if time.Now().Before(cur.deadline) {
		if cur.state != StateWaiting {
			c.transitionLocked(StateWaiting, "payment_pending")
		}
	} else if cur.state != StateExpired {
		c.transitionLocked(StateExpired, "payment_pending_lapsed")
	}

	sess := &session.Session{
		BookingID:   cur.bookingID,
		PaymentCode: record.PaymentCode,
		Amount:      record.Amount,
		CreatedAt:   record.CreatedAt.UnixMilli(),
		OwnerToken:  c.ownerToken,
	}
	go func() {
		applied, err := c.store.PutCAS(c.ctx, c.cfg.UserID, c.cfg.VehicleID, sess, c.ownerToken)
		if err != nil {
			c.log.WithError(err).Warn("failed to persist checkout session", "vehicle_id", c.cfg.VehicleID)
		} else if !applied {
			c.log.Warn("checkout session held by another owner", "vehicle_id", c.cfg.VehicleID)
		}
	}()

	c.openChannelLocked()
}

// createAsync runs the eligibility pre-check and booking creation off the
// run loop, posting the result back as an event
func (c *Coordinator) createAsync(gen uint64, input AdvanceInput) {
	if c.eligibility != nil {
		if err := c.eligibility.Check(c.ctx, c.cfg.UserID); err != nil {
			c.post(event{kind: evCreateResult, gen: gen, err: err})
			return
		}
	}

	req := marketplace.CreateBookingRequest{
		VehicleID:     c.cfg.VehicleID,
		StartDate:     input.StartDate,
		EndDate:       input.EndDate,
		PickupLat:     input.PickupLat,
		PickupLng:     input.PickupLng,
		PickupAddress: input.PickupAddress,
		RentalFee:     math.Round(input.Quote.RentalFee),
		InsuranceFee:  math.Round(input.Quote.InsuranceFee),
		VAT:           math.Round(input.Quote.VAT),
		Deposit:       math.Round(input.Quote.Deposit),
		TotalAmount:   math.Round(input.Quote.TotalAmount),
		Notes:         input.Notes,
	}

	bookingID, err := c.api.CreateBooking(c.ctx, req)
	c.post(event{kind: evCreateResult, gen: gen, bookingID: bookingID, err: err})
}

// loadAsync fetches and classifies payment state off the run loop
func (c *Coordinator) loadAsync(gen uint64, bookingID string, manual bool, replyCh chan error) {
	outcome, record, err := c.loader.Load(c.ctx, bookingID, payment.LoadOptions{Silent: !manual})
	c.post(event{
		kind:    evLoadResult,
		gen:     gen,
		outcome: outcome,
		record:  record,
		err:     err,
		manual:  manual,
		reply:   replyCh,
	})
}

// openChannelLocked opens the push channel once per coordinator lifetime
func (c *Coordinator) openChannelLocked() {
	if c.handle != nil || c.connect == nil {
		return
	}
	c.handle = c.connect(c.ctx)
	c.unsubscribe = c.handle.On(PushEventName, func(msg realtime.Message) {
		var push PushEvent
		if err := json.Unmarshal(msg.Data, &push); err != nil {
			return
		}
		c.post(event{kind: evPush, push: &push})
	})
}

func (c *Coordinator) closeChannelLocked() {
	if c.handle == nil {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.handle.Close()
	c.handle = nil
}

func (c *Coordinator) clearSessionAsync() {
	go c.clearSession()
}

func (c *Coordinator) clearSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.PutCAS(ctx, c.cfg.UserID, c.cfg.VehicleID, nil, c.ownerToken); err != nil {
		c.log.WithError(err).Warn("failed to clear checkout session", "vehicle_id", c.cfg.VehicleID)
	}
}

func (c *Coordinator) transitionLocked(to State, cause string) {
	from := c.cur.state
	if from == to {
		return
	}
	c.cur.state = to
	c.log.LogCheckoutTransition(c.ctx, c.cfg.VehicleID, from.String(), to.String(), cause)
}

func validateAdvance(input *AdvanceInput) error {
	if input.Quote == nil || input.Quote.TotalAmount <= 0 {
		return newFlowError(ErrorValidation, "a rental quote is required")
	}
	if input.StartDate.IsZero() || input.EndDate.IsZero() || !input.EndDate.After(input.StartDate) {
		return newFlowError(ErrorValidation, "rental dates are missing or invalid")
	}
	if !input.Agreed {
		return newFlowError(ErrorValidation, "the rental agreement must be accepted")
	}
	return nil
}

func isLicenseError(err error) bool {
	if errors.Is(err, marketplace.ErrLicenseNotVerified) {
		return true
	}
	var apiErr *marketplace.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == marketplace.CodeLicenseNotVerified {
			return true
		}
		return strings.Contains(strings.ToUpper(apiErr.Message), "DRIVER LICENSE NOT VERIFIED")
	}
	return false
}

func reply(ev event, err error) {
	if ev.reply == nil {
		return
	}
	if err != nil {
		ev.reply <- err
	} else {
		ev.reply <- nil
	}
}
