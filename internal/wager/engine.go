// Package wager drives the wager lifecycle: admission, matchmaking, the
// countdown and at-most-once settlement against the ledger.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/matchmaking"
	"github.com/alanyoungcy/updownbet/internal/metrics"
)

const (
	defaultMinDuration = 5
	defaultMaxDuration = 60

	// transferTimeout bounds a single outbound ledger transfer.
	transferTimeout = 2 * time.Minute

	// tickQueueSize bounds countdown-tick events waiting for the notifier.
	tickQueueSize = 1024

	// settleStalledAfter is the failed attempt count that raises an alert.
	settleStalledAfter = 5

	// Operator alert event names.
	AlertTransferFailed    = "transfer_failed"
	AlertRefundFailed      = "refund_failed"
	AlertMetadataLost      = "settlement_metadata_lost"
	AlertSettlementStalled = "settlement_stalled"
	AlertPeerUnsettled     = "peer_unsettled"
)

// Oracle is the price source the engine settles against.
type Oracle interface {
	Latest(ctx context.Context, symbol string) (domain.Quote, error)
	Lock(ctx context.Context, symbol, ownerID string) (domain.LockedQuote, error)
	GetLocked(ownerID string) (domain.LockedQuote, bool)
	Release(ownerID string)
}

// Matcher finds an opposing wager. *matchmaking.Resolver satisfies it.
type Matcher interface {
	Resolve(ctx context.Context, req matchmaking.Request) (matchmaking.Match, error)
}

// Alerter raises operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the engine tunables.
type Config struct {
	// PrimaryInstrument is tracked by tokens that name no instrument.
	PrimaryInstrument string
	DrawThreshold     decimal.Decimal
	// TickInterval is the cadence of countdown-tick events.
	TickInterval time.Duration
	// SettleLockTTL bounds the distributed settlement lock.
	SettleLockTTL time.Duration
	// RecoverBatch limits how many in-flight wagers Recover loads.
	RecoverBatch int
	// SettleRetryBase is the first delay before a failed settlement is
	// retried. It doubles per attempt up to SettleRetryMax.
	SettleRetryBase time.Duration
	SettleRetryMax  time.Duration
}

// Deps are the collaborators of the engine. Locks, Alerts, Audit and
// Metrics are optional.
type Deps struct {
	Store    domain.WagerStore
	Settings domain.SettingsSource
	Ledger   domain.LedgerGateway
	Oracle   Oracle
	Matcher  Matcher
	Notifier domain.EventNotifier
	Locks    domain.LockManager
	Alerts   Alerter
	Audit    domain.AuditStore
	Metrics  *metrics.Collectors
}

// Engine implements the wager state machine. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    domain.WagerStore
	settings domain.SettingsSource
	ledger   domain.LedgerGateway
	oracle   Oracle
	matcher  Matcher
	notifier domain.EventNotifier
	alerts   Alerter
	audit    domain.AuditStore
	metrics  *metrics.Collectors
	logger   *slog.Logger

	guard      *settleGuard
	countdowns *scheduler
	ticks      chan countdownTick
	root       context.Context
	stopAll    context.CancelFunc

	now   func() time.Time
	newID func() string
}

// New creates an Engine. Close stops every pending countdown.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.DrawThreshold.IsZero() {
		cfg.DrawThreshold = DefaultDrawThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SettleLockTTL <= 0 {
		cfg.SettleLockTTL = 30 * time.Second
	}
	if cfg.RecoverBatch <= 0 {
		cfg.RecoverBatch = 1000
	}
	if cfg.SettleRetryBase <= 0 {
		cfg.SettleRetryBase = time.Second
	}
	if cfg.SettleRetryMax < cfg.SettleRetryBase {
		cfg.SettleRetryMax = max(time.Minute, cfg.SettleRetryBase)
	}

	logger = logger.With(slog.String("component", "wager_engine"))
	root, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		settings: deps.Settings,
		ledger:   deps.Ledger,
		oracle:   deps.Oracle,
		matcher:  deps.Matcher,
		notifier: deps.Notifier,
		alerts:   deps.Alerts,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   logger,
		guard:    &settleGuard{locks: deps.Locks, ttl: cfg.SettleLockTTL, logger: logger},
		ticks:    make(chan countdownTick, tickQueueSize),
		root:     root,
		stopAll:  cancel,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	e.countdowns = newScheduler(cfg.TickInterval, deps.Metrics.CountdownStarted, deps.Metrics.CountdownStopped)
	go e.publishTicks()
	return e
}

// Close stops all pending countdowns and the tick publisher. Wagers left
// IN_PROGRESS are picked up by Recover on the next start.
func (e *Engine) Close() {
	e.countdowns.stopAll()
	e.stopAll()
}

// AdmitRequest is a new wager as submitted by a party.
type AdmitRequest struct {
	// WagerID may carry the id a quote was previously locked under. A fresh id
	// is generated when empty.
	WagerID     string
	PartyID     string
	Direction   domain.Direction
	Amount      decimal.Decimal
	Token       string
	DurationSec int
	// InboundRef is the ledger reference of the stake deposit.
	InboundRef string
}

// Admit validates the request, checks the house reserve, binds a price quote
// and persists the wager as PENDING.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (domain.Wager, error) {
	settings, err := e.settings.Snapshot(ctx)
	if err != nil {
		e.metrics.AdmissionDenied("configuration")
		return domain.Wager{}, &domain.ConfigurationError{What: "settings unavailable: " + err.Error()}
	}
	if settings.ReserveAddress == "" {
		e.metrics.AdmissionDenied("configuration")
		return domain.Wager{}, &domain.ConfigurationError{What: "reserve address not set"}
	}

	token, err := validate(req, settings)
	if err == nil {
		err = e.validateParty(req.PartyID)
	}
	if err != nil {
		e.metrics.AdmissionDenied("validation")
		return domain.Wager{}, err
	}
	if req.WagerID != "" {
		if _, err := e.store.Get(ctx, req.WagerID); err == nil {
			return domain.Wager{}, fmt.Errorf("wager: admit %s: %w", req.WagerID, domain.ErrAlreadyExists)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.Wager{}, fmt.Errorf("wager: admit %s: %w", req.WagerID, err)
		}
	}

	meta := e.verifyInbound(ctx, req)

	if err := e.checkReserve(ctx, settings, token, req.Amount); err != nil {
		if errors.Is(err, domain.ErrReserveInsufficient) {
			e.metrics.AdmissionDenied("reserve")
		}
		return domain.Wager{}, err
	}

	id := req.WagerID
	if id == "" {
		id = e.newID()
	}
	instrument := token.Instrument
	if instrument == "" {
		instrument = e.cfg.PrimaryInstrument
	}
	quote, locked, err := e.lockQuote(ctx, instrument, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: admit %s: %w", id, err)
	}

	now := e.now()
	w := domain.Wager{
		ID:          id,
		PartyID:     req.PartyID,
		Direction:   req.Direction,
		Amount:      req.Amount,
		Token:       token.Symbol,
		Instrument:  instrument,
		DurationSec: req.DurationSec,
		LockedPrice: quote.Price,
		LockedAt:    quote.Timestamp,
		Status:      domain.WagerStatusPending,
		Settlement:  meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, w); err != nil {
		if locked {
			e.oracle.Release(id)
		}
		return domain.Wager{}, fmt.Errorf("wager: admit %s: %w", id, err)
	}

	e.metrics.WagerAdmitted(w.Token)
	e.logger.InfoContext(ctx, "wager admitted",
		slog.String("wager_id", w.ID),
		slog.String("party_id", w.PartyID),
		slog.String("direction", string(w.Direction)),
		slog.String("amount", w.Amount.String()),
		slog.String("token", w.Token),
		slog.String("locked_price", w.LockedPrice.String()),
	)
	e.publish(ctx, w.PartyID, domain.EventWagerCreated, wagerPayload(w))
	return w, nil
}

func validate(req AdmitRequest, settings domain.Settings) (domain.TokenSettings, error) {
	if req.PartyID == "" {
		return domain.TokenSettings{}, domain.NewValidationError("party_id", "required")
	}
	if req.PartyID == domain.HouseParty {
		return domain.TokenSettings{}, domain.NewValidationError("party_id", "reserved identifier")
	}
	if !req.Direction.Valid() {
		return domain.TokenSettings{}, domain.NewValidationError("direction", "must be UP or DOWN, got %q", req.Direction)
	}

	minDur, maxDur := settings.MinDurationSec, settings.MaxDurationSec
	if minDur <= 0 {
		minDur = defaultMinDuration
	}
	if maxDur <= 0 {
		maxDur = defaultMaxDuration
	}
	if req.DurationSec < minDur || req.DurationSec > maxDur {
		return domain.TokenSettings{}, domain.NewValidationError("duration", "must be between %d and %d seconds", minDur, maxDur)
	}

	token, ok := settings.Token(req.Token)
	if !ok || !token.Enabled {
		return domain.TokenSettings{}, domain.NewValidationError("token", "%q is not enabled", req.Token)
	}
	if token.Symbol == "" {
		token.Symbol = req.Token
	}
	if !req.Amount.IsPositive() {
		return domain.TokenSettings{}, domain.NewValidationError("amount", "must be positive")
	}
	if req.Amount.LessThan(token.MinStake) || (token.MaxStake.IsPositive() && req.Amount.GreaterThan(token.MaxStake)) {
		return domain.TokenSettings{}, domain.NewValidationError("amount", "must be between %s and %s %s",
			token.MinStake, token.MaxStake, token.Symbol)
	}
	return token, nil
}

// validateParty rejects party ids the ledger could not pay out to.
func (e *Engine) validateParty(partyID string) error {
	if v, ok := e.ledger.(domain.AddressValidator); ok && !v.ValidAddress(partyID) {
		return domain.NewValidationError("party_id", "%q is not a valid ledger address", partyID)
	}
	return nil
}

// verifyInbound checks the stake deposit. A failed check is recorded on the
// wager and logged; it never blocks admission.
func (e *Engine) verifyInbound(ctx context.Context, req AdmitRequest) domain.Settlement {
	meta := domain.Settlement{InboundRef: req.InboundRef}
	if req.InboundRef == "" {
		meta.InboundError = "no inbound reference"
		return meta
	}
	ok, err := e.ledger.VerifyInbound(ctx, req.InboundRef)
	switch {
	case err != nil:
		meta.InboundError = err.Error()
	case !ok:
		meta.InboundError = "inbound transfer not confirmed"
	default:
		meta.InboundVerified = true
		return meta
	}
	e.logger.WarnContext(ctx, "inbound transfer verification failed, admitting anyway",
		slog.String("party_id", req.PartyID),
		slog.String("inbound_ref", req.InboundRef),
		slog.String("error", meta.InboundError),
	)
	return meta
}

// checkReserve trips when any enabled token's reserve is below twice its
// minimum stake, or when the requested token's reserve cannot cover twice
// the stake.
func (e *Engine) checkReserve(ctx context.Context, settings domain.Settings, token domain.TokenSettings, amount decimal.Decimal) error {
	for _, t := range settings.EnabledTokens() {
		symbol := t.Symbol
		balance, err := e.ledger.GetBalance(ctx, settings.ReserveAddress, symbol)
		if err != nil {
			return fmt.Errorf("wager: reserve balance %s: %w", symbol, err)
		}
		if required := t.MinStake.Mul(two); balance.LessThan(required) {
			return &domain.ReserveInsufficientError{
				Token: symbol, Balance: balance.String(), Required: required.String(), Global: true,
			}
		}
		if symbol == token.Symbol {
			if required := amount.Mul(two); balance.LessThan(required) {
				return &domain.ReserveInsufficientError{
					Token: symbol, Balance: balance.String(), Required: required.String(),
				}
			}
		}
	}
	return nil
}

// lockQuote reuses an unexpired quote already bound to id, otherwise locks a
// fresh one. locked reports whether this call created the lock.
func (e *Engine) lockQuote(ctx context.Context, instrument, id string) (lq domain.LockedQuote, locked bool, err error) {
	if lq, ok := e.oracle.GetLocked(id); ok && lq.Symbol == instrument {
		return lq, false, nil
	}
	lq, err = e.oracle.Lock(ctx, instrument, id)
	if err != nil {
		return domain.LockedQuote{}, false, err
	}
	return lq, true, nil
}

// Resolve pairs a PENDING wager with an opposing one, or with the house when
// none is open. A wager that was already claimed by a peer is returned as
// stored.
func (e *Engine) Resolve(ctx context.Context, id string) (domain.Wager, error) {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: resolve %s: %w", id, err)
	}
	switch w.Status {
	case domain.WagerStatusPending:
	case domain.WagerStatusMatched:
		return w, nil
	default:
		return domain.Wager{}, fmt.Errorf("wager: resolve %s in %s: %w", id, w.Status, domain.ErrInvalidTransition)
	}

	m, err := e.matcher.Resolve(ctx, matchmaking.Request{
		WagerID:     w.ID,
		PartyID:     w.PartyID,
		Direction:   w.Direction,
		Amount:      w.Amount,
		Token:       w.Token,
		DurationSec: w.DurationSec,
	})
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: resolve %s: %w", id, err)
	}
	if m.Found {
		e.publish(ctx, m.Wager.PartyID, domain.EventMatchFound, matchPayload(m.Wager))
		e.publish(ctx, m.Counterpart.PartyID, domain.EventMatchFound, matchPayload(m.Counterpart))
		return m.Wager, nil
	}

	next := w
	next.Status = domain.WagerStatusMatched
	next.CounterpartyID = domain.HouseParty
	next.IsHouse = true
	if err := e.store.UpdateTransition(ctx, id, domain.WagerStatusPending, next); err != nil {
		if !errors.Is(err, domain.ErrStaleStatus) {
			return domain.Wager{}, fmt.Errorf("wager: house match %s: %w", id, err)
		}
		stored, gerr := e.store.Get(ctx, id)
		if gerr != nil {
			return domain.Wager{}, fmt.Errorf("wager: house match %s: %w", id, gerr)
		}
		if stored.Status == domain.WagerStatusMatched {
			return stored, nil
		}
		return domain.Wager{}, fmt.Errorf("wager: house match %s in %s: %w", id, stored.Status, domain.ErrInvalidTransition)
	}

	e.logger.InfoContext(ctx, "wager matched against house", slog.String("wager_id", id))
	e.publish(ctx, next.PartyID, domain.EventMatchFound, matchPayload(next))
	return next, nil
}

// Place admits a wager and resolves it in one call.
func (e *Engine) Place(ctx context.Context, req AdmitRequest) (domain.Wager, error) {
	w, err := e.Admit(ctx, req)
	if err != nil {
		return domain.Wager{}, err
	}
	return e.Resolve(ctx, w.ID)
}

// Start moves a MATCHED wager, and its peer when still MATCHED, to
// IN_PROGRESS and schedules the settlement countdown. Starting a wager that
// is already in progress is a no-op.
func (e *Engine) Start(ctx context.Context, id string) (domain.Wager, error) {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: start %s: %w", id, err)
	}
	switch w.Status {
	case domain.WagerStatusMatched:
	case domain.WagerStatusInProgress:
		return w, nil
	default:
		return domain.Wager{}, fmt.Errorf("wager: start %s in %s: %w", id, w.Status, domain.ErrInvalidTransition)
	}

	now := e.now()
	started, err := e.transitionToStarted(ctx, w, now)
	if err != nil {
		return domain.Wager{}, err
	}
	if started.Status == domain.WagerStatusInProgress && started.StartedAt != nil && !started.StartedAt.Equal(now) {
		// Someone else started it first.
		return started, nil
	}

	group := []domain.Wager{started}
	if started.IsPeerToPeer() {
		peer, err := e.store.Get(ctx, started.CounterpartyWagerID)
		if err != nil {
			e.logger.WarnContext(ctx, "load peer wager failed",
				slog.String("wager_id", id),
				slog.String("peer_id", started.CounterpartyWagerID),
				slog.String("error", err.Error()),
			)
		} else if peer.Status == domain.WagerStatusMatched {
			peer, err = e.transitionToStarted(ctx, peer, now)
			if err != nil {
				e.logger.WarnContext(ctx, "start peer wager failed",
					slog.String("peer_id", peer.ID),
					slog.String("error", err.Error()),
				)
			} else {
				group = append(group, peer)
			}
		}
	}

	e.scheduleGroup(group, time.Duration(started.DurationSec)*time.Second)

	for _, m := range group {
		e.publish(ctx, m.PartyID, domain.EventGameStarted, map[string]any{
			"wager_id":     m.ID,
			"duration_sec": m.DurationSec,
			"locked_price": m.LockedPrice.String(),
			"settle_at":    m.SettleAt().Format(time.RFC3339Nano),
		})
	}
	e.logger.InfoContext(ctx, "game started",
		slog.String("wager_id", id),
		slog.Int("group_size", len(group)),
		slog.Int("duration_sec", started.DurationSec),
	)
	return started, nil
}

// transitionToStarted CASes w from MATCHED to IN_PROGRESS. When the CAS loses
// the stored wager is returned if it is already IN_PROGRESS.
func (e *Engine) transitionToStarted(ctx context.Context, w domain.Wager, now time.Time) (domain.Wager, error) {
	next := w
	next.Status = domain.WagerStatusInProgress
	next.StartedAt = &now
	err := e.store.UpdateTransition(ctx, w.ID, domain.WagerStatusMatched, next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, domain.ErrStaleStatus) {
		return domain.Wager{}, fmt.Errorf("wager: start %s: %w", w.ID, err)
	}
	stored, gerr := e.store.Get(ctx, w.ID)
	if gerr != nil {
		return domain.Wager{}, fmt.Errorf("wager: start %s: %w", w.ID, gerr)
	}
	if stored.Status == domain.WagerStatusInProgress {
		return stored, nil
	}
	return domain.Wager{}, fmt.Errorf("wager: start %s in %s: %w", w.ID, stored.Status, domain.ErrInvalidTransition)
}

// countdownTick is one countdown-tick event waiting to be published.
type countdownTick struct {
	partyID   string
	wagerID   string
	remaining int
}

// publishTicks drains queued countdown ticks until the engine is closed.
func (e *Engine) publishTicks() {
	for {
		select {
		case <-e.root.Done():
			return
		case t := <-e.ticks:
			e.publish(e.root, t.partyID, domain.EventCountdownTick, map[string]any{
				"wager_id":  t.wagerID,
				"remaining": t.remaining,
			})
		}
	}
}

// scheduleGroup arms one countdown for the whole group. At zero the first
// member is settled, which settles its peer as well.
func (e *Engine) scheduleGroup(group []domain.Wager, d time.Duration) {
	onTick := func(remaining time.Duration) {
		secs := int((remaining + time.Second - 1) / time.Second)
		for _, m := range group {
			select {
			case e.ticks <- countdownTick{partyID: m.PartyID, wagerID: m.ID, remaining: secs}:
			default:
				e.logger.Debug("countdown tick queue full, dropping tick", slog.String("wager_id", m.ID))
			}
		}
	}
	fire := func(ctx context.Context) {
		e.settleWithRetry(ctx, group, 0)
	}
	e.countdowns.schedule(e.root, groupIDs(group), d, onTick, fire)
}

// settleWithRetry settles the group and re-arms a backoff countdown when the
// failure may clear on its own, such as a missing quote or a store outage.
func (e *Engine) settleWithRetry(ctx context.Context, group []domain.Wager, attempt int) {
	id := group[0].ID
	_, err := e.Settle(ctx, id)
	if err == nil {
		return
	}
	if !retryableSettle(err) || e.root.Err() != nil {
		e.logger.ErrorContext(ctx, "scheduled settlement failed",
			slog.String("wager_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	e.scheduleRetry(ctx, group, attempt+1, err)
}

// scheduleRetry arms a tickless countdown that retries the settlement of
// group after the backoff delay of attempt.
func (e *Engine) scheduleRetry(ctx context.Context, group []domain.Wager, attempt int, cause error) {
	id := group[0].ID
	delay := e.retryDelay(attempt)
	e.logger.WarnContext(ctx, "settlement failed, retrying",
		slog.String("wager_id", id),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	if attempt == settleStalledAfter {
		e.alert(ctx, AlertSettlementStalled, "Settlement keeps failing",
			fmt.Sprintf("wager %s: %d failed attempts, still retrying: %v", id, attempt, cause))
	}
	fire := func(ctx context.Context) {
		e.settleWithRetry(ctx, group, attempt)
	}
	if !e.countdowns.schedule(e.root, groupIDs(group), delay, nil, fire) {
		e.logger.DebugContext(ctx, "settlement retry skipped, countdown already armed",
			slog.String("wager_id", id),
		)
	}
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	d := e.cfg.SettleRetryBase
	for i := 1; i < attempt && d < e.cfg.SettleRetryMax; i++ {
		d *= 2
	}
	return min(d, e.cfg.SettleRetryMax)
}

// retryableSettle is false for failures another attempt cannot fix.
func retryableSettle(err error) bool {
	return !errors.Is(err, domain.ErrInvalidTransition) &&
		!errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, context.Canceled)
}

func groupIDs(group []domain.Wager) []string {
	ids := make([]string, 0, len(group))
	for _, m := range group {
		ids = append(ids, m.ID)
	}
	return ids
}

// Settle determines the outcome of an IN_PROGRESS wager and pays it out.
// Concurrent and repeated calls return the stored result without issuing
// another transfer.
func (e *Engine) Settle(ctx context.Context, id string) (domain.Wager, error) {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: settle %s: %w", id, err)
	}
	switch w.Status {
	case domain.WagerStatusCompleted:
		return w, nil
	case domain.WagerStatusInProgress:
	default:
		return domain.Wager{}, fmt.Errorf("wager: settle %s in %s: %w", id, w.Status, domain.ErrInvalidTransition)
	}

	res, err := e.guard.do(ctx, groupKey(w), func(ctx context.Context) (settledGroup, error) {
		return e.settleGroup(ctx, id)
	})
	if err != nil {
		return domain.Wager{}, err
	}
	if got, ok := res[id]; ok {
		return got, nil
	}
	return e.store.Get(ctx, id)
}

// settleGroup runs inside the guard. The CAS of the deciding wager into
// COMPLETED is the claim; only the claimer transfers.
func (e *Engine) settleGroup(ctx context.Context, id string) (settledGroup, error) {
	start := e.now()
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("wager: settle %s: %w", id, err)
	}
	if w.Status == domain.WagerStatusCompleted {
		return e.loadGroup(ctx, w), nil
	}
	if w.Status != domain.WagerStatusInProgress {
		return nil, fmt.Errorf("wager: settle %s in %s: %w", id, w.Status, domain.ErrInvalidTransition)
	}

	settings, err := e.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("wager: settle %s: settings: %w", id, err)
	}

	var (
		final  decimal.Decimal
		result domain.WagerResult
	)
	if decided, ok := e.settledPeer(ctx, w); ok {
		// The peer was settled on its own; mirror its outcome and price.
		final = *decided.FinalPrice
		result = decided.Result.Mirror()
	} else {
		quote, err := e.oracle.Latest(ctx, w.Instrument)
		if err != nil {
			return nil, fmt.Errorf("wager: settle %s: %w", id, err)
		}
		final = quote.Price
		result = DetermineResult(w.LockedPrice, final, w.Direction, e.cfg.DrawThreshold)
	}

	claimed, err := e.claim(ctx, w, result, final, settings.FeeRate)
	if errors.Is(err, domain.ErrStaleStatus) {
		stored, gerr := e.store.Get(ctx, id)
		if gerr != nil {
			return nil, fmt.Errorf("wager: settle %s: %w", id, gerr)
		}
		return e.loadGroup(ctx, stored), nil
	}
	if err != nil {
		return nil, err
	}
	members := []domain.Wager{claimed}

	var unsettled *domain.Wager
	if w.IsPeerToPeer() {
		pc, peer, err := e.claimPeer(ctx, w, result.Mirror(), final, settings.FeeRate)
		switch {
		case err != nil:
			e.logger.ErrorContext(ctx, "claim peer settlement failed",
				slog.String("wager_id", id),
				slog.String("peer_id", w.CounterpartyWagerID),
				slog.String("error", err.Error()),
			)
			e.alert(ctx, AlertPeerUnsettled, "Peer wager not settled",
				fmt.Sprintf("wager %s settled %s at %s, peer %s not settled: %v",
					id, result, final, w.CounterpartyWagerID, err))
			if peer.ID != "" {
				unsettled = &peer
			}
		case pc.ID != "":
			members = append(members, pc)
		}
	}

	out := make(settledGroup, len(members))
	for _, m := range members {
		e.countdowns.stop(m.ID)
		e.oracle.Release(m.ID)
		m = e.payOut(ctx, m)
		out[m.ID] = m

		e.logger.InfoContext(ctx, "wager settled",
			slog.String("wager_id", m.ID),
			slog.String("result", string(m.Result)),
			slog.String("locked_price", m.LockedPrice.String()),
			slog.String("final_price", final.String()),
			slog.String("payout", m.Payout.String()),
			slog.String("fee", m.Fee.String()),
		)
		payload := wagerPayload(m)
		e.publish(ctx, m.PartyID, domain.EventGameCompleted, payload)
		if m.Payout.IsPositive() {
			e.publish(ctx, m.PartyID, domain.EventBalanceUpdated, map[string]any{
				"wager_id":     m.ID,
				"token":        m.Token,
				"amount":       m.Payout.String(),
				"outbound_ref": m.Settlement.OutboundRef,
				"failed":       m.Settlement.TransferFailed,
			})
		}
		e.metrics.Settled(string(m.Result), e.now().Sub(start).Seconds())
	}
	if unsettled != nil {
		e.scheduleRetry(ctx, []domain.Wager{*unsettled}, 1, errors.New("peer claim failed"))
	}
	return out, nil
}

// settledPeer returns the peer of w when it already holds a final result.
func (e *Engine) settledPeer(ctx context.Context, w domain.Wager) (domain.Wager, bool) {
	if !w.IsPeerToPeer() {
		return domain.Wager{}, false
	}
	peer, err := e.store.Get(ctx, w.CounterpartyWagerID)
	if err != nil || peer.Status != domain.WagerStatusCompleted || peer.FinalPrice == nil {
		return domain.Wager{}, false
	}
	return peer, true
}

// claimPeer settles the peer of w with the mirrored result. A peer that never
// left MATCHED is started first. It returns the claimed peer, or a zero
// wager when the peer was already completed. On error the peer as last
// loaded is returned so the caller can retry it.
func (e *Engine) claimPeer(ctx context.Context, w domain.Wager, result domain.WagerResult, final, feeRate decimal.Decimal) (claimed, peer domain.Wager, err error) {
	peer, err = e.store.Get(ctx, w.CounterpartyWagerID)
	if err != nil {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("wager: load peer %s: %w", w.CounterpartyWagerID, err)
	}
	if peer.Status == domain.WagerStatusMatched {
		started, err := e.transitionToStarted(ctx, peer, e.now())
		if err != nil {
			return domain.Wager{}, peer, err
		}
		peer = started
	}
	switch peer.Status {
	case domain.WagerStatusCompleted:
		return domain.Wager{}, peer, nil
	case domain.WagerStatusInProgress:
	default:
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("wager: peer %s in %s: %w", peer.ID, peer.Status, domain.ErrInvalidTransition)
	}

	claimed, err = e.claim(ctx, peer, result, final, feeRate)
	if errors.Is(err, domain.ErrStaleStatus) {
		stored, gerr := e.store.Get(ctx, peer.ID)
		if gerr == nil && stored.Status == domain.WagerStatusCompleted {
			return domain.Wager{}, stored, nil
		}
		return domain.Wager{}, peer, err
	}
	if err != nil {
		return domain.Wager{}, peer, err
	}
	return claimed, peer, nil
}

// claim CASes w from IN_PROGRESS to COMPLETED with its outcome. A non-zero
// payout is marked pending until the transfer attempt is recorded.
func (e *Engine) claim(ctx context.Context, w domain.Wager, result domain.WagerResult, final, feeRate decimal.Decimal) (domain.Wager, error) {
	o := ComputeOutcome(result, w.Amount, feeRate)
	now := e.now()

	next := w
	next.Status = domain.WagerStatusCompleted
	next.Result = o.Result
	next.FinalPrice = &final
	next.FinalizedAt = &now
	next.Payout = &o.Payout
	next.Fee = &o.Fee
	next.Settlement.PayoutPending = o.Payout.IsPositive()

	if err := e.store.UpdateTransition(ctx, w.ID, domain.WagerStatusInProgress, next); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return domain.Wager{}, err
		}
		return domain.Wager{}, fmt.Errorf("wager: settle %s: %w", w.ID, err)
	}
	return next, nil
}

// payOut issues the payout transfer of a freshly claimed wager and records
// the outcome. A failed transfer leaves the wager COMPLETED and alerts.
func (e *Engine) payOut(ctx context.Context, w domain.Wager) domain.Wager {
	if w.Payout == nil || !w.Payout.IsPositive() {
		return w
	}
	tctx, cancel := context.WithTimeout(ctx, transferTimeout)
	tr, err := e.ledger.TransferOut(tctx, w.PartyID, *w.Payout, w.Token)
	cancel()

	w.Settlement.PayoutPending = false
	if err != nil {
		w.Settlement.TransferFailed = true
		w.Settlement.TransferError = err.Error()
		e.metrics.TransferFailed("payout")
		e.logger.ErrorContext(ctx, "payout transfer failed",
			slog.String("wager_id", w.ID),
			slog.String("party_id", w.PartyID),
			slog.String("amount", w.Payout.String()),
			slog.String("error", err.Error()),
		)
		e.alert(ctx, AlertTransferFailed, "Payout transfer failed",
			fmt.Sprintf("wager %s: %s %s to %s: %v", w.ID, w.Payout, w.Token, w.PartyID, err))
	} else {
		w.Settlement.OutboundRef = tr.Reference
	}
	e.recordSettlement(ctx, w)
	return w
}

func (e *Engine) recordSettlement(ctx context.Context, w domain.Wager) {
	if err := e.store.UpdateSettlement(ctx, w.ID, w.Settlement); err != nil {
		e.logger.ErrorContext(ctx, "record settlement metadata failed",
			slog.String("wager_id", w.ID),
			slog.String("error", err.Error()),
		)
		e.alert(ctx, AlertMetadataLost, "Settlement metadata not recorded",
			fmt.Sprintf("wager %s: outbound_ref=%q refund_ref=%q failed=%t: %v",
				w.ID, w.Settlement.OutboundRef, w.Settlement.RefundRef, w.Settlement.TransferFailed, err))
	}
	if e.audit != nil {
		detail := map[string]any{
			"wager_id":        w.ID,
			"status":          string(w.Status),
			"outbound_ref":    w.Settlement.OutboundRef,
			"refund_ref":      w.Settlement.RefundRef,
			"transfer_failed": w.Settlement.TransferFailed,
		}
		if w.Settlement.TransferError != "" {
			detail["transfer_error"] = w.Settlement.TransferError
		}
		if err := e.audit.Log(ctx, "wager_transfer", detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
}

// loadGroup returns w together with its peer as stored.
func (e *Engine) loadGroup(ctx context.Context, w domain.Wager) settledGroup {
	out := settledGroup{w.ID: w}
	if w.IsPeerToPeer() {
		if peer, err := e.store.Get(ctx, w.CounterpartyWagerID); err == nil {
			out[peer.ID] = peer
		}
	}
	return out
}

// Cancel withdraws a PENDING wager and refunds the stake.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Wager, error) {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: cancel %s: %w", id, err)
	}
	if w.Status != domain.WagerStatusPending {
		return domain.Wager{}, fmt.Errorf("wager: cancel %s in %s: %w", id, w.Status, domain.ErrInvalidTransition)
	}

	e.countdowns.stop(id)

	now := e.now()
	next := w
	next.Status = domain.WagerStatusCancelled
	next.Result = domain.ResultCancelled
	next.FinalizedAt = &now
	if err := e.store.UpdateTransition(ctx, id, domain.WagerStatusPending, next); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return domain.Wager{}, fmt.Errorf("wager: cancel %s: %w", id, domain.ErrInvalidTransition)
		}
		return domain.Wager{}, fmt.Errorf("wager: cancel %s: %w", id, err)
	}
	e.oracle.Release(id)

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transferTimeout)
	tr, err := e.ledger.TransferOut(tctx, next.PartyID, next.Amount, next.Token)
	cancel()
	if err != nil {
		next.Settlement.TransferFailed = true
		next.Settlement.TransferError = err.Error()
		e.metrics.TransferFailed("refund")
		e.logger.ErrorContext(ctx, "refund transfer failed",
			slog.String("wager_id", id),
			slog.String("error", err.Error()),
		)
		e.alert(ctx, AlertRefundFailed, "Refund transfer failed",
			fmt.Sprintf("wager %s: %s %s to %s: %v", id, next.Amount, next.Token, next.PartyID, err))
	} else {
		next.Settlement.RefundRef = tr.Reference
	}
	e.recordSettlement(ctx, next)

	e.logger.InfoContext(ctx, "wager cancelled", slog.String("wager_id", id))
	e.publish(ctx, next.PartyID, domain.EventWagerCancelled, wagerPayload(next))
	if !next.Settlement.TransferFailed {
		e.publish(ctx, next.PartyID, domain.EventBalanceUpdated, map[string]any{
			"wager_id":   id,
			"token":      next.Token,
			"amount":     next.Amount.String(),
			"refund_ref": next.Settlement.RefundRef,
		})
	}
	return next, nil
}

// Recover resumes countdowns of wagers left IN_PROGRESS by a previous
// process and settles the overdue ones. An overdue settlement that fails is
// retried with backoff. It returns how many groups were rescheduled and
// settled.
func (e *Engine) Recover(ctx context.Context) (rescheduled, settled int, err error) {
	inFlight, err := e.store.ListByStatus(ctx, domain.WagerStatusInProgress, e.cfg.RecoverBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("wager: recover: %w", err)
	}

	byID := make(map[string]domain.Wager, len(inFlight))
	for _, w := range inFlight {
		byID[w.ID] = w
	}
	seen := make(map[string]bool)
	now := e.now()

	for _, w := range inFlight {
		key := groupKey(w)
		if seen[key] || e.countdowns.active(w.ID) {
			continue
		}
		seen[key] = true

		remaining := w.SettleAt().Sub(now)
		if w.StartedAt != nil && remaining > 0 {
			group := []domain.Wager{w}
			if peer, ok := byID[w.CounterpartyWagerID]; ok && w.IsPeerToPeer() {
				group = append(group, peer)
			}
			e.scheduleGroup(group, remaining)
			rescheduled++
			continue
		}

		if _, serr := e.Settle(ctx, w.ID); serr != nil {
			if !retryableSettle(serr) {
				e.logger.ErrorContext(ctx, "recover settlement failed",
					slog.String("wager_id", w.ID),
					slog.String("error", serr.Error()),
				)
				continue
			}
			e.scheduleRetry(ctx, []domain.Wager{w}, 1, serr)
			rescheduled++
			continue
		}
		settled++
	}

	e.logger.InfoContext(ctx, "recovered in-flight wagers",
		slog.Int("rescheduled", rescheduled),
		slog.Int("settled", settled),
	)
	return rescheduled, settled, nil
}

// PartyWagers lists a party's wagers, optionally filtered by status.
func (e *Engine) PartyWagers(ctx context.Context, partyID string, statuses ...domain.WagerStatus) ([]domain.Wager, error) {
	ws, err := e.store.FindByStatusAndParty(ctx, partyID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("wager: list for party %s: %w", partyID, err)
	}
	return ws, nil
}

// Get returns a single wager.
func (e *Engine) Get(ctx context.Context, id string) (domain.Wager, error) {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("wager: get %s: %w", id, err)
	}
	return w, nil
}

func (e *Engine) publish(ctx context.Context, partyID, event string, payload map[string]any) {
	if e.notifier == nil || partyID == "" || partyID == domain.HouseParty {
		return
	}
	if err := e.notifier.Publish(ctx, domain.PartyTopic(partyID), event, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("party_id", partyID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "operator alert failed", slog.String("error", err.Error()))
	}
}

func wagerPayload(w domain.Wager) map[string]any {
	p := map[string]any{
		"wager_id":     w.ID,
		"status":       string(w.Status),
		"direction":    string(w.Direction),
		"amount":       w.Amount.String(),
		"token":        w.Token,
		"duration_sec": w.DurationSec,
		"locked_price": w.LockedPrice.String(),
	}
	if w.Result != domain.ResultNone {
		p["result"] = string(w.Result)
	}
	if w.FinalPrice != nil {
		p["final_price"] = w.FinalPrice.String()
	}
	if w.Payout != nil {
		p["payout"] = w.Payout.String()
	}
	if w.Fee != nil {
		p["fee"] = w.Fee.String()
	}
	if w.Settlement.OutboundRef != "" {
		p["outbound_ref"] = w.Settlement.OutboundRef
	}
	if w.Settlement.RefundRef != "" {
		p["refund_ref"] = w.Settlement.RefundRef
	}
	if w.Settlement.TransferFailed {
		p["transfer_failed"] = true
	}
	return p
}

func matchPayload(w domain.Wager) map[string]any {
	p := wagerPayload(w)
	p["counterparty_id"] = w.CounterpartyID
	p["is_house"] = w.IsHouse
	if w.CounterpartyWagerID != "" {
		p["counterparty_wager_id"] = w.CounterpartyWagerID
	}
	return p
}
