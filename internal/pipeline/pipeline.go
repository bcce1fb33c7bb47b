// Package pipeline runs the per-tick decision loop: scan for triggers,
// meter the proposer budget, evaluate proposals through the guard and
// quality gates, size through risk, and route the bounded order by
// execution mode. It also drives position lifecycle management each
// tick, which continues even when entries are paused.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/audit"
	"github.com/sawpanic/tradegate/internal/budget"
	"github.com/sawpanic/tradegate/internal/config"
	"github.com/sawpanic/tradegate/internal/domain"
	"github.com/sawpanic/tradegate/internal/exchange"
	"github.com/sawpanic/tradegate/internal/execmode"
	"github.com/sawpanic/tradegate/internal/guards"
	"github.com/sawpanic/tradegate/internal/limits"
	"github.com/sawpanic/tradegate/internal/metrics"
	"github.com/sawpanic/tradegate/internal/position"
	"github.com/sawpanic/tradegate/internal/proposer"
	"github.com/sawpanic/tradegate/internal/quality"
	"github.com/sawpanic/tradegate/internal/risk"
	"github.com/sawpanic/tradegate/internal/scanner"
)

// MarketSource provides the per-tick market snapshot.
type MarketSource interface {
	Snapshot(ctx context.Context) (*domain.MarketState, error)
}

// Deps wires the engine. Everything is constructed once at startup.
type Deps struct {
	Config   *config.Config
	Market   MarketSource
	Scanner  *scanner.Scanner
	Budget   *budget.Gate
	Proposer proposer.Proposer
	Trend    *guards.TrendGuard
	Quality  *quality.Gate
	Risk     *risk.Manager
	Breaker  *risk.CircuitBreaker
	Limits   *limits.Registry
	Modes    *execmode.Controller
	Live     exchange.Broker // nil in paper-only deployments
	Paper    *exchange.PaperBroker
	Book     *position.Book // real positions
	PaperBk  *position.Book // paper and shadow positions
	Manager  *position.Manager
	Audit    *audit.Recorder
	Metrics  *metrics.Registry
}

// Engine is the tick-driven decision loop.
type Engine struct {
	d   Deps
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-instrument entry serialization
}

// New creates the engine.
func New(d Deps, log zerolog.Logger) *Engine {
	return &Engine{
		d:     d,
		log:   log.With().Str("component", "pipeline").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.d.Config.Tick)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.d.Config.Tick).Msg("pipeline started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick runs one full decision cycle. The execution mode is snapshotted
// once here; operator changes apply from the next tick.
func (e *Engine) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if e.d.Metrics != nil {
			e.d.Metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	mode := e.d.Modes.Snapshot()
	if e.d.Metrics != nil {
		e.d.Metrics.SetMode(string(mode.Mode))
	}

	market, err := e.d.Market.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("market snapshot unavailable: %w", err)
	}
	for name, inst := range market.Instruments {
		e.d.Paper.SetPrice(name, inst.Price)
	}

	account, err := e.fetchAccount(ctx, mode)
	if err != nil {
		return fmt.Errorf("account state unavailable: %w", err)
	}
	tripped := e.d.Breaker.Tripped()
	if e.d.Breaker.UpdateEquity(account.Equity) && !tripped {
		e.d.Audit.BreakerTrip(ctx, e.d.Breaker.State().DrawdownPct)
	}
	if e.d.Metrics != nil {
		e.d.Metrics.Equity.Set(account.Equity)
		st := e.d.Breaker.State()
		e.d.Metrics.DailyDrawdownPct.Set(st.DrawdownPct)
		if st.Tripped {
			e.d.Metrics.BreakerTripped.Set(1)
		} else {
			e.d.Metrics.BreakerTripped.Set(0)
		}
	}

	// The exchange is authoritative for real positions: anything it no
	// longer reports was closed out-of-band and leaves the book.
	if mode.AllowsLive() {
		for _, inst := range e.d.Book.Reconcile(account.OpenPositions) {
			e.log.Warn().Str("instrument", inst).Msg("position closed out-of-band, removed from book")
		}
	}

	// Lifecycle management runs before entries and regardless of pause:
	// abandoning open risk is itself a hazard.
	e.managePositions(ctx, market, mode)

	if mode.Paused {
		e.log.Debug().Msg("entries paused, tick management-only")
		return nil
	}

	for _, trig := range e.d.Scanner.Scan(*market) {
		if e.d.Metrics != nil {
			e.d.Metrics.TriggersFired.WithLabelValues(string(trig.Type), string(trig.Category)).Inc()
		}
		e.processTrigger(ctx, trig, market, account, mode)
	}
	e.publishGauges()
	return nil
}

// fetchAccount uses exchange equity in live modes and the simulated
// equity otherwise.
func (e *Engine) fetchAccount(ctx context.Context, mode execmode.State) (*domain.AccountState, error) {
	if mode.AllowsLive() && e.d.Live != nil {
		return e.d.Live.AccountState(ctx)
	}
	return e.d.Paper.AccountState(ctx)
}

// processTrigger takes one trigger through budget, proposer and the full
// gate chain. Per-instrument serialization prevents two triggers on the
// same instrument racing each other through the gates.
func (e *Engine) processTrigger(ctx context.Context, trig domain.Trigger, market *domain.MarketState, account *domain.AccountState, mode execmode.State) {
	lock := e.instrumentLock(trig.Instrument)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := market.Instruments[trig.Instrument]
	if !ok {
		return
	}
	class := string(trig.Category)

	// Cheap pre-check before spending anything; the authoritative check
	// happens inside Register under the gate's own lock.
	if pre := e.d.Budget.CanCall(class); !pre.Allowed {
		e.recordBudgetDenial(ctx, class, pre)
		return
	}

	// Entry-side protection is checked before the budget is consumed: a
	// proposal that can never open is not worth a metered call.
	book := e.entryBook(mode)
	if ok, reason, detail := e.d.Manager.CanOpen(book.ByInstrument(trig.Instrument), trig.Instrument, trig.Direction, trig.Category); !ok {
		e.recordDecision(ctx, decisionFor(trig, reason, detail))
		return
	}

	res := e.d.Budget.Register(ctx, class, &trig)
	if !res.Allowed {
		e.recordBudgetDenial(ctx, class, res)
		return
	}
	if e.d.Metrics != nil {
		e.d.Metrics.BudgetRemaining.WithLabelValues(class).Set(float64(res.Remaining))
	}

	prop, err := e.d.Proposer.Propose(ctx, proposer.Request{
		Instrument: trig.Instrument,
		Timeframe:  trig.Timeframe,
		Trigger:    trig,
		Bias:       inst.Bias,
		Price:      inst.Price,
	})
	outcome := "proposal"
	switch {
	case err != nil:
		outcome = "error"
		// The budget stays spent (the call was made), but the condition
		// must fire again next tick: a failed call is no decision.
		e.d.Scanner.Unmark(trig)
		e.log.Warn().Err(err).Str("instrument", trig.Instrument).Msg("proposer call failed, will retry next tick")
	case prop == nil:
		outcome = "no_trade"
	}
	if e.d.Metrics != nil {
		e.d.Metrics.ProposerCalls.WithLabelValues(class, outcome).Inc()
	}
	if err != nil || prop == nil {
		return
	}
	if err := prop.Validate(); err != nil {
		e.recordDecision(ctx, decisionForProposal(trig, prop, domain.ReasonInvalidProposal, err.Error()))
		return
	}

	e.evaluate(ctx, trig, prop, inst, account, mode)
}

// evaluate runs the gate chain on a validated proposal and routes the
// approved order.
func (e *Engine) evaluate(ctx context.Context, trig domain.Trigger, prop *domain.Proposal, inst domain.InstrumentState, account *domain.AccountState, mode execmode.State) {
	params := e.d.Config.ModeParams(e.d.Config.Mode)

	// The proposer is untrusted: the instrument lock and market state are
	// keyed by the trigger, so a proposal for another instrument is
	// unusable regardless of its merits.
	if prop.Instrument != trig.Instrument {
		e.recordDecision(ctx, decisionForProposal(trig, prop,
			domain.ReasonInvalidProposal, "proposal instrument differs from trigger"))
		return
	}

	// Entry-side protection ran before the budget spend against the
	// trigger's direction, but the proposer may answer with a different
	// direction or category. Re-check against what it actually proposed.
	book := e.entryBook(mode)
	if ok, reason, detail := e.d.Manager.CanOpen(book.ByInstrument(prop.Instrument), prop.Instrument, prop.Direction, prop.Category); !ok {
		e.recordDecision(ctx, decisionForProposal(trig, prop, reason, detail))
		return
	}

	if tr := e.d.Trend.Evaluate(prop, inst.Bias, guards.TrendParams{
		AllowNeutralEntries:  params.AllowNeutralEntries,
		MinConfidenceNeutral: params.MinConfidenceNeutral,
	}); !tr.Allowed {
		e.recordDecision(ctx, decisionForProposal(trig, prop, tr.Reason, tr.Detail))
		return
	}

	q := e.d.Quality.Evaluate(prop, inst.ConfluenceCount, inst, quality.Params{
		MinConfidenceStructural: params.MinConfidenceStructural,
		MinConfidenceTactical:   params.MinConfidenceTactical,
		MinConfluences:          params.MinConfluences,
		ConfluencePenalty:       params.ConfluencePenalty,
		MaxCandleBodyPct:        params.MaxCandleBodyPct,
	}, quality.OverridePolicy{
		Enabled:           e.d.Config.OverrideAllowed(e.d.Config.Mode),
		MinAlignmentScore: e.d.Config.Override.MinAlignmentScore,
	})
	if !q.Approved {
		d := decisionForProposal(trig, prop, q.Reason, q.Detail)
		d.AppliedConfidence = q.AppliedConfidence
		e.recordDecision(ctx, d)
		return
	}

	if !e.d.Limits.Ready() {
		e.recordDecision(ctx, decisionForProposal(trig, prop, domain.ReasonLimitsUnavailable, "asset limit table not yet loaded"))
		return
	}
	limit, fresh := e.d.Limits.Lookup(prop.Instrument)
	if !fresh {
		e.log.Warn().Str("instrument", prop.Instrument).Float64("max_leverage", limit.MaxLeverage).
			Msg("asset limits stale or missing, sizing against conservative default")
	}

	sized := e.d.Risk.SizeAndCap(prop, account.Equity, limit, risk.Params{
		RiskPerTradePct: params.RiskPerTradePct,
		MaxOpenTrades:   params.MaxOpenTrades,
	}, book.Len())
	if sized.LeverageAdjusted {
		granted := 0.0
		if sized.Order != nil {
			granted = sized.Order.Leverage
		}
		e.d.Audit.LeverageAdjust(ctx, prop.Instrument, sized.RequestedLeverage, granted)
		if e.d.Metrics != nil {
			e.d.Metrics.LeverageAdjusted.Inc()
		}
	}
	if !sized.Approved {
		d := decisionForProposal(trig, prop, sized.Reason, sized.Detail)
		d.AppliedConfidence = q.AppliedConfidence
		e.recordDecision(ctx, d)
		return
	}

	order := sized.Order
	order.Defensive = q.Defensive

	approved := domain.Decision{
		ID:                uuid.NewString(),
		TriggerID:         trig.ID,
		Instrument:        prop.Instrument,
		Direction:         prop.Direction,
		Category:          prop.Category,
		Verdict:           domain.VerdictApproved,
		AppliedConfidence: q.AppliedConfidence,
		FinalLeverage:     order.Leverage,
		FinalSize:         order.Size,
		Defensive:         order.Defensive,
		DecidedAt:         time.Now().UTC(),
	}
	e.recordDecision(ctx, approved)

	e.route(ctx, order, mode)
}

// route dispatches the bounded order by execution mode.
func (e *Engine) route(ctx context.Context, order *risk.Order, mode execmode.State) {
	switch {
	case mode.Mode == execmode.ModePaperOnly:
		e.placePaper(ctx, order, "")
	case e.d.Modes.NeedsConfirmation():
		// Corrupt persisted mode: real routing stays blocked until an
		// operator confirms, approved orders degrade to paper fills.
		e.log.Warn().Str("instrument", order.Instrument).
			Msg("live routing blocked pending mode confirmation, order routed to paper")
		e.placePaper(ctx, order, "")
	case mode.Mode == execmode.ModeLive:
		e.placeLive(ctx, order)
	case mode.Mode == execmode.ModeShadow:
		e.placeLive(ctx, order)
		for _, v := range e.d.Config.Shadow {
			if variantApplies(v, order) {
				e.placePaper(ctx, variantOrder(v, order), v.Name)
			}
		}
	}
}

func (e *Engine) placeLive(ctx context.Context, order *risk.Order) {
	if e.d.Live == nil {
		e.log.Error().Str("instrument", order.Instrument).Msg("live order requested with no exchange client configured")
		return
	}
	if err := e.d.Live.UpdateLeverage(ctx, order.Instrument, order.Leverage, order.MarginMode); err != nil {
		e.log.Error().Err(err).Str("instrument", order.Instrument).Msg("leverage update failed, order abandoned")
		e.countOrder("LIVE", "error")
		return
	}
	fill, err := e.d.Live.PlaceEntry(ctx, order)
	if err != nil {
		e.log.Error().Err(err).Str("instrument", order.Instrument).Msg("entry order failed")
		e.countOrder("LIVE", "error")
		return
	}
	e.d.Book.Open(positionFrom(order, fill.PriceFloat(), false, ""))
	e.countOrder("LIVE", "filled")
}

func (e *Engine) placePaper(ctx context.Context, order *risk.Order, variant string) {
	fill, err := e.d.Paper.PlaceEntry(ctx, order)
	if err != nil {
		e.log.Warn().Err(err).Str("instrument", order.Instrument).Msg("paper fill failed")
		e.countOrder("PAPER", "error")
		return
	}
	e.d.PaperBk.Open(positionFrom(order, fill.PriceFloat(), true, variant))
	e.countOrder("PAPER", "filled")
}

// managePositions evaluates lifecycle actions for every open position,
// real and paper, and executes them against the matching broker.
func (e *Engine) managePositions(ctx context.Context, market *domain.MarketState, mode execmode.State) {
	params := e.d.Config.ModeParams(e.d.Config.Mode)
	mp := position.ModeParams{MaxAdds: params.MaxAdds, MinPnLForAdd: params.MinPnLForAdd}

	// Pyramiding is a re-entry: it grows exposure, so it is blocked by
	// the same switches that block fresh entries. Stops and exits still
	// run.
	blockAdds := e.d.Breaker.Tripped() || mode.Paused

	for _, book := range []*position.Book{e.d.Book, e.d.PaperBk} {
		for _, p := range book.All() {
			inst, ok := market.Instruments[p.Instrument]
			if !ok {
				continue
			}
			book.UpdateTrailingRef(p.ID, inst.Price)
			for _, act := range e.d.Manager.Manage(p, inst, mp) {
				if act.Type == position.ActionAdd && blockAdds {
					continue
				}
				e.execute(ctx, book, p, act)
			}
		}
	}
}

// execute applies one management action through the broker that owns the
// position.
func (e *Engine) execute(ctx context.Context, book *position.Book, p *domain.Position, act position.Action) {
	broker := e.brokerFor(p)
	if broker == nil {
		return
	}
	if e.d.Metrics != nil {
		e.d.Metrics.PositionActions.WithLabelValues(act.Type.String()).Inc()
	}
	e.d.Audit.PositionAction(ctx, p.Instrument, act.Type.String(), act.Reason, act.RMultiple)

	switch act.Type {
	case position.ActionClose:
		if _, err := broker.ClosePosition(ctx, p, 1); err != nil {
			e.log.Error().Err(err).Str("instrument", p.Instrument).Msg("close failed, retrying next tick")
			return
		}
		book.Close(p.ID)
	case position.ActionPartialClose:
		if _, err := broker.ClosePosition(ctx, p, act.Fraction); err != nil {
			e.log.Error().Err(err).Str("instrument", p.Instrument).Msg("partial close failed, retrying next tick")
			return
		}
		book.ApplyPartial(p.ID, act.Fraction)
	case position.ActionMoveStop:
		book.MoveStop(p.ID, act.NewStop, act.Breakeven)
	case position.ActionAdd:
		order := &risk.Order{
			Instrument: p.Instrument,
			Direction:  p.Side,
			Category:   p.Category,
			Size:       act.AddSize,
			Leverage:   p.Leverage,
			MarginMode: p.MarginMode,
			EntryPrice: p.EntryPrice,
		}
		fill, err := broker.PlaceEntry(ctx, order)
		if err != nil {
			e.log.Error().Err(err).Str("instrument", p.Instrument).Msg("pyramiding add failed")
			return
		}
		book.ApplyAdd(p.ID, fill.SizeFloat(), fill.PriceFloat())
	}
}

// CloseAll flattens every open position. Implements the ops close-all.
func (e *Engine) CloseAll(ctx context.Context, reason string) (int, error) {
	closed := 0
	var firstErr error
	for _, book := range []*position.Book{e.d.Book, e.d.PaperBk} {
		for _, p := range book.All() {
			broker := e.brokerFor(p)
			if broker == nil {
				continue
			}
			if _, err := broker.ClosePosition(ctx, p, 1); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				e.log.Error().Err(err).Str("instrument", p.Instrument).Msg("close-all: close failed")
				continue
			}
			book.Close(p.ID)
			e.d.Audit.PositionAction(ctx, p.Instrument, "close", reason, 0)
			closed++
		}
	}
	return closed, firstErr
}

func (e *Engine) brokerFor(p *domain.Position) exchange.Broker {
	if p.Paper {
		return e.d.Paper
	}
	if e.d.Live == nil {
		e.log.Error().Str("instrument", p.Instrument).Msg("real position with no exchange client")
		return nil
	}
	return e.d.Live
}

// entryBook is the book new entries are counted against for the
// open-position cap.
func (e *Engine) entryBook(mode execmode.State) *position.Book {
	if mode.Mode == execmode.ModePaperOnly || e.d.Modes.NeedsConfirmation() {
		return e.d.PaperBk
	}
	return e.d.Book
}

func (e *Engine) instrumentLock(instrument string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[instrument]
	if !ok {
		l = &sync.Mutex{}
		e.locks[instrument] = l
	}
	return l
}

func (e *Engine) recordDecision(ctx context.Context, d domain.Decision) {
	e.d.Audit.Decision(ctx, d)
	if e.d.Metrics != nil {
		reason := ""
		if d.Verdict == domain.VerdictRejected {
			reason = d.Reason.String()
		}
		e.d.Metrics.Decisions.WithLabelValues(string(d.Verdict), reason).Inc()
	}
}

func (e *Engine) recordBudgetDenial(ctx context.Context, class string, res budget.Result) {
	e.d.Audit.BudgetDenied(ctx, class, res.Reason, res.RetryAt)
	if e.d.Metrics != nil {
		e.d.Metrics.BudgetDenials.WithLabelValues(class, res.Reason.String()).Inc()
	}
}

func (e *Engine) countOrder(mode, result string) {
	if e.d.Metrics != nil {
		e.d.Metrics.OrdersPlaced.WithLabelValues(mode, result).Inc()
	}
}

func (e *Engine) publishGauges() {
	if e.d.Metrics == nil {
		return
	}
	for _, st := range []struct {
		book *position.Book
		name string
	}{{e.d.Book, "real"}, {e.d.PaperBk, "paper"}} {
		var structural, tactical float64
		for _, p := range st.book.All() {
			if p.Category == domain.CategoryStructural {
				structural++
			} else {
				tactical++
			}
		}
		e.d.Metrics.OpenPositions.WithLabelValues(string(domain.CategoryStructural), st.name).Set(structural)
		e.d.Metrics.OpenPositions.WithLabelValues(string(domain.CategoryTactical), st.name).Set(tactical)
	}
}

// decisionFor records a rejection that happened before any proposal
// existed.
func decisionFor(trig domain.Trigger, reason domain.RejectReason, _ string) domain.Decision {
	return domain.Decision{
		ID:         uuid.NewString(),
		TriggerID:  trig.ID,
		Instrument: trig.Instrument,
		Direction:  trig.Direction,
		Category:   trig.Category,
		Verdict:    domain.VerdictRejected,
		Reason:     reason,
		DecidedAt:  time.Now().UTC(),
	}
}

func decisionForProposal(trig domain.Trigger, p *domain.Proposal, reason domain.RejectReason, _ string) domain.Decision {
	return domain.Decision{
		ID:                uuid.NewString(),
		TriggerID:         trig.ID,
		Instrument:        p.Instrument,
		Direction:         p.Direction,
		Category:          p.Category,
		Verdict:           domain.VerdictRejected,
		Reason:            reason,
		AppliedConfidence: p.Confidence,
		DecidedAt:         time.Now().UTC(),
	}
}

func positionFrom(order *risk.Order, fillPrice float64, paper bool, variant string) domain.Position {
	if fillPrice <= 0 {
		fillPrice = order.EntryPrice
	}
	return domain.Position{
		Instrument:    order.Instrument,
		Side:          order.Direction,
		EntryPrice:    fillPrice,
		Size:          order.Size,
		Leverage:      order.Leverage,
		MarginMode:    order.MarginMode,
		Category:      order.Category,
		StopPrice:     order.StopPrice,
		TakeProfit:    order.TakeProfit,
		Defensive:     order.Defensive,
		Paper:         paper,
		ShadowVariant: variant,
	}
}

func variantApplies(v config.ShadowVariant, order *risk.Order) bool {
	if v.Category != "" && v.Category != order.Category {
		return false
	}
	if len(v.Instruments) == 0 {
		return true
	}
	for _, inst := range v.Instruments {
		if inst == order.Instrument {
			return true
		}
	}
	return false
}

// variantOrder clones the order with the variant's risk, stop and target
// multipliers applied.
func variantOrder(v config.ShadowVariant, order *risk.Order) *risk.Order {
	clone := *order
	if v.RiskMult > 0 {
		clone.Size = order.Size * v.RiskMult
		clone.Notional = order.Notional * v.RiskMult
		clone.RiskAmount = order.RiskAmount * v.RiskMult
	}
	if v.StopMult > 0 && order.StopPrice > 0 {
		dist := order.EntryPrice - order.StopPrice
		clone.StopPrice = order.EntryPrice - dist*v.StopMult
	}
	if v.TakeProfitMult > 0 && order.TakeProfit > 0 {
		dist := order.TakeProfit - order.EntryPrice
		clone.TakeProfit = order.EntryPrice + dist*v.TakeProfitMult
	}
	return &clone
}
