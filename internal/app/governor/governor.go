// Package governor decides whether a trading signal may be executed and at what size.
package governor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/app/risk"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/lib/clock"
)

// Config holds the governance thresholds.
type Config struct {
	// Cooldown is the minimum time between two approvals for one symbol.
	Cooldown time.Duration `yaml:"cooldown"`

	// HysteresisWindow is how long after a sell re-entry needs strong momentum.
	HysteresisWindow time.Duration `yaml:"hysteresisWindow"`
	ReentryMomentum  float64       `yaml:"reentryMomentum"`

	// Quantities are multiplied by ScaleFactor and floored when momentum is below ScaleBelow.
	ScaleBelow  float64 `yaml:"scaleBelow"`
	ScaleFactor float64 `yaml:"scaleFactor"`

	// ClusterCap is the number of open positions allowed per cluster; 0 disables the check.
	ClusterCap int `yaml:"clusterCap"`

	Budget risk.Budget `yaml:"budget"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Cooldown:         30 * time.Minute,
		HysteresisWindow: 2 * time.Hour,
		ReentryMomentum:  70,
		ScaleBelow:       65,
		ScaleFactor:      0.7,
		ClusterCap:       2,
		Budget:           risk.DefaultBudget(),
	}
}

// Validate checks the thresholds are coherent.
func (c Config) Validate() error {
	if c.Cooldown < 0 || c.HysteresisWindow < 0 {
		return fmt.Errorf("governor: durations must be >= 0")
	}
	if c.ReentryMomentum < 0 || c.ReentryMomentum > 100 || c.ScaleBelow < 0 || c.ScaleBelow > 100 {
		return fmt.Errorf("governor: score thresholds must be within [0,100]")
	}
	if c.ScaleFactor <= 0 || c.ScaleFactor > 1 {
		return fmt.Errorf("governor: scaleFactor must be within (0,1]")
	}
	if c.ClusterCap < 0 {
		return fmt.Errorf("governor: clusterCap must be >= 0")
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("governor: budget: %w", err)
	}
	return nil
}

// Request is one signal under review together with the portfolio it would join.
// Positions and Equity must describe the signal's settlement currency.
type Request struct {
	Signal schema.Signal
	// Symbol and Quantity default to the signal's.
	Symbol    string
	Quantity  float64
	Positions []schema.Position
	Equity    float64
	// Scores overrides the signal's confidence context when any component is set.
	Scores *schema.Scores
}

type lastAction struct {
	at     time.Time
	action schema.SignalAction
}

// Governor keeps per-symbol approval memory behind its own mutex.
type Governor struct {
	mu       sync.Mutex
	memory   map[string]lastAction
	cfg      Config
	clusters risk.ClusterMap
	clock    clock.Clock

	decisions      metric.Int64Counter
	reviewDuration metric.Float64Histogram
}

// Option customises a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Governor) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithClusters overrides the symbol to cluster map.
func WithClusters(m risk.ClusterMap) Option {
	return func(g *Governor) {
		g.clusters = m
	}
}

// New constructs a governor.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Governor{
		memory:   make(map[string]lastAction),
		cfg:      cfg,
		clusters: risk.DefaultClusterMap(),
		clock:    clock.System{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	meter := otel.Meter("governor")
	g.decisions, _ = meter.Int64Counter("governor.decisions",
		metric.WithDescription("Signals reviewed, labelled by result and rejection reason"),
		metric.WithUnit("{signal}"))
	g.reviewDuration, _ = meter.Float64Histogram("governor.review.duration",
		metric.WithDescription("Time spent reviewing a signal"),
		metric.WithUnit("ms"))
	return g, nil
}

// Config returns the active thresholds.
func (g *Governor) Config() Config { return g.cfg }

// Review runs the governance checks in order and stops at the first failure.
// Rejections are decisions, never errors. An approval is recorded under the
// same lock the checks ran under.
func (g *Governor) Review(ctx context.Context, req Request) schema.ExecutionDecision {
	start := time.Now()
	decision, label := g.review(req)
	result := telemetry.ResultSuccess
	if !decision.Approved {
		result = telemetry.ResultRejected
		observability.Log().Info("signal rejected",
			observability.F("symbol", decision.Signal.Symbol),
			observability.F("action", string(decision.Signal.Action)),
			observability.F("reason", decision.Reason))
	}
	attrs := metric.WithAttributes(telemetry.DecisionAttributes(telemetry.Environment(), decision.Signal.Symbol, result, label)...)
	g.decisions.Add(ctx, 1, attrs)
	g.reviewDuration.Record(ctx, telemetry.SinceMillis(start), attrs)
	return decision
}

func (g *Governor) review(req Request) (schema.ExecutionDecision, string) {
	signal := req.Signal
	symbol := req.Symbol
	if strings.TrimSpace(symbol) == "" {
		symbol = signal.Symbol
	}
	signal.Symbol = schema.NormalizeSymbol(symbol)
	quantity := req.Quantity
	if quantity == 0 {
		quantity = signal.Quantity
	}
	scores := signal.Scores
	if req.Scores != nil {
		scores = *req.Scores
	}

	if signal.Action == schema.ActionHold {
		return schema.Reject(signal, "Hold signal"), telemetry.ReasonHold
	}
	side, ok := signal.Action.Side()
	if !ok {
		return schema.Reject(signal, fmt.Sprintf("Unknown action %q", signal.Action)), telemetry.ReasonInvalid
	}
	if signal.Symbol == "" {
		return schema.Reject(signal, "Missing symbol"), telemetry.ReasonInvalid
	}
	if quantity <= 0 || !schema.Finite(quantity) {
		return schema.Reject(signal, fmt.Sprintf("Invalid quantity %g", quantity)), telemetry.ReasonInvalid
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	last, seen := g.memory[signal.Symbol]

	if seen && g.cfg.Cooldown > 0 {
		if elapsed := now.Sub(last.at); elapsed < g.cfg.Cooldown {
			remaining := int(math.Ceil((g.cfg.Cooldown - elapsed).Minutes()))
			return schema.Reject(signal, fmt.Sprintf("Cooldown active for %s (%dm remaining)", signal.Symbol, remaining)), telemetry.ReasonCooldown
		}
	}

	if side == schema.SideBuy {
		if seen && last.action == schema.ActionSell && now.Sub(last.at) < g.cfg.HysteresisWindow {
			if scores.Momentum == nil || *scores.Momentum < g.cfg.ReentryMomentum {
				have := "none"
				if scores.Momentum != nil {
					have = fmt.Sprintf("%g", *scores.Momentum)
				}
				return schema.Reject(signal, fmt.Sprintf("Hysteresis: re-entry into %s within %s of a sell needs momentum >= %g (have %s)",
					signal.Symbol, g.cfg.HysteresisWindow, g.cfg.ReentryMomentum, have)), telemetry.ReasonHysteresis
			}
		}

		if g.clusters.IsSaturated(signal.Symbol, req.Positions, g.cfg.ClusterCap) {
			return schema.Reject(signal, "Cluster limit reached: "+g.clusters.Cluster(signal.Symbol)), telemetry.ReasonCluster
		}

		macro := risk.DefaultMacroScore
		if scores.Macro != nil {
			macro = *scores.Macro
		}
		reference := signal.ReferencePrice
		if reference == nil {
			reference = signal.LimitPrice
		}
		open := g.cfg.Budget.TotalRiskR(req.Positions, req.Equity)
		added := g.cfg.Budget.NewTradeRiskR(quantity, reference, signal.StopLoss, req.Equity)
		ceiling := g.cfg.Budget.Ceiling(macro)
		if open+added > ceiling {
			return schema.Reject(signal, fmt.Sprintf("Risk budget full: %.2fR open + %.2fR new exceeds %.2fR ceiling", open, added, ceiling)), telemetry.ReasonBudget
		}
	}

	reason := "Approved"
	// Exits go through at full size.
	if side == schema.SideBuy && scores.Momentum != nil && *scores.Momentum < g.cfg.ScaleBelow {
		if scaled := math.Floor(quantity*g.cfg.ScaleFactor + 1e-9); scaled > 0 {
			quantity = scaled
			reason += fmt.Sprintf(" [Scaled %gx]", g.cfg.ScaleFactor)
		}
	}

	g.memory[signal.Symbol] = lastAction{at: now, action: signal.Action}
	return schema.Approve(signal, quantity, reason), ""
}

// Remember records an action taken outside Review, such as one replayed from
// trade history at startup. Older entries never overwrite newer ones.
func (g *Governor) Remember(symbol string, action schema.SignalAction, at time.Time) {
	symbol = schema.NormalizeSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.memory[symbol]; ok && !at.After(last.at) {
		return
	}
	g.memory[symbol] = lastAction{at: at, action: action}
}

// Rehydrate rebuilds memory from executed trades so cooldown and hysteresis
// survive a restart. Trades may arrive in any order.
func (g *Governor) Rehydrate(trades []schema.Trade) {
	for _, trade := range trades {
		action := schema.ActionBuy
		if trade.Side == schema.SideSell {
			action = schema.ActionSell
		}
		g.Remember(trade.Symbol, action, trade.Timestamp)
	}
}

// LastAction returns the most recent approved action for symbol.
func (g *Governor) LastAction(symbol string) (schema.SignalAction, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.memory[schema.NormalizeSymbol(symbol)]
	return last.action, last.at, ok
}

// Forget drops the memory for one symbol.
func (g *Governor) Forget(symbol string) {
	g.mu.Lock()
	delete(g.memory, schema.NormalizeSymbol(symbol))
	g.mu.Unlock()
}

// Reset drops all memory.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.memory = make(map[string]lastAction)
	g.mu.Unlock()
}
