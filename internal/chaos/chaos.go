// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Observed metrics are sampled with the steady state metrics while observing but
	// are not checked before the method runs.
	Observed   []Metric
	Method     []Action
	Rollback   []Action
	Validation []Assertion
	Duration   time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold. Unknown operators
// never hold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action is a workload or fault injected into the system.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates experiment outcome
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Failed           []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// ErrSteadyStateInvalid aborts an experiment whose system is unhealthy
// before anything is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid, aborting experiment")

// Engine orchestrates chaos experiments
type Engine struct {
	tracer trace.Tracer
	logger *slog.Logger
	tick   time.Duration
	pause  time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type EngineOption func(*Engine)

// WithTick sets how often metrics are sampled while observing.
func WithTick(d time.Duration) EngineOption { return func(e *Engine) { e.tick = d } }

// WithPause sets the wait between experiments of a game day.
func WithPause(d time.Duration) EngineOption { return func(e *Engine) { e.pause = d } }

func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) { e.tracer = tp.Tracer("bookledger/chaos") }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		tracer: otel.Tracer("bookledger/chaos"),
		logger: slog.Default(),
		tick:   time.Second,
		pause:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExperiment adds an experiment to the suite.
func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunExperiment executes a single chaos experiment
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.Failed = failedAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.Failed) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// observe samples metrics every tick for the experiment duration, and once
// more at the end so every metric has at least one observation.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	metrics := append(append([]Metric(nil), exp.SteadyState...), exp.Observed...)
	var recoveryStart time.Time
	recovered := false

	sample := func() {
		for _, m := range metrics {
			value, err := m.Query(ctx)
			if err != nil {
				result.recordError(m.Name, err)
				continue
			}
			now := time.Now()
			result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})

			if !m.Threshold.Holds(value) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, Violation{
					MetricName: m.Name,
					Expected:   m.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-observeCtx.Done():
			break loop
		case <-ticker.C:
			sample()
		}
	}
	if ctx.Err() == nil {
		sample()
	}
}

func (e *Engine) checkSteadyState(ctx context.Context, metrics []Metric) []Violation {
	var violations []Violation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "steady state query failed", slog.String("metric", m.Name), slog.Any("error", err))
			value = -1
		}
		if err != nil || !m.Threshold.Holds(value) {
			violations = append(violations, Violation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

// failedAssertions returns the messages of assertions whose metric's final
// observation does not satisfy them.
func failedAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

func (r *Result) recordError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
}

// ExecuteGameDay runs the scenarios in order and returns their results.
// Scenarios that abort are logged and skipped.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)),
	)
	defer span.End()

	logger := e.logger.With(slog.String("game_day", gd.Name))
	logger.InfoContext(ctx, "starting game day",
		slog.Time("date", gd.Date),
		slog.Any("participants", gd.Participants),
		slog.Int("scenarios", len(gd.Scenarios)),
	)

	var results []Result
	for i, scenario := range gd.Scenarios {
		if i > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(e.pause):
			}
		}

		logger.InfoContext(ctx, "running experiment",
			slog.Int("index", i+1),
			slog.String("experiment", scenario.Name),
			slog.String("hypothesis", scenario.Hypothesis),
		)
		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			logger.ErrorContext(ctx, "experiment aborted", slog.String("experiment", scenario.Name), slog.Any("error", err))
			continue
		}
		e.logResult(ctx, logger, result)
		results = append(results, *result)
	}
	return results, nil
}

func (e *Engine) logResult(ctx context.Context, logger *slog.Logger, r *Result) {
	attrs := []any{
		slog.String("experiment", r.ExperimentName),
		slog.Bool("hypothesis_held", r.HypothesisHeld),
		slog.Int("violations", len(r.Violations)),
		slog.Int("error_events", len(r.ErrorEvents)),
		slog.Duration("duration", r.Duration),
	}
	if r.MTTR != nil {
		attrs = append(attrs, slog.Duration("mttr", *r.MTTR))
	}
	if r.HypothesisHeld {
		logger.InfoContext(ctx, "hypothesis held", attrs...)
		return
	}
	for _, v := range r.Violations {
		logger.WarnContext(ctx, "metric violation",
			slog.String("metric", v.MetricName),
			slog.Float64("expected", v.Expected),
			slog.Float64("actual", v.Actual),
		)
	}
	logger.WarnContext(ctx, "hypothesis violated", append(attrs, slog.Any("failed", r.Failed))...)
}
