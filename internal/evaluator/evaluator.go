// Package evaluator runs the scoring levels of a tier against a report.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/provider"
)

// DefaultTimeout bounds a single evaluator call.
const DefaultTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/sells-group/report-verify/internal/evaluator")

// EvalContext carries the per-run inputs an evaluator may consult.
type EvalContext struct {
	Now           time.Time
	TierKey       model.TierKey
	PolicyVersion int64
	// Level is the configuration of the level being evaluated.
	Level model.LevelConfig
}

// Evaluator scores one level. Provider and network failures come back as an
// unavailable result with a nil error; only configuration problems are
// returned as errors.
type Evaluator interface {
	Key() model.LevelKey
	// Service names the external service the level calls, or "" when it is
	// computed locally.
	Service() model.ServiceKey
	Evaluate(ctx context.Context, report *model.Report, ec EvalContext, svc model.ServiceConfig) (model.LevelResult, error)
}

// Invoker calls the provider configured for a service.
type Invoker interface {
	Invoke(ctx context.Context, svc model.ServiceConfig, payload provider.Payload, timeout time.Duration) (*provider.Response, error)
}

// Set holds the evaluator registered for each level.
type Set struct {
	evaluators map[model.LevelKey]Evaluator
	timeout    time.Duration
}

// NewSet creates a set with the given per-evaluator timeout.
func NewSet(timeout time.Duration, evs ...Evaluator) *Set {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Set{evaluators: make(map[model.LevelKey]Evaluator, len(evs)), timeout: timeout}
	for _, e := range evs {
		s.Register(e)
	}
	return s
}

// Register adds e, replacing any evaluator for the same level.
func (s *Set) Register(e Evaluator) {
	s.evaluators[e.Key()] = e
}

// Run evaluates the levels the tier requires under policy, concurrently, and
// returns one result per level in tier order. Levels outside the tier are
// never invoked. The returned error is non-nil only for configuration
// problems; the results are complete either way.
func (s *Set) Run(ctx context.Context, report *model.Report, policy *model.PolicyConfig, tier model.TierConfig, ec EvalContext) ([]model.LevelResult, error) {
	keys := policy.RequiredLevels(tier)
	results := make([]model.LevelResult, len(keys))
	errs := make([]error, len(keys))

	var g errgroup.Group
	for i, k := range keys {
		g.Go(func() error {
			lec := ec
			lec.Level = policy.Levels[k]
			results[i], errs[i] = s.runOne(ctx, k, report, policy, lec)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

type evalOutcome struct {
	res model.LevelResult
	err error
}

func (s *Set) runOne(ctx context.Context, k model.LevelKey, report *model.Report, policy *model.PolicyConfig, ec EvalContext) (model.LevelResult, error) {
	log := zap.L().With(zap.String("report_id", report.ID), zap.String("level_key", string(k)))

	ev, ok := s.evaluators[k]
	if !ok {
		log.Warn("evaluator: no evaluator registered for level")
		return model.Unavailable(k, "no evaluator registered"), nil
	}

	var svc model.ServiceConfig
	if key := ev.Service(); key != "" {
		svc = policy.Service(key)
		if !svc.Enabled {
			return model.Unavailable(k, "service disabled"), nil
		}
	}

	ctx, span := tracer.Start(ctx, "evaluator.evaluate", traceAttrs(k, ev.Service()))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Buffered so an abandoned evaluator can still finish and exit.
	done := make(chan evalOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("evaluator: panic", zap.Any("panic", r))
				done <- evalOutcome{res: model.Unavailable(k, fmt.Sprintf("panic: %v", r))}
			}
		}()
		res, err := ev.Evaluate(ctx, report, ec, svc)
		done <- evalOutcome{res: res, err: err}
	}()

	var out evalOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		log.Warn("evaluator: abandoned", zap.Duration("timeout", s.timeout), zap.Error(ctx.Err()))
		out = evalOutcome{res: model.Unavailable(k, "timeout")}
	}

	res := out.res
	res.LevelKey = k
	if out.err != nil {
		if provider.IsConfigError(out.err) {
			span.SetStatus(codes.Error, out.err.Error())
			log.Error("evaluator: misconfigured service", zap.Error(out.err))
			return model.Unavailable(k, "misconfigured"), eris.Wrapf(out.err, "evaluator: %s", k)
		}
		log.Warn("evaluator: failed", zap.Error(out.err))
		res = model.Unavailable(k, out.err.Error())
	}
	if res.Status == "" {
		res.Status = model.LevelOK
	}
	if res.Status == model.LevelUnavailable {
		res.Score = 0
	}
	span.SetAttributes(attribute.String("level.status", string(res.Status)), attribute.Float64("level.score", res.Score))
	return res, nil
}

func traceAttrs(k model.LevelKey, svc model.ServiceKey) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("level.key", string(k)), attribute.String("level.service", string(svc)))
}

// fromProviderError turns a failed provider call into a level result. Config
// errors pass through so the set can escalate them.
func fromProviderError(k model.LevelKey, err error) (model.LevelResult, error) {
	if provider.IsConfigError(err) {
		return model.Unavailable(k, "misconfigured"), err
	}
	reason := "provider unavailable"
	if errors.Is(err, provider.ErrProviderTimeout) {
		reason = "provider timeout"
	}
	res := model.Unavailable(k, reason)
	res.Detail["error"] = err.Error()
	return res, nil
}

// remaining returns the time left before ctx's deadline, or fallback.
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}

// numberField reads a JSON number from a decoded provider body.
func numberField(body map[string]any, key string) (float64, bool) {
	switch v := body[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
