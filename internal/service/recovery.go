package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/PipelineForge/internal/adapter/otel"
	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/domain/stage"
	"github.com/Strob0t/PipelineForge/internal/resilience"
)

// errTransient marks a TRANSIENT outcome inside the retry loop.
var errTransient = errors.New("transient stage failure")

// RecoveryPolicy bounds the supervisor's retry behaviour.
type RecoveryPolicy struct {
	MaxRetries     int           // TRANSIENT retries after the first attempt
	RetryDelay     time.Duration // constant delay between attempts
	AttemptTimeout time.Duration // per-attempt deadline; 0 disables
}

// Recorder receives every error record the supervisor produces, in order.
type Recorder func(rec snapshot.ErrorRecord)

// Recovery is the supervisor's resolution of one stage.
type Recovery struct {
	Output      json.RawMessage // set when the stage (or its fallback) produced a result
	Fatal       bool            // the run must stop
	Invocations int             // Execute calls made, fallback excluded
}

// Supervisor turns stage failures into retries, fallbacks or a fatal signal.
type Supervisor struct {
	policy   RecoveryPolicy
	breakers *resilience.Registry
	metrics  *cfotel.Metrics
	now      func() time.Time
}

// NewSupervisor creates a Supervisor. breakers may be nil to disable
// circuit breaking.
func NewSupervisor(policy RecoveryPolicy, breakers *resilience.Registry) *Supervisor {
	policy.MaxRetries = max(policy.MaxRetries, 0)
	return &Supervisor{policy: policy, breakers: breakers, now: time.Now}
}

// SetMetrics enables metric recording.
func (s *Supervisor) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Execute runs st against view with the recovery policy applied.
//
// TRANSIENT failures are retried up to MaxRetries times, then handed to the
// fallback if the stage has one, else treated as FATAL. DEGRADABLE failures
// go straight to the fallback. Every failure is passed to record.
//
// The returned error is non-nil only for a contract violation (wrapping
// domain.ErrContractViolation, already recorded) or for cancellation of ctx,
// in which case any result the stage produced has been discarded.
func (s *Supervisor) Execute(ctx context.Context, st stage.Stage, view snapshot.View, record Recorder) (Recovery, error) {
	name := st.Name()
	var (
		res     Recovery
		last    stage.Outcome
		attempt int
	)

	backoff := retry.WithMaxRetries(uint64(s.policy.MaxRetries), retry.NewConstant(s.retryDelay()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := s.attempt(ctx, st, view, &res)
		if err != nil {
			return err
		}
		last = out
		if out.IsFailure() && out.Classification == snapshot.ClassTransient {
			record(s.failureRecord(name, out.Classification, out.Message, attempt))
			if attempt <= s.policy.MaxRetries {
				s.count(ctx, s.retriesCounter(), name)
			}
			return retry.RetryableError(errTransient)
		}
		return nil
	})

	switch {
	case errors.Is(err, errTransient):
		msg := fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, last.Message)
		if fb, ok := st.(stage.Fallbacker); ok {
			return s.degrade(ctx, name, fb, view, record, res, msg)
		}
		record(s.failureRecord(name, snapshot.ClassFatal, msg, attempt))
		res.Fatal = true
		return res, nil
	case errors.Is(err, domain.ErrContractViolation):
		record(s.failureRecord(name, snapshot.ClassContractViolation, err.Error(), attempt))
		res.Fatal = true
		return res, err
	case err != nil:
		return res, err
	}

	if last.IsSuccess() {
		res.Output = last.Result
		return res, nil
	}

	switch last.Classification {
	case snapshot.ClassDegradable:
		record(s.failureRecord(name, snapshot.ClassDegradable, last.Message, attempt))
		if fb, ok := st.(stage.Fallbacker); ok {
			return s.degrade(ctx, name, fb, view, record, res, last.Message)
		}
		record(s.failureRecord(name, snapshot.ClassFatal, "degradable failure without fallback: "+last.Message, attempt))
	default:
		record(s.failureRecord(name, snapshot.ClassFatal, last.Message, attempt))
	}
	res.Fatal = true
	return res, nil
}

// attempt performs one breaker-guarded invocation of st.
func (s *Supervisor) attempt(ctx context.Context, st stage.Stage, view snapshot.View, res *Recovery) (stage.Outcome, error) {
	var br *resilience.Breaker
	if s.breakers != nil {
		br = s.breakers.Get(st.Name())
		if !br.Allow() {
			return stage.Failure(snapshot.ClassTransient, resilience.ErrCircuitOpen.Error()), nil
		}
	}

	res.Invocations++
	s.count(ctx, s.attemptsCounter(), st.Name())
	out, err := s.invoke(ctx, st.Name(), st.Execute, view)

	if br != nil {
		br.Record(err != nil || !(out.IsFailure() && out.Classification == snapshot.ClassTransient))
	}
	return out, err
}

// degrade runs the fallback variant after a DEGRADABLE failure or exhausted retries.
func (s *Supervisor) degrade(ctx context.Context, name string, fb stage.Fallbacker, view snapshot.View, record Recorder, res Recovery, reason string) (Recovery, error) {
	out, err := s.invoke(ctx, name, fb.Fallback, view)
	if errors.Is(err, domain.ErrContractViolation) {
		record(s.failureRecord(name, snapshot.ClassContractViolation, "fallback: "+err.Error(), 0))
		res.Fatal = true
		return res, err
	}
	if err != nil {
		return res, err
	}

	if out.IsFailure() {
		record(s.failureRecord(name, snapshot.ClassFatal, fmt.Sprintf("fallback failed (%s): %s", out.Classification, out.Message), 0))
		res.Fatal = true
		return res, nil
	}

	record(snapshot.ErrorRecord{
		Stage:          name,
		Kind:           snapshot.KindDegraded,
		Classification: snapshot.ClassDegradable,
		Message:        "fallback output used: " + reason,
		Timestamp:      s.now(),
	})
	if s.metrics != nil {
		s.metrics.StageDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", name)))
	}
	res.Output = out.Result
	return res, nil
}

// invoke calls fn under the attempt deadline. A panic or an ill-formed
// outcome is a contract violation. If the parent ctx was cancelled while fn
// ran, its outcome is dropped and the context error returned. A non-success
// outcome after the attempt deadline expired is reported as TRANSIENT.
func (s *Supervisor) invoke(ctx context.Context, name string, fn stage.ExecFunc, view snapshot.View) (out stage.Outcome, err error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if s.policy.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, s.policy.AttemptTimeout)
	}
	defer cancel()

	start := s.now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: stage %s panicked: %v", domain.ErrContractViolation, name, r)
			}
		}()
		out = fn(actx, view)
	}()
	if s.metrics != nil {
		s.metrics.StageDuration.Record(ctx, s.now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", name)))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stage.Outcome{}, ctxErr
	}
	if err != nil {
		return stage.Outcome{}, err
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && !out.IsSuccess() {
		return stage.Failure(snapshot.ClassTransient, fmt.Sprintf("attempt exceeded %s", s.policy.AttemptTimeout)), nil
	}
	if verr := out.Validate(); verr != nil {
		return stage.Outcome{}, fmt.Errorf("stage %s: %w", name, verr)
	}
	return out, nil
}

func (s *Supervisor) failureRecord(name string, class snapshot.Classification, msg string, attempt int) snapshot.ErrorRecord {
	return snapshot.ErrorRecord{
		Stage:          name,
		Kind:           snapshot.KindFailure,
		Classification: class,
		Message:        msg,
		Attempt:        attempt,
		Timestamp:      s.now(),
	}
}

func (s *Supervisor) retryDelay() time.Duration {
	if s.policy.RetryDelay <= 0 {
		return time.Millisecond
	}
	return s.policy.RetryDelay
}

func (s *Supervisor) attemptsCounter() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.StageAttempts
}

func (s *Supervisor) retriesCounter() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.StageRetries
}

func (s *Supervisor) count(ctx context.Context, c metric.Int64Counter, stageName string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stageName)))
}
