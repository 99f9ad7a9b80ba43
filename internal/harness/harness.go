// Package harness implements the strict sequential command harness. Steps
// run in order, the first failure aborts the run, and the failing step's
// status becomes the harness's own status. There is no retry path.
package harness

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/covrun/covrun/internal/covrun"
	"github.com/covrun/covrun/internal/log"
	"github.com/covrun/covrun/internal/o11y"
)

// StepFn is one unit of work. The returned code is the status the harness
// reports if this step is where the run stops.
type StepFn func(ctx context.Context) (int, error)

// Step is a named, optionally labeled unit in the run sequence.
type Step struct {
	Name   string
	Labels map[string]string
	Fn     StepFn
}

type Harness struct {
	steps   []*Step
	include map[string]string
	exclude map[string]string
}

type Option func(*Harness)

// WithInclude restricts the run to steps carrying all the given labels.
func WithInclude(labels map[string]string) Option {
	return func(h *Harness) {
		h.include = labels
	}
}

// WithExclude skips steps carrying any of the given labels. Exclusion is
// evaluated after inclusion.
func WithExclude(labels map[string]string) Option {
	return func(h *Harness) {
		h.exclude = labels
	}
}

func New(opts ...Option) *Harness {
	h := &Harness{
		steps: make([]*Step, 0),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *Harness) Add(name string, fn StepFn) {
	h.AddStep(&Step{Name: name, Fn: fn})
}

func (h *Harness) AddStep(s *Step) {
	h.steps = append(h.steps, s)
}

// Run executes the steps in order. A skipped step is not a failure. On the
// first step that errors or reports a non-zero status, Run returns that
// exact status without executing any later step. Success is (0, nil) iff
// every non-skipped step succeeded.
func (h *Harness) Run(ctx context.Context) (int, error) {
	tracer := otel.Tracer("covrun")

	for _, s := range h.steps {
		if skip, reason := skips(s.Labels, h.include, h.exclude); skip {
			log.Info(ctx, "skipping step", o11y.AttrStep, s.Name, "reason", reason)
			continue
		}

		log.Debug(ctx, "running step", o11y.AttrStep, s.Name)

		sctx, span := tracer.Start(ctx, s.Name,
			trace.WithAttributes(attribute.String(o11y.AttrStep, s.Name)))
		code, err := s.Fn(sctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()

		if err != nil {
			if code == 0 {
				code = covrun.InternalErrorCode
			}
			return code, fmt.Errorf("step %q failed: %w", s.Name, err)
		}

		if code != 0 {
			return code, fmt.Errorf("step %q exited with status %d", s.Name, code)
		}
	}

	return 0, nil
}
