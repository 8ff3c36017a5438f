package gate

import (
	"context"
	"fmt"

	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
	"github.com/chrisgadekar/maharera-scraper/internal/core/retry"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"
)

// Verdict is the outcome of one gate pass.
type Verdict int

const (
	Granted Verdict = iota
	Denied
)

// ChallengeSource hands out challenges for one protected page. Each call
// must return a brand-new challenge image; the site invalidates a challenge
// after one submission, so re-reading the same raster is useless.
type ChallengeSource interface {
	// Next returns the current challenge. present is false when the page is
	// not gated at all, which counts as immediate access.
	Next(ctx context.Context) (ch captcha.Challenge, present bool, err error)
}

// SubmitFunc submits a candidate answer and reports whether the site
// accepted it.
type SubmitFunc func(ctx context.Context, text string) (accepted bool, err error)

// Solver is satisfied by captcha.Solver.
type Solver interface {
	Solve(ctx context.Context, ch captcha.Challenge) captcha.SolveResult
}

// Controller runs the solve-submit-verify cycle against a single protected
// page. Low-confidence guesses are rejected locally without spending a
// server-side submission; only actual submissions count against the attempt
// budget. The wall-clock budget for local re-solving is the caller's context.
type Controller struct {
	solver      Solver
	threshold   float64
	maxAttempts int
	log         *logger.Logger
}

func NewController(solver Solver, threshold float64, maxAttempts int) *Controller {
	return &Controller{
		solver:      solver,
		threshold:   threshold,
		maxAttempts: maxAttempts,
		log:         logger.New("GateController"),
	}
}

// Pass loops fresh challenges through the solver until one submission is
// accepted or maxAttempts submissions have been rejected. Denied comes with
// retry.ErrGateExhausted so callers can classify it.
func (c *Controller) Pass(ctx context.Context, src ChallengeSource, submit SubmitFunc) (Verdict, error) {
	submissions := 0
	for {
		if err := ctx.Err(); err != nil {
			return Denied, err
		}

		ch, present, err := src.Next(ctx)
		if err != nil {
			return Denied, fmt.Errorf("fetch challenge: %w", err)
		}
		if !present {
			return Granted, nil
		}

		res := c.solver.Solve(ctx, ch)
		if res.Confidence < c.threshold {
			// Cheap reject: request a fresh challenge instead of wasting a
			// submission on a guess known to be weak.
			c.log.LogDebugf("discarding low-confidence guess %q (%.2f)", res.Text, res.Confidence)
			continue
		}

		accepted, err := submit(ctx, res.Text)
		if err != nil {
			return Denied, fmt.Errorf("submit answer: %w", err)
		}
		submissions++
		if accepted {
			c.log.LogDebugf("gate passed after %d submission(s)", submissions)
			return Granted, nil
		}
		if submissions >= c.maxAttempts {
			return Denied, retry.ErrGateExhausted
		}
	}
}
