package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
	"github.com/chrisgadekar/maharera-scraper/internal/core/gate"
	"github.com/chrisgadekar/maharera-scraper/internal/core/retry"
	"github.com/chrisgadekar/maharera-scraper/internal/core/tracker"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"
)

// Options wires one traversal engine instance. Each worker owns its own
// engine (and browser session, and sink partition); only Store is shared.
type Options struct {
	Session   Session
	Gate      *gate.Controller
	Extractor Extractor
	Store     tracker.Store
	Policy    *retry.Policy
	Sink      Sink

	// CheckpointInterval is the number of completed units between sink
	// flushes, bounding memory across very long runs.
	CheckpointInterval int
	// RequestTimeout bounds each navigation/content wait. On expiry the
	// unit fails transiently.
	RequestTimeout time.Duration
	// CursorPath persists the last claimed position in the unit source so
	// traversal order survives a restart even when the source itself is
	// rebuilt. Empty disables checkpointing.
	CursorPath string

	Name string
}

// Service walks an ordered unit list: claim, pass the gate, extract, commit.
type Service struct {
	opts Options
	log  *logger.Logger
}

func New(opts Options) *Service {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	name := opts.Name
	if name == "" {
		name = "Engine"
	}
	return &Service{opts: opts, log: logger.New(name)}
}

// Run processes units in source order, skipping done/failed/contended ones.
// Transient failures requeue the unit at the tail with backoff; fatal ones
// (or an exhausted retry budget) mark it failed. Cancellation abandons the
// in-flight unit back to pending and returns the partial summary.
func (s *Service) Run(ctx context.Context, units []WorkUnit) (Summary, error) {
	var sum Summary
	var buf []Record

	fresh := len(units)
	queue := append([]WorkUnit(nil), units...)
	if at := s.loadCursor(); at > 0 && at < fresh {
		// informational only: the walk always starts at the head, with the
		// tracker checks below skipping terminal units. A unit abandoned
		// behind the cursor (requeued, then shut down) stays reachable.
		s.log.LogInfof("resuming traversal, previous run reached index %d of %d", at, fresh)
	}

	// Buffered records belong to units already marked done; an early error
	// return must not drop them short of the sink.
	defer func() {
		if len(buf) > 0 {
			if ferr := s.flush(ctx, &buf); ferr != nil {
				s.log.LogErrorf("flush on abort failed, %d record(s) lost: %v", len(buf), ferr)
			}
		}
	}()

	for qi := 0; qi < len(queue); qi++ {
		if ctx.Err() != nil {
			s.log.LogWarn("stop requested, leaving remaining units pending")
			break
		}
		u := queue[qi]

		done, err := s.opts.Store.IsDone(ctx, u.ID)
		if err != nil {
			return sum, fmt.Errorf("tracker read: %w", err)
		}
		failed, err := s.opts.Store.IsFailed(ctx, u.ID)
		if err != nil {
			return sum, fmt.Errorf("tracker read: %w", err)
		}
		if done || failed {
			sum.Skipped++
			continue
		}

		claimed, err := s.opts.Store.Claim(ctx, u.ID)
		if err != nil {
			return sum, fmt.Errorf("tracker claim: %w", err)
		}
		if !claimed {
			// Another worker owns this unit. Normal under parallel runs.
			sum.Skipped++
			continue
		}
		if qi < fresh {
			s.saveCursor(qi)
		}

		attempts, err := s.opts.Store.Attempts(ctx, u.ID)
		if err == nil && attempts > 0 {
			// requeued unit: back off before touching the site again
			if !s.sleep(ctx, s.opts.Policy.NextDelay(attempts-1)) {
				_ = s.opts.Store.Release(ctx, u.ID)
				break
			}
		}

		rec, err := s.processUnit(ctx, u)
		if err == nil {
			if err := s.opts.Store.MarkDone(ctx, u.ID); err != nil {
				return sum, fmt.Errorf("tracker commit: %w", err)
			}
			sum.Completed++
			buf = append(buf, rec)
			if len(buf) >= s.opts.CheckpointInterval {
				if err := s.flush(ctx, &buf); err != nil {
					return sum, err
				}
			}
			continue
		}

		if ctx.Err() != nil {
			// cancelled mid-unit: abandon, never commit a partial record
			_ = s.opts.Store.Release(ctx, u.ID)
			break
		}

		switch s.opts.Policy.Classify(err) {
		case retry.Contention:
			_ = s.opts.Store.Release(ctx, u.ID)
			sum.Skipped++
		case retry.Fatal:
			s.log.LogErrorf("unit %s failed fatally: %v", u.ID, err)
			if err := s.opts.Store.MarkFailed(ctx, u.ID, err.Error()); err != nil {
				return sum, fmt.Errorf("tracker commit: %w", err)
			}
			sum.Failed++
		case retry.Transient:
			n, ierr := s.opts.Store.IncrAttempts(ctx, u.ID)
			if ierr != nil {
				return sum, fmt.Errorf("tracker attempts: %w", ierr)
			}
			if s.opts.Policy.Exhausted(err, n) {
				fatal := &retry.FatalUnitError{UnitID: u.ID, Attempts: n, Err: err}
				s.log.LogErrorf("retry budget exceeded: %v", fatal)
				if err := s.opts.Store.MarkFailed(ctx, u.ID, fatal.Error()); err != nil {
					return sum, fmt.Errorf("tracker commit: %w", err)
				}
				sum.Failed++
			} else {
				s.log.LogWarnf("unit %s failed transiently (attempt %d), requeueing: %v", u.ID, n, err)
				if err := s.opts.Store.Release(ctx, u.ID); err != nil {
					return sum, fmt.Errorf("tracker release: %w", err)
				}
				queue = append(queue, u)
			}
		}
	}

	if err := s.flush(ctx, &buf); err != nil {
		return sum, err
	}
	s.log.LogInfof("run finished: %d completed, %d failed, %d skipped", sum.Completed, sum.Failed, sum.Skipped)
	return sum, nil
}

// processUnit performs exactly one attempt: navigate, pass the gate, read
// content, extract fields. No tracker writes happen here.
func (s *Service) processUnit(ctx context.Context, u WorkUnit) (Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	page, err := s.opts.Session.Navigate(opCtx, u.URL)
	if err != nil {
		return Record{}, s.asTimeout(ctx, u, fmt.Errorf("navigate: %w", err))
	}
	defer page.Close()

	verdict, err := s.opts.Gate.Pass(opCtx, pageChallenges{page}, page.Submit)
	if verdict != gate.Granted {
		if err == nil {
			err = retry.ErrGateExhausted
		}
		return Record{}, s.asTimeout(ctx, u, err)
	}

	html, err := page.Content(opCtx)
	if err != nil {
		return Record{}, s.asTimeout(ctx, u, fmt.Errorf("read content: %w", err))
	}

	fields, err := s.opts.Extractor.Extract(u.ID, html)
	if err != nil {
		return Record{}, err
	}
	return Record{UnitID: u.ID, Fields: fields}, nil
}

// pageChallenges adapts a Page to the gate's challenge source.
type pageChallenges struct{ p Page }

func (c pageChallenges) Next(ctx context.Context) (captcha.Challenge, bool, error) {
	return c.p.Challenge(ctx)
}

// asTimeout rewrites per-operation deadline expiry into the transient
// timeout class, leaving run-level cancellation untouched.
func (s *Service) asTimeout(runCtx context.Context, u WorkUnit, err error) error {
	if runCtx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &retry.ContentTimeoutError{UnitID: u.ID, Err: err}
	}
	return err
}

func (s *Service) flush(ctx context.Context, buf *[]Record) error {
	if len(*buf) == 0 {
		return nil
	}
	if err := s.opts.Sink.Append(ctx, *buf); err != nil {
		return fmt.Errorf("export flush: %w", err)
	}
	s.log.LogDebugf("flushed %d record(s) to sink", len(*buf))
	*buf = (*buf)[:0]
	return nil
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) loadCursor() int {
	if s.opts.CursorPath == "" {
		return 0
	}
	b, err := os.ReadFile(s.opts.CursorPath)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Service) saveCursor(i int) {
	if s.opts.CursorPath == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.opts.CursorPath), 0o755)
	if err := os.WriteFile(s.opts.CursorPath, []byte(strconv.Itoa(i)), 0o644); err != nil {
		s.log.LogWarnf("cursor checkpoint failed: %v", err)
	}
}
