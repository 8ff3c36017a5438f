package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
	"github.com/chrisgadekar/maharera-scraper/internal/core/gate"
	"github.com/chrisgadekar/maharera-scraper/internal/core/retry"
	"github.com/chrisgadekar/maharera-scraper/internal/core/tracker"
)

// --- fakes -----------------------------------------------------------------

type fakePage struct {
	html   string
	gated  bool
	accept bool
}

func (p *fakePage) Challenge(context.Context) (captcha.Challenge, bool, error) {
	if !p.gated {
		return captcha.Challenge{}, false, nil
	}
	return captcha.Challenge{Image: []byte{1}, ExpectedLength: 6, IssuedAt: time.Now()}, true, nil
}

func (p *fakePage) Submit(context.Context, string) (bool, error) { return p.accept, nil }
func (p *fakePage) Content(context.Context) (string, error)     { return p.html, nil }
func (p *fakePage) Close() error                                { return nil }

type fakeSession struct {
	mu     sync.Mutex
	pages  map[string]*fakePage
	failN  map[string]int // fail the first N navigations per URL
	visits map[string]int
}

func newFakeSession() *fakeSession {
	return &fakeSession{pages: map[string]*fakePage{}, failN: map[string]int{}, visits: map[string]int{}}
}

func (s *fakeSession) page(url string, p *fakePage) { s.pages[url] = p }

func (s *fakeSession) Navigate(_ context.Context, url string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[url]++
	if n := s.failN[url]; n > 0 {
		s.failN[url] = n - 1
		return nil, &retry.ContentTimeoutError{UnitID: url, Err: context.DeadlineExceeded}
	}
	p, ok := s.pages[url]
	if !ok {
		p = &fakePage{html: "<html></html>"}
	}
	return p, nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) visited(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[url]
}

type fakeExtractor struct {
	mu    sync.Mutex
	err   error
	calls int
	hook  func()
}

func (e *fakeExtractor) Extract(unitID, _ string) (map[string]string, error) {
	e.mu.Lock()
	e.calls++
	hook := e.hook
	err := e.err
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"registration_number": "P" + unitID}, nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []Record
	flushes int
}

func (s *fakeSink) Append(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recs...)
	s.flushes++
	return nil
}

// stubSolver always produces a confident guess so gate behavior is driven by
// the page's accept flag.
type stubSolver struct{}

func (stubSolver) Solve(context.Context, captcha.Challenge) captcha.SolveResult {
	return captcha.SolveResult{Text: "A7K2M9", Confidence: 0.95}
}

// --- harness ---------------------------------------------------------------

type harness struct {
	session *fakeSession
	store   *tracker.FileStore
	sink    *fakeSink
	ext     *fakeExtractor
	svc     *Service
}

func newHarness(t *testing.T, mut func(*Options)) *harness {
	t.Helper()
	store, err := tracker.OpenFileStore(filepath.Join(t.TempDir(), "tracker.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policy := retry.NewPolicy(2)
	policy.Base = time.Millisecond
	policy.Cap = 2 * time.Millisecond

	h := &harness{
		session: newFakeSession(),
		store:   store,
		sink:    &fakeSink{},
		ext:     &fakeExtractor{},
	}
	opts := Options{
		Session:            h.session,
		Gate:               gate.NewController(stubSolver{}, 0.6, 3),
		Extractor:          h.ext,
		Store:              store,
		Policy:             policy,
		Sink:               h.sink,
		CheckpointInterval: 100,
		RequestTimeout:     time.Second,
	}
	if mut != nil {
		mut(&opts)
	}
	h.svc = New(opts)
	return h
}

func units(ids ...string) []WorkUnit {
	out := make([]WorkUnit, len(ids))
	for i, id := range ids {
		out[i] = WorkUnit{ID: id, URL: "https://example.test/view/" + id}
	}
	return out
}

// --- tests -----------------------------------------------------------------

func TestRunCompletesAllUnits(t *testing.T) {
	h := newHarness(t, nil)

	sum, err := h.svc.Run(context.Background(), units("1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 3}, sum)

	require.Len(t, h.sink.records, 3)
	seen := map[string]bool{}
	for _, r := range h.sink.records {
		assert.False(t, seen[r.UnitID], "duplicate record for unit %s", r.UnitID)
		seen[r.UnitID] = true
	}
}

func TestRunIdempotentResume(t *testing.T) {
	h := newHarness(t, nil)
	us := units("1", "2", "3")

	first, err := h.svc.Run(context.Background(), us)
	require.NoError(t, err)
	require.Equal(t, 3, first.Completed)

	again, err := h.svc.Run(context.Background(), us)
	require.NoError(t, err)
	assert.Zero(t, again.Completed)
	assert.Equal(t, 3, again.Skipped)
	assert.Len(t, h.sink.records, 3, "second run performs zero extractions")
	for _, u := range us {
		assert.Equal(t, 1, h.session.visited(u.URL))
	}
}

func TestRunGatedUnitPasses(t *testing.T) {
	h := newHarness(t, nil)
	h.session.page("https://example.test/view/9", &fakePage{html: "<html></html>", gated: true, accept: true})

	sum, err := h.svc.Run(context.Background(), units("9"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 1}, sum)
}

func TestRunGateExhaustionRetriesThenFails(t *testing.T) {
	h := newHarness(t, nil)
	h.session.page("https://example.test/view/5", &fakePage{gated: true, accept: false})

	sum, err := h.svc.Run(context.Background(), units("5"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)

	failed, _ := h.store.IsFailed(context.Background(), "5")
	assert.True(t, failed)
	// initial attempt plus MaxRetries requeues
	assert.Equal(t, 3, h.session.visited("https://example.test/view/5"))
}

func TestRunTransientNavigationFailureRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.session.failN["https://example.test/view/4"] = 1

	sum, err := h.svc.Run(context.Background(), units("4"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 1}, sum)
	assert.Equal(t, 2, h.session.visited("https://example.test/view/4"))

	done, _ := h.store.IsDone(context.Background(), "4")
	assert.True(t, done)
}

func TestRunRepeatedParseErrorIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.ext.err = &retry.ParseError{UnitID: "6", Missing: []string{"registration_number"}}

	sum, err := h.svc.Run(context.Background(), units("6"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)
	// one retry for a structure mismatch, then terminal
	assert.Equal(t, 2, h.ext.calls)

	failed, _ := h.store.IsFailed(context.Background(), "6")
	assert.True(t, failed)
}

func TestRunFlushesAtCheckpointInterval(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CheckpointInterval = 2 })

	sum, err := h.svc.Run(context.Background(), units("1", "2", "3", "4", "5"))
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Completed)
	assert.Equal(t, 3, h.sink.flushes, "two full batches plus the final partial")
	assert.Len(t, h.sink.records, 5)
}

func TestRunContendedUnitSkippedSilently(t *testing.T) {
	h := newHarness(t, nil)
	ok, err := h.store.Claim(context.Background(), "2")
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := h.svc.Run(context.Background(), units("1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 2, Skipped: 1}, sum)
	assert.Zero(t, h.session.visited("https://example.test/view/2"))
}

func TestRunCancellationAbandonsUnitToPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, nil)
	// stop arrives while the first unit is mid-flight and its extraction
	// comes back incomplete
	h.ext.err = &retry.ParseError{UnitID: "1", Missing: []string{"registration_number"}}
	h.ext.hook = cancel

	sum, err := h.svc.Run(ctx, units("1", "2", "3"))
	require.NoError(t, err)
	assert.Zero(t, sum.Completed, "no partial record is ever committed")

	// the abandoned unit and the untouched ones are all still claimable
	for _, id := range []string{"1", "2", "3"} {
		ok, cerr := h.store.Claim(context.Background(), id)
		require.NoError(t, cerr)
		assert.True(t, ok, "unit %s must be pending after shutdown", id)
	}
}

func TestRunCursorCheckpointResumesOrder(t *testing.T) {
	cursor := filepath.Join(t.TempDir(), "cursor")
	h := newHarness(t, func(o *Options) { o.CursorPath = cursor })

	_, err := h.svc.Run(context.Background(), units("1", "2", "3"))
	require.NoError(t, err)

	b, err := os.ReadFile(cursor)
	require.NoError(t, err)
	assert.Equal(t, "2", string(b), "cursor records the last claimed index")
}

func TestRunResumeRevisitsUnitAbandonedBehindCursor(t *testing.T) {
	cursor := filepath.Join(t.TempDir(), "cursor")
	h := newHarness(t, func(o *Options) { o.CursorPath = cursor })
	// unit 2 times out once and is requeued at the tail, then shutdown
	// arrives while unit 3 is mid-flight
	h.session.failN["https://example.test/view/2"] = 1
	ctx, cancel := context.WithCancel(context.Background())
	extracts := 0
	h.ext.hook = func() {
		extracts++
		if extracts == 2 {
			cancel()
		}
	}

	first, err := h.svc.Run(ctx, units("1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, 2, first.Completed)
	done, _ := h.store.IsDone(context.Background(), "2")
	require.False(t, done, "abandoned unit is still pending after shutdown")

	// same tracker and cursor file: the pending unit behind the cursor must
	// be picked up again
	h.ext.hook = nil
	second, err := h.svc.Run(context.Background(), units("1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 1, Skipped: 2}, second)
	done, _ = h.store.IsDone(context.Background(), "2")
	assert.True(t, done)
	assert.Len(t, h.sink.records, 3)
}

// failingReadStore breaks tracker reads for one unit so abort paths can be
// exercised deterministically.
type failingReadStore struct {
	tracker.Store
	failID string
}

func (s *failingReadStore) IsDone(ctx context.Context, unitID string) (bool, error) {
	if unitID == s.failID {
		return false, fmt.Errorf("tracker backend unavailable")
	}
	return s.Store.IsDone(ctx, unitID)
}

func TestRunAbortFlushesCommittedRecords(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Store = &failingReadStore{Store: o.Store, failID: "2"}
	})

	_, err := h.svc.Run(context.Background(), units("1", "2"))
	require.Error(t, err)

	// unit 1 committed before the abort; its record must reach the sink
	done, _ := h.store.IsDone(context.Background(), "1")
	require.True(t, done)
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, "1", h.sink.records[0].UnitID)
}

func TestRunNoDoubleProcessingAcrossWorkers(t *testing.T) {
	store, err := tracker.OpenFileStore(filepath.Join(t.TempDir(), "tracker.jsonl"))
	require.NoError(t, err)
	defer store.Close()

	policy := retry.NewPolicy(2)
	policy.Base = time.Millisecond
	policy.Cap = 2 * time.Millisecond

	us := units("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")

	const workers = 4
	sinks := make([]*fakeSink, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		sinks[w] = &fakeSink{}
		svc := New(Options{
			Session:            newFakeSession(),
			Gate:               gate.NewController(stubSolver{}, 0.6, 3),
			Extractor:          &fakeExtractor{},
			Store:              store,
			Policy:             policy,
			Sink:               sinks[w],
			CheckpointInterval: 3,
			RequestTimeout:     time.Second,
			Name:               fmt.Sprintf("Engine-%d", w),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, rerr := svc.Run(context.Background(), us)
			assert.NoError(t, rerr)
		}()
	}
	wg.Wait()

	// merged partitions hold exactly one record per unit
	got := map[string]int{}
	total := 0
	for _, s := range sinks {
		for _, r := range s.records {
			got[r.UnitID]++
			total++
		}
	}
	assert.Equal(t, len(us), total)
	for _, u := range us {
		assert.Equal(t, 1, got[u.ID], "unit %s processed exactly once", u.ID)
	}
}

func TestRunTrackerFailureAborts(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Close()) // simulate a dead backing store

	_, err := h.svc.Run(context.Background(), units("1"))
	// reads are served from memory; the commit hits the closed file
	assert.Error(t, err)
}

func TestMergeSummaries(t *testing.T) {
	got := Merge(Summary{Completed: 2, Skipped: 1}, Summary{Completed: 1, Failed: 3})
	assert.Equal(t, Summary{Completed: 3, Failed: 3, Skipped: 1}, got)
}

func TestRangeUnits(t *testing.T) {
	us := RangeUnits("https://example.test/view/", 401, 403)
	require.Len(t, us, 3)
	assert.Equal(t, WorkUnit{ID: "401", URL: "https://example.test/view/401"}, us[0])
	assert.Equal(t, WorkUnit{ID: "403", URL: "https://example.test/view/403"}, us[2])
	assert.Nil(t, RangeUnits("x", 5, 4))
}

func TestUnitsFromCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units.csv")
	require.NoError(t, os.WriteFile(path, []byte("unit_id,url\n401,https://example.test/view/401\n402,\n"), 0o644))

	us, err := UnitsFromCSV(path, "https://example.test/view/")
	require.NoError(t, err)
	require.Len(t, us, 2)
	assert.Equal(t, "https://example.test/view/401", us[0].URL)
	assert.Equal(t, "https://example.test/view/402", us[1].URL, "missing url falls back to base")

	_, err = UnitsFromCSV(filepath.Join(t.TempDir(), "absent.csv"), "x")
	assert.Error(t, err)
}
