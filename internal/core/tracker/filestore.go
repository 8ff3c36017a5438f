package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chrisgadekar/maharera-scraper/internal/logger"
)

// FileStore keeps the tracker log in a local JSONL file. Suitable for a
// single worker process; claims are held in memory only, so an interrupted
// run leaves its claimed-but-uncommitted units pending on the next open.
type FileStore struct {
	mu       sync.Mutex
	f        *os.File
	done     map[string]struct{}
	failed   map[string]struct{}
	claimed  map[string]struct{}
	attempts map[string]int
	log      *logger.Logger
}

// OpenFileStore opens (creating if needed) the log at path and replays it to
// reconstruct state. Malformed lines are skipped, not fatal: a crash mid
// append can leave a torn last line.
func OpenFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tracker dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tracker log: %w", err)
	}

	s := &FileStore{
		f:        f,
		done:     make(map[string]struct{}),
		failed:   make(map[string]struct{}),
		claimed:  make(map[string]struct{}),
		attempts: make(map[string]int),
		log:      logger.New("FileTracker"),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	torn := 0
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || e.UnitID == "" {
			torn++
			continue
		}
		s.apply(e)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("replay tracker log: %w", err)
	}
	if torn > 0 {
		s.log.LogWarnf("skipped %d malformed log line(s) during replay", torn)
	}
	s.log.LogInfof("tracker loaded: %d done, %d failed", len(s.done), len(s.failed))
	return s, nil
}

func (s *FileStore) apply(e Entry) {
	switch e.Outcome {
	case OutcomeDone:
		s.done[e.UnitID] = struct{}{}
		delete(s.failed, e.UnitID)
	case OutcomeFailed:
		if _, ok := s.done[e.UnitID]; !ok {
			s.failed[e.UnitID] = struct{}{}
		}
	case OutcomeReset:
		delete(s.failed, e.UnitID)
	}
}

// append writes one entry and flushes it to disk before returning, so a
// crash after append can never lose a commit.
func (s *FileStore) append(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append tracker log: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync tracker log: %w", err)
	}
	return nil
}

func (s *FileStore) IsDone(_ context.Context, unitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[unitID]
	return ok, nil
}

func (s *FileStore) IsFailed(_ context.Context, unitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[unitID]
	return ok, nil
}

func (s *FileStore) Claim(_ context.Context, unitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[unitID]; ok {
		return false, nil
	}
	if _, ok := s.failed[unitID]; ok {
		return false, nil
	}
	if _, ok := s.claimed[unitID]; ok {
		return false, nil
	}
	s.claimed[unitID] = struct{}{}
	return true, nil
}

func (s *FileStore) Release(_ context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, unitID)
	return nil
}

func (s *FileStore) MarkDone(_ context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{UnitID: unitID, Outcome: OutcomeDone, At: time.Now().UTC()}
	if err := s.append(e); err != nil {
		return err
	}
	s.apply(e)
	delete(s.claimed, unitID)
	return nil
}

func (s *FileStore) MarkFailed(_ context.Context, unitID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{UnitID: unitID, Outcome: OutcomeFailed, Reason: reason, At: time.Now().UTC()}
	if err := s.append(e); err != nil {
		return err
	}
	s.apply(e)
	delete(s.claimed, unitID)
	return nil
}

func (s *FileStore) ResetFailed(_ context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[unitID]; !ok {
		return nil
	}
	e := Entry{UnitID: unitID, Outcome: OutcomeReset, At: time.Now().UTC()}
	if err := s.append(e); err != nil {
		return err
	}
	s.apply(e)
	return nil
}

func (s *FileStore) IncrAttempts(_ context.Context, unitID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[unitID]++
	return s.attempts[unitID], nil
}

func (s *FileStore) Attempts(_ context.Context, unitID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[unitID], nil
}

func (s *FileStore) Close() error { return s.f.Close() }
