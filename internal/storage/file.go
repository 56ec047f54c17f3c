package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "offsched/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl           (append-only JSON Lines)
//   - <prefix>.drain.snapshot.json    (periodic snapshot)
//   - <prefix>.drain.journal.jsonl    (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsFile *os.File
	recent     []EventRecord // newest last, at most recentCap

	drainSnapshotPath string
	drainJournalFile  *os.File
	lastDrain         map[string]int64 // unix milli

	drainWrites  int
	compactEvery int
}

type drainRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	snapPath := prefix + ".drain.snapshot.json"
	journalPath := prefix + ".drain.journal.jsonl"

	recent, err := tailEvents(eventsPath, recentCap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("event history unreadable; starting empty", logx.Err(err))
		recent = nil
	}

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	lastDrain := map[string]int64{}
	_ = loadDrainSnapshot(snapPath, lastDrain)
	_ = replayDrainJournal(journalPath, lastDrain)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		eventsFile:        ef,
		recent:            recent,
		drainSnapshotPath: snapPath,
		drainJournalFile:  jf,
		lastDrain:         lastDrain,
		compactEvery:      defaultCompactEvery,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.eventsFile != nil {
		err1 = s.eventsFile.Close()
		s.eventsFile = nil
	}
	if s.drainJournalFile != nil {
		err2 = s.drainJournalFile.Close()
		s.drainJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendEvent(_ context.Context, e EventRecord) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.eventsFile).Encode(e); err != nil {
		return err
	}
	s.recent = appendRecent(s.recent, e)
	return nil
}

func (s *fileStore) RecentEvents(_ context.Context, n int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]EventRecord, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out, nil
}

func (s *fileStore) PutLastDrain(_ context.Context, cpu int, at time.Time) error {
	key := drainKey(cpu)
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drainJournalFile == nil {
		return ErrClosed
	}
	s.lastDrain[key] = ms

	if err := json.NewEncoder(s.drainJournalFile).Encode(drainRecord{Key: key, At: ms}); err != nil {
		return err
	}
	s.drainWrites++
	if s.drainWrites%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("drain journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetLastDrain(_ context.Context, cpu int) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.lastDrain[drainKey(cpu)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.drainSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.lastDrain); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.drainSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.drainJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.drainJournalFile.Seek(0, 2)
	return err
}

func appendRecent(buf []EventRecord, e EventRecord) []EventRecord {
	if len(buf) >= recentCap {
		copy(buf, buf[1:])
		buf = buf[:len(buf)-1]
	}
	return append(buf, e)
}

// tailEvents loads the newest n records of an events file. Malformed lines
// are skipped.
func tailEvents(path string, n int) ([]EventRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []EventRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e EventRecord
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Type == "" {
			continue
		}
		out = appendRecent(out, e)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, sc.Err()
}

func loadDrainSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDrainJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r drainRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return s.Err()
}
