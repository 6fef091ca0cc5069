package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/pkg/types"
)

const replayBatchSize = 500

// FallbackLog is the local append-only JSONL file records land in while
// primary storage is unavailable. Drain moves the file aside before
// replaying it, so appends continue into a fresh file.
type FallbackLog struct {
	path string

	mu      sync.Mutex // guards the live file
	drainMu sync.Mutex // one replay at a time
}

func OpenFallbackLog(path string) (*FallbackLog, error) {
	if path == "" {
		return nil, fmt.Errorf("fallback log path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("fallback log dir: %w", err)
	}
	return &FallbackLog{path: path}, nil
}

func (l *FallbackLog) Path() string { return l.path }

func (l *FallbackLog) replayPath() string { return l.path + ".replay" }

// Append writes recs as one JSON object per line and syncs the file.
func (l *FallbackLog) Append(recs []types.LedgerRecord) error {
	if len(recs) == 0 {
		return nil
	}
	var buf []byte
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode fallback record %s: %w", rec.RecordID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// #nosec G304 -- path is operator-configured.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Pending counts records waiting in the log, including an interrupted replay.
func (l *FallbackLog) Pending() (int, error) {
	total := 0
	for _, p := range []string{l.replayPath(), l.path} {
		n := 0
		err := readRecords(p, func(types.LedgerRecord) error {
			n++
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ReadAll returns every record waiting in the log.
func (l *FallbackLog) ReadAll() ([]types.LedgerRecord, error) {
	var out []types.LedgerRecord
	for _, p := range []string{l.replayPath(), l.path} {
		err := readRecords(p, func(rec types.LedgerRecord) error {
			out = append(out, rec)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return out, nil
}

// Drain hands logged records to apply in batches and removes them once
// apply succeeds. A failed apply leaves the remaining records for the next
// drain; apply must therefore be idempotent.
func (l *FallbackLog) Drain(ctx context.Context, apply func([]types.LedgerRecord) error) (int, error) {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	replayed := 0
	// a replay file left by an earlier failed drain goes first
	for pass := 0; pass < 2; pass++ {
		if _, err := os.Stat(l.replayPath()); errors.Is(err, fs.ErrNotExist) {
			moved, err := l.rotate()
			if err != nil {
				return replayed, err
			}
			if !moved {
				return replayed, nil
			}
		}

		n, err := l.replay(ctx, apply)
		replayed += n
		if err != nil {
			return replayed, err
		}
		if err := os.Remove(l.replayPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return replayed, err
		}
	}
	return replayed, nil
}

func (l *FallbackLog) rotate() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Rename(l.path, l.replayPath()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *FallbackLog) replay(ctx context.Context, apply func([]types.LedgerRecord) error) (int, error) {
	batch := make([]types.LedgerRecord, 0, replayBatchSize)
	replayed := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := apply(batch); err != nil {
			return err
		}
		replayed += len(batch)
		batch = batch[:0]
		return nil
	}

	err := readRecords(l.replayPath(), func(rec types.LedgerRecord) error {
		batch = append(batch, rec)
		if len(batch) >= replayBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return replayed, err
	}
	return replayed, flush()
}

func readRecords(path string, fn func(types.LedgerRecord) error) error {
	// #nosec G304 -- path is operator-configured.
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec types.LedgerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// a torn final line from a crash mid-append
			logger.Logger.Warn().Err(err).Str("path", path).Int("line", line).Msg("skipping unreadable fallback log line")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
