package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// processLocks serialises goroutines of this process before they contend
// for the cross-process lock file.
var processLocks sync.Map

func processLock(path string) *sync.Mutex {
	mu, _ := processLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type lockMetadata struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// withJournalLock runs fn while holding <journal>.lock. Acquisition retries
// until lockTimeout and then fails with BUSY; a lock older than lockStale
// is assumed abandoned and removed.
func (l *Log) withJournalLock(journal string, fn func() error) error {
	lockPath := journal + ".lock"
	mu := processLock(lockPath)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	attempts := 0
	for {
		attempts++
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			meta, _ := json.Marshal(lockMetadata{PID: os.Getpid(), CreatedAt: time.Now().UTC().Format(time.RFC3339Nano)})
			_, _ = f.Write(append(meta, '\n'))
			_ = f.Close()
			defer func() { _ = os.Remove(lockPath) }()
			return fn()
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("acquire journal lock: %w", err)
		}
		if l.lockIsStale(lockPath) {
			l.breakStaleLock(lockPath)
			continue
		}
		if waited := time.Since(start); waited >= l.lockTimeout {
			return ir.NewError(ir.ErrCodeBusy, "eventlog.Append", lockPath,
				fmt.Sprintf("journal lock timeout after %s (%d attempts)", waited.Truncate(time.Millisecond), attempts))
		}
		time.Sleep(l.lockRetry)
	}
}

// breakStaleLock moves the lock aside under a unique name and checks it
// again there. When several processes break the same lock only one rename
// wins; a lock that is fresh once moved was taken by a faster breaker and
// is linked back.
func (l *Log) breakStaleLock(lockPath string) {
	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		return
	}
	defer func() { _ = os.Remove(aside) }()
	if l.lockIsStale(aside) {
		l.logger.Warn("recovering stale journal lock", "path", lockPath)
		return
	}
	if err := os.Link(aside, lockPath); err != nil {
		l.logger.Warn("could not restore live journal lock", "path", lockPath, "error", err)
	}
}

func (l *Log) lockIsStale(lockPath string) bool {
	content, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	var meta lockMetadata
	if err := json.Unmarshal(content, &meta); err != nil {
		// A lock file without metadata is a writer that crashed between
		// create and write; fall back to its mtime.
		info, statErr := os.Stat(lockPath)
		return statErr == nil && time.Since(info.ModTime()) > l.lockStale
	}
	created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(meta.CreatedAt))
	if err != nil {
		return false
	}
	return time.Since(created) > l.lockStale
}
