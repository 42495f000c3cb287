package nodestore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// writeNew writes n to its final path only if nothing is there yet. The
// document is fully written to a temp file first and then hard-linked into
// place, so the final name appears atomically and an existing file makes
// the link fail with fs.ErrExist.
func (s *Store) writeNew(n ir.Node) error {
	final := s.path(n.Type, n.ID)
	tmp, err := s.writeTemp(n)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, final); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("link %s: %w", final, err)
	}
	return nil
}

// writeReplace atomically replaces n's document.
func (s *Store) writeReplace(n ir.Node) error {
	final := s.path(n.Type, n.ID)
	tmp, err := s.writeTemp(n)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", final, err)
	}
	return nil
}

// writeTemp renders n into a synced temp file in its type directory, so the
// later link or rename stays on one filesystem.
func (s *Store) writeTemp(n ir.Node) (string, error) {
	dir := filepath.Join(s.root, string(n.Type))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create type dir: %w", err)
	}
	var buf bytes.Buffer
	if err := RenderDocument(&buf, n); err != nil {
		return "", err
	}
	tmp := filepath.Join(dir, "."+n.ID+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp document: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write temp document: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync temp document: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func (s *Store) lockIsStale(lockPath string) bool {
	info, err := os.Stat(lockPath)
	return err == nil && time.Since(info.ModTime()) > s.lockStale
}

// breakStaleLock renames the lock to a unique name before removing it, so
// of two writers breaking the same lock only one succeeds. A lock that is
// fresh once moved belongs to a writer that broke it first; it is linked
// back.
func (s *Store) breakStaleLock(lockPath string) {
	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		return
	}
	defer os.Remove(aside)
	if s.lockIsStale(aside) {
		s.logger.Warn("breaking stale commit lock", "path", lockPath)
		return
	}
	if err := os.Link(aside, lockPath); err != nil {
		s.logger.Warn("could not restore live commit lock", "path", lockPath, "error", err)
	}
}

// tryLock takes the per-document commit lock without waiting. The lock only
// spans the compare-and-rename, never a caller's mutator; a held lock is
// reported as CONFLICT so callers retry like any lost race. Locks older
// than lockStale belong to a crashed writer and are broken.
func (s *Store) tryLock(docPath string) (func(), error) {
	lockPath := docPath + ".lock"
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), strconv.FormatInt(time.Now().UnixNano(), 10))
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire commit lock: %w", err)
		}
		if !s.lockIsStale(lockPath) {
			break
		}
		s.breakStaleLock(lockPath)
	}
	id := filepath.Base(docPath)
	return nil, ir.NewError(ir.ErrCodeConflict, "nodestore.Update", id[:len(id)-len(DocumentExt)],
		"another writer is committing this node")
}
