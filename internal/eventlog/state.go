package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
)

// journalState is the sidecar cache of a journal's tail.
type journalState struct {
	LastSeq         int64 `json:"last_seq"`
	EventCount      int64 `json:"event_count"`
	Size            int64 `json:"size"`
	EndsWithNewline bool  `json:"ends_with_newline"`
}

func statePath(journal string) string {
	return strings.TrimSuffix(journal, journalExt) + stateExt
}

// loadState returns the journal's tail state. The sidecar is trusted only
// while it matches the journal size; otherwise the journal is rescanned.
// Callers hold the journal lock.
func (l *Log) loadState(journal string) (journalState, error) {
	info, err := os.Stat(journal)
	if errors.Is(err, fs.ErrNotExist) {
		return journalState{}, nil
	}
	if err != nil {
		return journalState{}, fmt.Errorf("stat journal: %w", err)
	}

	if data, err := os.ReadFile(statePath(journal)); err == nil {
		var st journalState
		if json.Unmarshal(data, &st) == nil && st.Size == info.Size() {
			return st, nil
		}
	}
	return l.rebuildState(journal)
}

func (l *Log) rebuildState(journal string) (journalState, error) {
	data, err := os.ReadFile(journal)
	if err != nil {
		return journalState{}, fmt.Errorf("read journal: %w", err)
	}
	st := journalState{
		Size:            int64(len(data)),
		EndsWithNewline: len(data) == 0 || data[len(data)-1] == '\n',
	}
	for _, ev := range l.decodeRecords(journal, data) {
		st.EventCount++
		if ev.Seq > st.LastSeq {
			st.LastSeq = ev.Seq
		}
	}
	return st, nil
}

func (l *Log) writeState(journal string, st journalState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	path := statePath(journal)
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
