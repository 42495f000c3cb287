package session

import "github.com/Shakes-tzd/htmlgraph/internal/ir"

// Continuity classifies how a session relates to the one before it.
type Continuity string

const (
	Startup     Continuity = "startup"
	Resumed     Continuity = "resumed"
	PostCompact Continuity = "post_compact"
	Cleared     Continuity = "cleared"
)

// Source maps a classification to the session source recorded on the
// session.
func (c Continuity) Source() ir.SessionSource {
	switch c {
	case Resumed:
		return ir.SourceResume
	case PostCompact:
		return ir.SourceCompact
	case Cleared:
		return ir.SourceClear
	default:
		return ir.SourceStartup
	}
}

// LastKnown is what the previous process left behind about its session.
type LastKnown struct {
	SessionID string `json:"session_id"`
	Ended     bool   `json:"ended"`
}

// Classify is an approximation built from incomplete host signals: the
// host only supplies its current session id, and compaction is inferred
// from an id change after an explicit end. Under rapid session churn it can
// misreport a compaction as a fresh startup or the reverse. Treat the
// result as a hint for attribution, not as ground truth.
//
//	clear marker present                 -> Cleared
//	no previous session                  -> Startup
//	same id                              -> Resumed (reopened if it had ended)
//	different id, previous ended         -> PostCompact
//	different id, previous still active  -> Startup (previous is superseded)
func Classify(currentID string, last *LastKnown, clearMarker bool) Continuity {
	switch {
	case clearMarker:
		return Cleared
	case last == nil || last.SessionID == "":
		return Startup
	case last.SessionID == currentID:
		return Resumed
	case last.Ended:
		return PostCompact
	default:
		return Startup
	}
}
