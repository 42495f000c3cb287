package session

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// EnvParentEvent is the only channel for cross-process attribution. A
// parent sets it to the id of the event that spawned the child; the child
// reads it once at startup.
const EnvParentEvent = "HTMLGRAPH_PARENT_EVENT"

// Attribution is the parent context a process inherited.
type Attribution struct {
	ParentEventID string
}

// LoadAttribution reads the handoff variable through getenv. A missing or
// malformed value yields the zero Attribution, which attributes to the
// session root.
func LoadAttribution(getenv func(string) string) Attribution {
	v := strings.TrimSpace(getenv(EnvParentEvent))
	if v == "" || strings.ContainsAny(v, " \t\r\n") || len(v) > 256 {
		return Attribution{}
	}
	return Attribution{ParentEventID: v}
}

var processAttribution = sync.OnceValue(func() Attribution {
	return LoadAttribution(os.Getenv)
})

// ProcessAttribution returns the attribution this process started with.
// The environment is read on the first call only; later changes to the
// variable are ignored.
func ProcessAttribution() Attribution {
	return processAttribution()
}

// Actor builds the caller context for a session in this process.
func (a Attribution) Actor(sessionID, agentID string) ir.Actor {
	return ir.Actor{SessionID: sessionID, AgentID: agentID, ParentEventID: a.ParentEventID}
}

// ChildEnv returns env with the handoff variable set to parentEventID,
// replacing any inherited value. An empty parentEventID removes it so the
// child attributes to its own root.
func ChildEnv(env []string, parentEventID string) []string {
	prefix := EnvParentEvent + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	if parentEventID != "" {
		out = append(out, prefix+parentEventID)
	}
	return out
}

// PrepareChild sets cmd's environment so the child attributes its events
// to parentEventID. A nil cmd.Env is taken to mean the current environment.
func PrepareChild(cmd *exec.Cmd, parentEventID string) {
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = ChildEnv(env, parentEventID)
}
