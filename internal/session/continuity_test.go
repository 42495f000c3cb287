package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		current string
		last    *LastKnown
		clear   bool
		want    Continuity
	}{
		{"no previous record", "s2", nil, false, Startup},
		{"empty previous record", "s2", &LastKnown{}, false, Startup},
		{"same id still active", "s1", &LastKnown{SessionID: "s1"}, false, Resumed},
		{"same id ended", "s1", &LastKnown{SessionID: "s1", Ended: true}, false, Resumed},
		{"different id previous ended", "s2", &LastKnown{SessionID: "s1", Ended: true}, false, PostCompact},
		{"different id previous active", "s2", &LastKnown{SessionID: "s1"}, false, Startup},
		{"clear marker wins", "s1", &LastKnown{SessionID: "s1"}, true, Cleared},
		{"clear marker without history", "s1", nil, true, Cleared},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.current, tt.last, tt.clear))
		})
	}
}

func TestContinuity_Source(t *testing.T) {
	assert.Equal(t, ir.SourceStartup, Startup.Source())
	assert.Equal(t, ir.SourceResume, Resumed.Source())
	assert.Equal(t, ir.SourceCompact, PostCompact.Source())
	assert.Equal(t, ir.SourceClear, Cleared.Source())
}
