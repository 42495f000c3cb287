package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data, func(io.Writer) { t.Fatal("text renderer used in json mode") })
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("NOT_FOUND", "node missing", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "node missing", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("plain value", nil))
	assert.Equal(t, "plain value\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(42, func(w io.Writer) { fmt.Fprint(w, "rendered") }))
	assert.Equal(t, "rendered", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error("CONFLICT", "node changed since read", map[string]string{"id": "feat-1"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [CONFLICT]: node changed since read")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("analysing %d nodes", 3)

			assert.Empty(t, out.String(), "diagnostics never mix with JSON output")
			if tt.wantLog {
				assert.Equal(t, "analysing 3 nodes\n", errOut.String())
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "risky")), ExitFailure},
		{"plain error", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		code ir.ErrorCode
		want int
	}{
		{ir.ErrCodeConflict, ExitFailure},
		{ir.ErrCodeBusy, ExitFailure},
		{ir.ErrCodeInvalidReference, ExitFailure},
		{ir.ErrCodeNotFound, ExitCommandError},
		{ir.ErrCodeInvalidArgument, ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := storeError("failed", ir.NewError(tt.code, "op", "id", "msg"))
			assert.Equal(t, tt.want, err.Code)
			assert.Equal(t, tt.code, ir.CodeOf(err), "the ir code stays reachable through Unwrap")
		})
	}
}
