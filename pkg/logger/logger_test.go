package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptured(t *testing.T, level Level) (*BaseLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{
		Level:            level,
		Format:           JSONFormat,
		EnableConsole:    true,
		EnableStacktrace: false,
	}, WithWriter(&buf))
	require.NoError(t, err)
	return l, &buf
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr error
	}{
		{name: "nil config uses default", cfg: nil},
		{name: "json console", cfg: &Config{Format: JSONFormat, EnableConsole: true}},
		{name: "file without path", cfg: &Config{EnableFile: true}, wantErr: ErrInvalidOutputPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLogger_KeyValues(t *testing.T) {
	l, buf := newCaptured(t, DebugLevel)

	l.Named("orchestrator").WithFields("host_id", "h1").Info("session started",
		"session_id", "s1",
		"error", errors.New("boom"),
	)

	out := lines(buf)
	require.Len(t, out, 1)
	assert.Equal(t, "session started", out[0]["msg"])
	assert.Equal(t, "orchestrator", out[0]["logger"])
	assert.Equal(t, "h1", out[0]["host_id"])
	assert.Equal(t, "s1", out[0]["session_id"])
	assert.Equal(t, "boom", out[0]["error"])
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newCaptured(t, DebugLevel)

	ctx := WithHostID(WithSessionID(context.Background(), "s-42"), "host-7")
	l.WarnContext(ctx, "heartbeat missed")

	out := lines(buf)
	require.Len(t, out, 1)
	assert.Equal(t, "s-42", out[0]["session_id"])
	assert.Equal(t, "host-7", out[0]["host_id"])
	assert.Equal(t, "s-42", SessionIDFrom(ctx))
}

func TestLogger_SetLevel(t *testing.T) {
	l, buf := newCaptured(t, InfoLevel)

	l.Debug("hidden")
	assert.Empty(t, lines(buf))

	l.SetLevel(DebugLevel)
	l.Named("child").Debug("visible")
	out := lines(buf)
	require.Len(t, out, 1)
	assert.Equal(t, "visible", out[0]["msg"])
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NewNoop()
	l.Info("x", "k", "v")
	assert.Same(t, l, l.Named("a"))
	assert.NoError(t, l.Sync())
}
