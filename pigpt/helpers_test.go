package pigpt

import (
	"bytes"
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestChunkString(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		size     int
		expected []string
	}{
		{
			name:     "empty",
			input:    "",
			size:     5,
			expected: nil,
		},
		{
			name:     "shorter than size",
			input:    "abc",
			size:     5,
			expected: []string{"abc"},
		},
		{
			name:     "exact multiple",
			input:    "abcdef",
			size:     3,
			expected: []string{"abc", "def"},
		},
		{
			name:     "remainder",
			input:    "abcdefg",
			size:     3,
			expected: []string{"abc", "def", "g"},
		},
		{
			name:     "multibyte",
			input:    "πππππ",
			size:     2,
			expected: []string{"ππ", "ππ", "π"},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, chunkString(tc.input, tc.size))
			},
		)
	}

	assert.Panics(
		t, func() {
			chunkString("abc", 0)
		},
	)
}

func TestChunkString_DiscordLimit(t *testing.T) {
	reply := strings.Repeat("x", 4001)
	chunks := chunkString(reply, discordMaxMessageLength)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2000)
	assert.Len(t, chunks[1], 2000)
	assert.Len(t, chunks[2], 1)
	assert.Equal(t, reply, strings.Join(chunks, ""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "ππ", truncate("πππ", 2))
	assert.Equal(t, "", truncate("hello", 0))
}

func TestLoggerCtx(t *testing.T) {
	logger := slog.Default()
	ctx := context.Background()

	foundLogger, ok := ContextLogger(ctx)
	assert.Nil(t, foundLogger)
	assert.False(t, ok)

	logCtx := WithLogger(ctx, logger)
	foundLogger, ok = ContextLogger(logCtx)
	assert.True(t, ok)
	assert.Equal(t, logger, foundLogger)

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, found := contextLoggerOr(logCtx, fallback)
	assert.Same(t, logger, found, "the context's logger should be preferred")

	newCtx, found := contextLoggerOr(ctx, fallback)
	assert.Same(t, fallback, found)
	fromCtx, ok := ContextLogger(newCtx)
	assert.True(t, ok)
	assert.Same(t, fallback, fromCtx)

	_, found = contextLoggerOr(ctx, nil)
	assert.Same(t, slog.Default(), found)
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type example struct {
		Secret   string        `json:"secret" log:"[redacted]"`
		Visible  string        `json:"visible,omitempty"`
		Empty    string        `json:"empty"`
		NilPtr   *inner        `json:"nil_ptr"`
		Inner    *inner        `json:"inner"`
		Level    slog.Leveler  `json:"level"`
		Timeout  time.Duration `json:"timeout"`
		NoTag    int
		internal string
	}

	v := structToSlogValue(
		example{
			Secret:   "hunter2",
			Visible:  "shown",
			Inner:    &inner{Name: "nested"},
			Level:    slog.LevelDebug,
			Timeout:  time.Second,
			NoTag:    42,
			internal: "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.Equal(t, "shown", attrs["visible"].String())
	assert.Equal(t, "DEBUG", attrs["level"].String())
	assert.Equal(t, time.Second, attrs["timeout"].Duration())
	assert.Equal(t, int64(42), attrs["NoTag"].Int64())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil_ptr")
	assert.NotContains(t, attrs, "internal")

	require.Equal(t, slog.KindGroup, attrs["inner"].Kind())
	assert.Equal(t, "nested", attrs["inner"].Group()[0].Value.String())

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestNewID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newID()
		assert.Len(t, id, 26)
		assert.False(t, seen[id], "IDs should be unique")
		seen[id] = true
	}
}

func TestStorageError(t *testing.T) {
	inner := errors.New("disk full")
	err := storageError("save_history", "alice", inner)
	assert.EqualError(t, err, "storage: save_history (user alice): disk full")
	assert.ErrorIs(t, err, inner)

	// already wrapped errors aren't wrapped again
	assert.Same(t, err, storageError("other_op", "bob", err))
	assert.NoError(t, storageError("save_history", "alice", nil))
}

func TestGetDiscordgoLogLevel(t *testing.T) {
	testCases := []struct {
		level    slog.Level
		expected int
	}{
		{slog.LevelDebug - 4, discordgo.LogDebug},
		{slog.LevelDebug, discordgo.LogDebug},
		{slog.LevelInfo, discordgo.LogInformational},
		{slog.LevelWarn, discordgo.LogWarning},
		{slog.LevelError, discordgo.LogError},
		{slog.LevelError + 4, discordgo.LogError},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, discordgoLogLevel(tc.level), tc.level.String())
	}
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logf := discordgoLoggerFunc(context.Background(), handler)

	logf(discordgo.LogInformational, 1, "connected to %s", "gateway")
	assert.Empty(t, buf.String(), "info should be filtered by the handler level")

	logf(discordgo.LogError, 1, "error reading\nfrom %s", "websocket")
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "error readingfrom websocket")
}

func TestGormLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	g := newGORMLogger(logger, 10*time.Millisecond)
	ctx := context.Background()

	g.Trace(
		ctx,
		time.Now().Add(-time.Second),
		func() (string, int64) { return "SELECT 1", 1 },
		nil,
	)
	assert.Contains(t, buf.String(), "slow sql")
	buf.Reset()

	g.Trace(
		ctx,
		time.Now(),
		func() (string, int64) { return "SELECT 2", -1 },
		errors.New("no such table"),
	)
	assert.Contains(t, buf.String(), "sql error")
	assert.Contains(t, buf.String(), "rows=-")
	buf.Reset()

	g.Trace(
		ctx,
		time.Now(),
		func() (string, int64) { return "SELECT 3", 0 },
		nil,
	)
	assert.Contains(t, buf.String(), "sql completed")
	assert.Contains(t, buf.String(), "logger=gorm")
}
