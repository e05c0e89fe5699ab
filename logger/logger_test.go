package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/soramail/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soramail.log")

	logFile, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, logFile)
	defer logFile.Close()

	Info("MAILSTORE: saved", "owner", "alice", "folder", "inbox")
	Debug("MAILSTORE: debug line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "MAILSTORE: saved", entry["msg"])
	assert.Equal(t, "alice", entry["owner"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestInitializeLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soramail.log")

	logFile, err := Initialize(config.LoggingConfig{Output: path, Format: "console", Level: "warn"})
	require.NoError(t, err)
	defer logFile.Close()

	Info("hidden")
	Warn("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}

func TestInitializeUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soramail.log")

	logFile, err := Initialize(config.LoggingConfig{Output: path, Level: "loud"})
	require.Error(t, err)
	require.NotNil(t, logFile)
	defer logFile.Close()

	Debug("hidden")
	Info("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soramail.log")

	logFile, err := Initialize(config.LoggingConfig{Output: path, Level: "info"})
	require.NoError(t, err)
	defer logFile.Close()

	require.NoError(t, SetLevel("error"))
	Warn("suppressed")
	require.NoError(t, SetLevel("debug"))
	Debug("now visible")
	assert.Error(t, SetLevel("nope"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "suppressed")
	assert.Contains(t, string(data), "now visible")
}

func TestInitializeBadPathFallsBack(t *testing.T) {
	logFile, err := Initialize(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
	assert.Nil(t, logFile)
}

func TestAppendAttrGroups(t *testing.T) {
	var b strings.Builder
	appendAttr(&b, "", slog.String("owner", "alice"))
	appendAttr(&b, "req.", slog.Group("s3", slog.Int("attempt", 2), slog.Bool("ok", false)))
	appendAttr(&b, "", slog.Attr{})
	assert.Equal(t, " owner=alice req.s3.attempt=2 req.s3.ok=false", b.String())
}

func TestSyslogHandlerGroupPrefix(t *testing.T) {
	h := &syslogHandler{}
	grouped := h.WithGroup("delivery").WithAttrs([]slog.Attr{slog.String("owner", "bob")}).(*syslogHandler)

	assert.Equal(t, "delivery.", grouped.prefix)
	require.Len(t, grouped.attrs, 1)
	assert.Equal(t, "delivery.owner", grouped.attrs[0].Key)
	assert.Empty(t, h.attrs)
	assert.Same(t, h, h.WithGroup(""))
}
