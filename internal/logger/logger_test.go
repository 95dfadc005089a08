package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWritersNeedDir(t *testing.T) {
	out, errw, err := FileConfig{}.Writers("mono")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, errw)
}

func TestWritersPerChildFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "children")
	out, errw, err := FileConfig{Dir: dir}.Writers("bridge")
	require.NoError(t, err)
	defer func() { _ = out.Close(); _ = errw.Close() }()

	_, err = out.Write([]byte("listening on 8001\n"))
	require.NoError(t, err)
	_, err = errw.Write([]byte("fixme:heap\n"))
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "bridge.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "listening on 8001\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "bridge.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "fixme:heap\n", string(b))
}

func TestWritersRotation(t *testing.T) {
	cases := []struct {
		name string
		cfg  FileConfig
		want lj.Logger
	}{
		{
			name: "defaults",
			cfg:  FileConfig{},
			want: lj.Logger{MaxSize: DefaultMaxSizeMB, MaxBackups: DefaultMaxBackups, MaxAge: DefaultMaxAgeDays},
		},
		{
			name: "negative falls back",
			cfg:  FileConfig{MaxSizeMB: -1, MaxBackups: -5, MaxAgeDays: 0},
			want: lj.Logger{MaxSize: DefaultMaxSizeMB, MaxBackups: DefaultMaxBackups, MaxAge: DefaultMaxAgeDays},
		},
		{
			name: "overrides",
			cfg:  FileConfig{MaxSizeMB: 50, MaxBackups: 9, MaxAgeDays: 30, Compress: true},
			want: lj.Logger{MaxSize: 50, MaxBackups: 9, MaxAge: 30, Compress: true},
		},
	}
	for i := range cases {
		tc := &cases[i]
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Dir = t.TempDir()
			out, errw, err := tc.cfg.Writers("terminal")
			require.NoError(t, err)
			defer func() { _ = out.Close(); _ = errw.Close() }()
			for _, w := range []any{out, errw} {
				l, ok := w.(*lj.Logger)
				require.True(t, ok)
				assert.Equal(t, tc.want.MaxSize, l.MaxSize)
				assert.Equal(t, tc.want.MaxBackups, l.MaxBackups)
				assert.Equal(t, tc.want.MaxAge, l.MaxAge)
				assert.Equal(t, tc.want.Compress, l.Compress)
			}
		})
	}
}

func TestWritersDirIsAFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(f, nil, 0o600))
	_, _, err := FileConfig{Dir: f}.Writers("mono")
	assert.ErrorContains(t, err, "create log dir")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"":          LevelInfo,
		"DEBUG":     LevelDebug,
		" warning ": LevelWarn,
		"warn":      LevelWarn,
		"critical":  LevelError,
		"error":     LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, LevelInfo, c.Slog.Level)
	assert.Equal(t, FormatText, c.Slog.Format)
	assert.True(t, c.Slog.TimeStamps)
	assert.Empty(t, c.File.Dir)
}

func TestJSONWithoutTimestamps(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}.NewSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("shown", "step", "mono")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"step":"mono"`)
	assert.NotContains(t, out, `"time"`)
}

func TestColorLevels(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelDebug, Color: true}}.NewSloggerTo(&buf).With("component", "cache")
	l.Debug("d")
	l.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `\x1b[36mDEBUG`)
	assert.Contains(t, lines[1], `\x1b[31mERROR`)
	for _, line := range lines {
		assert.Contains(t, line, "component=cache")
		assert.NotContains(t, line, "time=")
	}
}
