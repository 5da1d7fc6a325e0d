package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	mgr := NewSubLoggerManager(&bytes.Buffer{})
	for _, tag := range []string{"AAAA", "BBBB"} {
		mgr.RegisterSubLogger(tag, mgr.GenSubLogger(tag))
	}
	require.Equal(t, []string{"AAAA", "BBBB"}, mgr.SupportedSubsystems())

	require.NoError(t, ParseAndSetDebugLevels("warn,BBBB=trace", mgr))
	require.Equal(t, btclog.LevelWarn, mgr.SubLoggers()["AAAA"].Level())
	require.Equal(t, btclog.LevelTrace, mgr.SubLoggers()["BBBB"].Level())

	require.NoError(t, ParseAndSetDebugLevels("AAAA=off", mgr))
	require.Equal(t, btclog.LevelOff, mgr.SubLoggers()["AAAA"].Level())
	require.Equal(t, btclog.LevelTrace, mgr.SubLoggers()["BBBB"].Level())

	for _, bad := range []string{
		"chatty", "CCCC=info", "AAAA", "AAAA=info=debug", "AAAA=chatty",
	} {
		require.Error(t, ParseAndSetDebugLevels(bad, mgr), bad)
	}
}

func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var (
		out       bytes.Buffer
		shutdowns int
	)
	backend := btclog.NewBackend(&out)
	logger := NewShutdownLogger(backend.Logger("TEST"), func() {
		shutdowns++
	})

	logger.Errorf("not critical")
	require.Zero(t, shutdowns)

	logger.Criticalf("failure %d", 1)
	logger.Critical("failure 2")
	require.Equal(t, 2, shutdowns)
	require.Contains(t, out.String(), "failure 1")
	require.Contains(t, out.String(), "requesting shutdown")
}

func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = "lz4"
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFiles = -1
	require.Error(t, cfg.Validate())
}

func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Nothing is written before the rotator is set up.
	r := NewRotatingLogWriter()
	n, err := r.Write([]byte("dropped"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Nil(t, r.Pipe())
	require.NoError(t, r.Close())

	cfg := DefaultLogConfig().File
	cfg.Compressor = "lz4"
	err = r.InitLogRotator(cfg, filepath.Join(dir, "bad", "test.log"))
	require.ErrorContains(t, err, "unknown log compressor")

	_, err = os.Stat(filepath.Join(dir, "bad"))
	require.True(t, os.IsNotExist(err))

	for _, compressor := range []string{Gzip, Zstd} {
		cfg := DefaultLogConfig().File
		cfg.Compressor = compressor
		logFile := filepath.Join(dir, compressor, "test.log")

		r := NewRotatingLogWriter()
		require.NoError(t, r.InitLogRotator(cfg, logFile))
		require.NotNil(t, r.Pipe())
		require.Equal(t, logFile, r.LogFile())

		_, err := r.Write([]byte("line\n"))
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Empty(t, r.LogFile())

		_, err = os.Stat(logFile)
		require.NoError(t, err)
	}
}
