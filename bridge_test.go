package bridge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bitvm/bridge/signal"
	"github.com/stretchr/testify/require"
)

// intercept starts a signal interceptor once the one of a previous test has
// shut down.
func intercept(t *testing.T) signal.Interceptor {
	t.Helper()

	var (
		interceptor signal.Interceptor
		err         error
	)
	require.Eventually(t, func() bool {
		interceptor, err = signal.Intercept()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	return interceptor
}

func TestOpenVerifier(t *testing.T) {
	t.Parallel()

	_, args := testArgs(t, "--demo=verifier-0")
	cfg, err := LoadConfig(args)
	require.NoError(t, err)

	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})

	require.Empty(t, b.Client().Data().PegInGraphs)
	require.Empty(t, b.Client().FetchedKey())

	_, err = os.Stat(cfg.NoncesPath())
	require.NoError(t, err)
	_, err = os.Stat(cfg.ResultsDir())
	require.NoError(t, err)

	// The client metrics and the process metrics share the registry.
	families, err := b.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	require.Contains(t, names, "bridge_graphs")
	require.Contains(t, names, "go_goroutines")
}

func TestOpenObserver(t *testing.T) {
	t.Parallel()

	_, args := testArgs(t)
	cfg, err := LoadConfig(args)
	require.NoError(t, err)

	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Observers keep no secret nonces.
	_, err = os.Stat(cfg.NoncesPath())
	require.True(t, os.IsNotExist(err))

	d := b.NewDaemon(nil)
	require.NotNil(t, d)
}

func TestMainShutdown(t *testing.T) {
	_, args := testArgs(
		t, "--demo=operator", "--daemon.interval=1h",
		"--prometheus.enable", "--prometheus.listen=127.0.0.1:0",
	)
	cfg, err := LoadConfig(args)
	require.NoError(t, err)

	interceptor := intercept(t)

	errChan := make(chan error, 1)
	go func() {
		errChan <- Main(cfg, interceptor)
	}()
	interceptor.RequestShutdown()

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
