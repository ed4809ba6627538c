package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgebase/taskcore/internal/platform/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			BinPaths: map[string]string{
				"droid":  "/bin/echo",
				"gemini": "/bin/echo",
				"amp":    "/bin/echo",
			},
			PlannerTimeoutMS: 1000,
		},
		Queue: config.QueueConfig{
			WakeTimerMS:     20,
			RetryBackoffMS:  10,
			EventBufferSize: 64,
		},
	}
}

func TestOpenWiresAllSingletonsAndCloseDrains(t *testing.T) {
	ws, err := Open("ws-1", ":memory:", testConfig(), nil)
	require.NoError(t, err)

	require.NotNil(t, ws.Store)
	require.NotNil(t, ws.Tasks)
	require.NotNil(t, ws.Queue)
	require.NotNil(t, ws.RunController)
	require.NotNil(t, ws.AsyncLock)
	require.NotNil(t, ws.Bus)
	require.NotNil(t, ws.Metrics)

	mode, paused := ws.RunController.Snapshot()
	require.Equal(t, RunModeAll, mode)
	require.False(t, paused)

	require.NoError(t, ws.Close())
}

func TestOpenFailsWithoutVendorBinary(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.BinPaths = map[string]string{}
	_, err := Open("ws-2", ":memory:", cfg, nil)
	require.Error(t, err)
}

func TestResolveVendorByModelPrefix(t *testing.T) {
	cases := map[string]string{
		"gemini-2.5-pro": "gemini",
		"amp-code":       "amp",
		"gpt-5":          "droid",
		"":               "droid",
	}
	for model, want := range cases {
		require.Equal(t, want, resolveVendor(model), "model %q", model)
	}
}

func TestRunControllerNotifiesListenersOnChange(t *testing.T) {
	c := NewRunController()
	var got []string
	c.OnChange(func(mode RunMode, paused bool) {
		got = append(got, string(mode)+":"+boolStr(paused))
	})

	c.SetMode(RunModeManual)
	c.SetPaused(true)

	require.Equal(t, []string{"manual:false", "manual:true"}, got)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestAsyncLockSerializesWithLock(t *testing.T) {
	l := NewAsyncLock()
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithLock(func() error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
		l.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired before first WithLock released")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-acquired
}
