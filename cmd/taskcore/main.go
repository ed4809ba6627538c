// Command taskcore runs the task-queue core as a standalone process: one
// WorkspaceContext per workspace root given on the command line, each
// driving its own single-worker TaskQueue until a shutdown signal
// arrives. Transport (HTTP/WebSocket), auth, and every other front-end
// named out of scope in spec §1 are expected to embed this core as a
// library instead; this binary exists for local/dev use and smoke tests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/forgebase/taskcore/internal/platform/config"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/telemetry"
	"github.com/forgebase/taskcore/internal/workspace"
)

func main() {
	// 1. Load configuration
	cfgPath := os.Getenv("TASKCORE_CONFIG_PATH")
	cfg, err := config.LoadWithPath(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting taskcore")

	// 3. Tracing initializes lazily on first span; flush on exit.
	defer telemetry.Shutdown(context.Background())

	// 4. Determine which workspace roots to serve
	roots := os.Args[1:]
	if len(roots) == 0 {
		roots = []string{"."}
	}

	// 5. Open a WorkspaceContext per root
	registry := workspace.NewRegistry(cfg, log, "")
	for _, root := range roots {
		if _, err := registry.Get(root); err != nil {
			log.Fatal("failed to open workspace", zap.String("root", root), zap.Error(err))
		}
		log.Info("workspace ready", zap.String("root", root))
	}

	// 6. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down taskcore")

	// 7. Graceful shutdown: drain every queue worker and close every store
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- registry.CloseAll() }()
	select {
	case err := <-done:
		if err != nil {
			log.Error("workspace shutdown error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		log.Error("workspace shutdown timed out")
	}

	log.Info("taskcore stopped")
}
