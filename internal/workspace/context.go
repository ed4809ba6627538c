// Package workspace implements WorkspaceContext (spec §4.8): the
// per-workspace singleton that bundles the StateStore, TaskStore,
// TaskQueue, RunController, AsyncLock, metrics, and EventBus, constructed
// lazily and cached for the lifetime of the process.
package workspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgebase/taskcore/internal/agent/adapter"
	"github.com/forgebase/taskcore/internal/events"
	"github.com/forgebase/taskcore/internal/orchestrator/executor"
	"github.com/forgebase/taskcore/internal/orchestrator/planner"
	"github.com/forgebase/taskcore/internal/orchestrator/queue"
	"github.com/forgebase/taskcore/internal/platform/config"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/store"
	"github.com/forgebase/taskcore/internal/task"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Metrics is the counters WorkspaceContext exposes to callers, e.g. for a
// metrics transport; it never drives control flow on its own.
type Metrics struct {
	mu             sync.Mutex
	TasksClaimed   int64
	TasksCompleted int64
	TasksFailed    int64
	TasksCancelled int64
}

func (m *Metrics) incr(counter *int64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

// record updates the counter matching a task:started or terminal
// QueueEvent; all other event types are ignored.
func (m *Metrics) record(ev v1.QueueEvent) {
	switch ev.Type {
	case v1.QueueEventTaskStarted:
		m.incr(&m.TasksClaimed)
	case v1.QueueEventTaskCompleted:
		m.incr(&m.TasksCompleted)
	case v1.QueueEventTaskFailed:
		m.incr(&m.TasksFailed)
	case v1.QueueEventTaskCancelled:
		m.incr(&m.TasksCancelled)
	}
}

// metricsSessionID is a reserved bus session used only to keep a running
// tally of queue events; it is never surfaced to a transport subscriber.
const metricsSessionID = "__metrics__"

// Context is one workspace's bundle of singletons (spec §4.8).
type Context struct {
	ID string

	Store         *store.Store
	Tasks         *task.Store
	Queue         *queue.TaskQueue
	RunController *RunController
	AsyncLock     *AsyncLock
	Metrics       *Metrics
	Bus           *events.Bus

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Open constructs a fully wired WorkspaceContext: StateStore at dbPath,
// TaskStore over it, one Adapter-backed Planner, an Executor that builds a
// fresh Adapter per task, a TaskQueue driving them, and this workspace's
// EventBus. The queue's worker goroutine starts immediately.
func Open(id, dbPath string, cfg *config.Config, log *logging.Logger) (*Context, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithWorkspace(id)

	st, err := store.Open(dbPath, store.Options{
		BusyTimeoutMS: cfg.StateStore.BusyTimeoutMS,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("workspace %s: open store: %w", id, err)
	}

	tasks := task.New(st, log)
	bus := events.New(cfg.Queue.EventBufferSize)
	metrics := &Metrics{}
	bus.Subscribe(metricsSessionID, metrics.record)

	supervisorAdapter, err := newAdapter(cfg, log, "")
	if err != nil {
		st.Close()
		return nil, err
	}
	pl := planner.New(supervisorAdapter, cfg.Agent.PlannerTimeoutMS)

	newSender := func(t *v1.Task) executor.StreamingSender {
		vendor := resolveVendor(t.Model)
		a, adapterErr := newAdapter(cfg, log, vendor)
		if adapterErr != nil {
			// Fall back to the supervisor adapter rather than failing the
			// whole step outright; Send will surface any real spawn error.
			return supervisorAdapter
		}
		a.SetThreadID(t.ThreadID)
		return a
	}
	asyncLock := NewAsyncLock()
	exec := executor.New(tasks, newSender, asyncLock, log)

	pub := events.NewBroadcastPublisher(bus)
	q := queue.New(tasks, pl, exec, pub, log, cfg.Queue.WakeTimerMS, cfg.Queue.RetryBackoffMS)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	return &Context{
		ID:            id,
		Store:         st,
		Tasks:         tasks,
		Queue:         q,
		RunController: NewRunController(),
		AsyncLock:     asyncLock,
		Metrics:       metrics,
		Bus:           bus,
		log:           log,
		cancel:        cancel,
		done:          done,
	}, nil
}

// resolveVendor maps a model id to the vendor-CLI name whose adapter
// should run it; models outside the known set fall back to "droid", this
// core's default parser/vendor (spec §6.3: agent.binPaths is keyed by
// vendor name, not by model).
func resolveVendor(model string) string {
	switch {
	case len(model) >= 6 && model[:6] == "gemini":
		return "gemini"
	case len(model) >= 3 && model[:3] == "amp":
		return "amp"
	default:
		return "droid"
	}
}

func newAdapter(cfg *config.Config, log *logging.Logger, vendor string) (*adapter.Adapter, error) {
	if vendor == "" {
		vendor = "droid"
	}
	binPath, ok := cfg.Agent.BinPaths[vendor]
	if !ok || binPath == "" {
		return nil, fmt.Errorf("workspace: no binary configured for vendor %q", vendor)
	}
	return adapter.New(vendor, binPath, cfg.Agent, log), nil
}

// Close drains the queue's worker and closes the underlying store (spec
// §4.8 tear-down: "drains pending work, stops the queue, closes the store").
func (c *Context) Close() error {
	c.Queue.Stop()
	c.cancel()
	<-c.done
	return c.Store.Close()
}
