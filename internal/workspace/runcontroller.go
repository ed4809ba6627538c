package workspace

import "sync"

// RunMode selects whether the queue drains every pending task automatically
// or waits for an explicit step-through (spec §5).
type RunMode string

const (
	RunModeAll    RunMode = "all"
	RunModeManual RunMode = "manual"
)

// RunControllerListener is notified whenever the mode or paused flag changes.
type RunControllerListener func(mode RunMode, paused bool)

// RunController is the atomic (mode, paused) flag pair shared by a
// workspace's queue and its external controls (spec §5).
type RunController struct {
	mu        sync.Mutex
	mode      RunMode
	paused    bool
	listeners []RunControllerListener
}

// NewRunController starts in RunModeAll, not paused.
func NewRunController() *RunController {
	return &RunController{mode: RunModeAll}
}

// Snapshot returns the current (mode, paused) pair.
func (c *RunController) Snapshot() (RunMode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.paused
}

// SetMode switches between "all" and "manual" and notifies listeners.
func (c *RunController) SetMode(mode RunMode) {
	c.mu.Lock()
	c.mode = mode
	paused := c.paused
	listeners := append([]RunControllerListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(mode, paused)
	}
}

// SetPaused flips the paused flag and notifies listeners.
func (c *RunController) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	mode := c.mode
	listeners := append([]RunControllerListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(mode, paused)
	}
}

// OnChange registers a listener invoked on every SetMode/SetPaused call.
func (c *RunController) OnChange(l RunControllerListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}
