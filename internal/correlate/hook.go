package correlate

import (
	"log"
	"sync"
	"time"
)

type HookState string

const (
	HookStarted          HookState = "started"
	HookInProgress       HookState = "in_progress"
	HookAwaitingCallback HookState = "awaiting_callback"
	HookResolved         HookState = "resolved"
)

// Hook outcomes. A hook that never resolves before its run terminates is
// force-resolved as interrupted.
const (
	HookOutcomeOK          = "ok"
	HookOutcomeInterrupted = "interrupted"
)

type Hook struct {
	HookID    string
	RunID     string
	EventName string
	State     HookState
	Outcome   string
	// CallbackRequestID is set while the hook waits for a caller to answer
	// its callback request.
	CallbackRequestID string
	StartedAt         time.Time
	ResolvedAt        time.Time
}

// HookCorrelator tracks multi-step hook lifecycles:
// started -> progress* -> (response | callback round-trip) -> resolved.
// A resolved hook id may be reused by a later hook_started, which begins a
// fresh lifecycle; a cancelled callback cannot be re-answered.
type HookCorrelator struct {
	mu        sync.Mutex
	active    map[string]*Hook // by hook id, unresolved only
	callbacks map[string]string // callback request id -> hook id
	now       func() time.Time

	anomalies int64
}

func NewHookCorrelator() *HookCorrelator {
	return &HookCorrelator{
		active:    make(map[string]*Hook),
		callbacks: make(map[string]string),
		now:       time.Now,
	}
}

// Start begins a hook lifecycle. Starting an id that is still active is an
// anomaly; the existing lifecycle wins.
func (c *HookCorrelator) Start(hookID, runID, eventName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[hookID]; ok {
		c.anomalies++
		log.Printf("correlate: hook_started for already-active hook %s", hookID)
		return false
	}
	c.active[hookID] = &Hook{
		HookID:    hookID,
		RunID:     runID,
		EventName: eventName,
		State:     HookStarted,
		StartedAt: c.now(),
	}
	return true
}

// Progress marks the hook as in progress. Unknown hooks are anomalies.
func (c *HookCorrelator) Progress(hookID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.active[hookID]
	if !ok {
		c.anomalies++
		return false
	}
	h.State = HookInProgress
	return true
}

// OpenCallback records a two-way callback request the caller must answer
// before the hook can proceed.
func (c *HookCorrelator) OpenCallback(hookID, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.active[hookID]
	if !ok {
		c.anomalies++
		log.Printf("correlate: hook_callback for unknown hook %s", hookID)
		return false
	}
	h.State = HookAwaitingCallback
	h.CallbackRequestID = requestID
	c.callbacks[requestID] = hookID
	return true
}

// AnswerCallback delivers the caller's answer for a callback request,
// returning the hook to in-progress. Answering an unknown or cancelled
// callback is a logged anomaly.
func (c *HookCorrelator) AnswerCallback(requestID string) (*Hook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hookID, ok := c.callbacks[requestID]
	if !ok {
		c.anomalies++
		log.Printf("correlate: answer for unknown callback request %s", requestID)
		return nil, false
	}
	delete(c.callbacks, requestID)
	h := c.active[hookID]
	if h == nil {
		c.anomalies++
		return nil, false
	}
	h.State = HookInProgress
	h.CallbackRequestID = ""
	snapshot := *h
	return &snapshot, true
}

// Resolve terminates the hook lifecycle with the given outcome.
func (c *HookCorrelator) Resolve(hookID, outcome string) (*Hook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(hookID, outcome)
}

func (c *HookCorrelator) resolveLocked(hookID, outcome string) (*Hook, bool) {
	h, ok := c.active[hookID]
	if !ok {
		c.anomalies++
		log.Printf("correlate: hook_response for unknown hook %s", hookID)
		return nil, false
	}
	if h.CallbackRequestID != "" {
		delete(c.callbacks, h.CallbackRequestID)
		h.CallbackRequestID = ""
	}
	h.State = HookResolved
	h.Outcome = outcome
	h.ResolvedAt = c.now()
	delete(c.active, hookID)
	snapshot := *h
	return &snapshot, true
}

// CancelRun force-resolves every unresolved hook owned by runID with an
// interrupted outcome and cancels their open callbacks.
func (c *HookCorrelator) CancelRun(runID string) []Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Hook
	for id, h := range c.active {
		if h.RunID != runID {
			continue
		}
		if res, ok := c.resolveLocked(id, HookOutcomeInterrupted); ok {
			out = append(out, *res)
		}
	}
	return out
}

// Active returns the unresolved hooks owned by runID.
func (c *HookCorrelator) Active(runID string) []Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Hook
	for _, h := range c.active {
		if h.RunID == runID {
			out = append(out, *h)
		}
	}
	return out
}

func (c *HookCorrelator) Anomalies() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anomalies
}
