// Package correlate matches asynchronous permission prompts and hook
// lifecycles to the decisions that eventually resolve them. Resolution may
// arrive from a different goroutine than the one that created the pending
// entry, so all state transitions are guarded.
package correlate

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionDenied    Decision = "denied"
	DecisionCancelled Decision = "cancelled"
	DecisionTimedOut  Decision = "timed_out"
)

// PendingPermission is a permission prompt awaiting a decision.
type PendingPermission struct {
	RequestID string
	ToolUseID string
	RunID     string
	CreatedAt time.Time
}

// Resolution records how a pending request terminated.
type Resolution struct {
	RequestID  string
	ToolUseID  string
	RunID      string
	Decision   Decision
	ResolvedAt time.Time
}

// PermissionCorrelator tracks pending permission prompts per request id.
// Each request resolves exactly once; duplicate or unknown resolutions are
// reported as anomalies, not errors.
type PermissionCorrelator struct {
	mu       sync.Mutex
	pending  map[string]PendingPermission
	resolved map[string]Resolution
	now      func() time.Time

	anomalies int64
}

func NewPermissionCorrelator() *PermissionCorrelator {
	return &PermissionCorrelator{
		pending:  make(map[string]PendingPermission),
		resolved: make(map[string]Resolution),
		now:      time.Now,
	}
}

// Open registers a new pending request. A prompt arriving without a request
// id gets a generated one so it stays addressable for resolution. Re-opening
// a request id that is already pending or resolved is an anomaly and leaves
// existing state alone.
func (c *PermissionCorrelator) Open(req PendingPermission) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if _, ok := c.pending[req.RequestID]; ok {
		c.anomalies++
		log.Printf("correlate: duplicate permission_prompt for request %s", req.RequestID)
		return false
	}
	if _, ok := c.resolved[req.RequestID]; ok {
		c.anomalies++
		log.Printf("correlate: permission_prompt for already-resolved request %s", req.RequestID)
		return false
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.now()
	}
	c.pending[req.RequestID] = req
	return true
}

// Resolve moves a pending request to its terminal decision. It is
// idempotent: resolving an unknown or already-resolved request id is a
// logged no-op returning ok=false.
func (c *PermissionCorrelator) Resolve(requestID string, decision Decision) (Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(requestID, decision)
}

func (c *PermissionCorrelator) resolveLocked(requestID string, decision Decision) (Resolution, bool) {
	req, ok := c.pending[requestID]
	if !ok {
		c.anomalies++
		if prior, done := c.resolved[requestID]; done {
			log.Printf("correlate: request %s already resolved to %s, ignoring %s", requestID, prior.Decision, decision)
			return prior, false
		}
		log.Printf("correlate: decision %s for unknown request %s", decision, requestID)
		return Resolution{}, false
	}
	delete(c.pending, requestID)
	res := Resolution{
		RequestID:  req.RequestID,
		ToolUseID:  req.ToolUseID,
		RunID:      req.RunID,
		Decision:   decision,
		ResolvedAt: c.now(),
	}
	c.resolved[requestID] = res
	return res, true
}

// CancelRun resolves every pending request owned by runID to cancelled. No
// request may outlive its run.
func (c *PermissionCorrelator) CancelRun(runID string) []Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Resolution
	for id, req := range c.pending {
		if req.RunID != runID {
			continue
		}
		if res, ok := c.resolveLocked(id, DecisionCancelled); ok {
			out = append(out, res)
		}
	}
	return out
}

// ExpireOlderThan resolves pendings created before now-maxAge to timed_out.
// A maxAge of zero disables expiry (the timeout is policy, not protocol).
func (c *PermissionCorrelator) ExpireOlderThan(now time.Time, maxAge time.Duration) []Resolution {
	if maxAge <= 0 {
		return nil
	}
	cutoff := now.Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Resolution
	for id, req := range c.pending {
		if req.CreatedAt.Before(cutoff) {
			if res, ok := c.resolveLocked(id, DecisionTimedOut); ok {
				out = append(out, res)
			}
		}
	}
	return out
}

// Pending returns the pending requests owned by runID.
func (c *PermissionCorrelator) Pending(runID string) []PendingPermission {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingPermission
	for _, req := range c.pending {
		if req.RunID == runID {
			out = append(out, req)
		}
	}
	return out
}

// Anomalies reports duplicate/unknown open and resolve attempts.
func (c *PermissionCorrelator) Anomalies() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anomalies
}
