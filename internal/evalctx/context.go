// Package evalctx holds the per-invocation execution context that rule
// conditions read from and action units record decisions into.
//
// A Context wraps the decoded subject (typically the JSON attributes of an
// incoming study or SOP instance). Contexts are created per execution and
// are never shared between concurrent executions.
package evalctx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/solatis/serverrules/internal/types"
)

// Decision is a side effect requested by an action unit. The host that owns
// the subject (router, archive, deletion service) carries decisions out.
type Decision struct {
	Kind   string            `json:"kind"`
	Rule   string            `json:"rule,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Context is the subject of one rules execution.
type Context struct {
	subject any
	now     time.Time

	mu          sync.Mutex
	currentRule string
	decisions   []Decision
}

// New decodes payload into a Context.
func New(payload types.Payload) (*Context, error) {
	if len(payload) > types.MaxPayloadSize {
		return nil, types.ErrPayloadTooLarge
	}
	var subject any
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &subject); err != nil {
			return nil, fmt.Errorf("decode subject: %w", err)
		}
	}
	return &Context{subject: subject, now: time.Now()}, nil
}

// FromValue wraps an already-decoded subject.
func FromValue(subject any) *Context {
	return &Context{subject: subject, now: time.Now()}
}

// WithNow fixes the time at which the execution is considered to happen.
func (c *Context) WithNow(t time.Time) *Context {
	c.now = t
	return c
}

// Now returns the execution time. It is captured once so every unit of an
// execution sees the same instant.
func (c *Context) Now() time.Time {
	return c.now
}

// Subject returns the decoded subject.
func (c *Context) Subject() any {
	return c.subject
}

// Lookup resolves a dotted field path against the subject.
func (c *Context) Lookup(expr string) (any, bool) {
	path, err := ParsePath(expr)
	if err != nil {
		return nil, false
	}
	res, err := Resolve(path, c.subject)
	if err != nil || !res.Found {
		return nil, false
	}
	return res.Value, true
}

// BeginRule marks the rule whose actions are about to run; decisions
// recorded until the next call are attributed to it.
func (c *Context) BeginRule(name string) {
	c.mu.Lock()
	c.currentRule = name
	c.mu.Unlock()
}

// Record appends a decision.
func (c *Context) Record(kind string, params map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, Decision{Kind: kind, Rule: c.currentRule, Params: params})
}

// Decisions returns a copy of the decisions recorded so far, in order.
func (c *Context) Decisions() []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Decision, len(c.decisions))
	copy(out, c.decisions)
	return out
}
