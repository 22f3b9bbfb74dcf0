package agentpool

import (
	"fmt"
	"sync"
	"unsafe"

	"dohgate/ext/xlog"
)

/*
 * Simple agent pool - LIFO with global lock
 *
 * Design Goal: maximize the rate of reusable warm connections, the
 * most-recently-released agent is handed out first.
 */

type Pool struct {
	maxIdle  int
	newAgent func() *Agent
	lock     sync.Mutex
	idle     []*Agent // LIFO, top at the end
	stats    Stats
}

type Stats struct {
	Idle     int    `json:"idle"`
	MaxIdle  int    `json:"maxIdle"`
	Acquires uint64 `json:"acquires"`
	Hits     uint64 `json:"hits"`
	Creates  uint64 `json:"creates"`
	Discards uint64 `json:"discards"`
	Drops    uint64 `json:"drops"`
}

func NewPool(maxIdle int, newAgent func() *Agent) (*Pool, error) {
	if newAgent == nil {
		return nil, fmt.Errorf("agent pool no valid function 'newAgent'")
	}
	if maxIdle <= 0 {
		return nil, fmt.Errorf("invalid agent pool size: %d", maxIdle)
	}
	return &Pool{
		maxIdle:  maxIdle,
		newAgent: newAgent,
		idle:     make([]*Agent, 0, maxIdle),
	}, nil
}

// Acquire pops the most-recently-released usable agent, skipping and
// closing any that signaled goaway in the meantime. An empty stack means
// a fresh agent, never blocks, never fails - a broken agent surfaces its
// error on first use.
func (p *Pool) Acquire() *Agent {
	p.lock.Lock()

	var agent *Agent
	hit := false
	for n := len(p.idle); n > 0; n = len(p.idle) {
		a := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if a.Usable() {
			agent = a
			hit = true
			break
		}
		// connection going away, drop it and try the next one
		p.stats.Discards++
		go a.Close()
	}

	if agent == nil {
		agent = p.newAgent()
		p.stats.Creates++
	}

	p.stats.Acquires++
	if hit {
		p.stats.Hits++
	}

	xlog.Logger().Trace().Str("log_type", "agent_pool").Str("op_type", "acquire").Uint64("pointer", uint64(uintptr(unsafe.Pointer(agent)))).Bool("reuse", hit).Int("idle", len(p.idle)).Msg("")
	p.lock.Unlock()
	return agent
}

// Release returns an agent after use. Dead agents and agents above the
// idle capacity are closed instead of cached.
func (p *Pool) Release(a *Agent) {
	if a == nil {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	logEvent := xlog.Logger().Trace().Str("log_type", "agent_pool").Str("op_type", "release").Uint64("pointer", uint64(uintptr(unsafe.Pointer(a))))
	if !a.Usable() {
		p.stats.Discards++
		go a.Close()
		logEvent.Int("idle", len(p.idle)).Bool("reuse", false).Msg("")
		return
	}
	if len(p.idle) >= p.maxIdle {
		p.stats.Drops++
		go a.Close()
		logEvent.Int("idle", len(p.idle)).Bool("reuse", false).Msg("")
		return
	}
	p.idle = append(p.idle, a)
	logEvent.Int("idle", len(p.idle)).Bool("reuse", true).Msg("")
}

// Discard closes an agent that observed an error mid-request, it never
// goes back on the idle stack.
func (p *Pool) Discard(a *Agent) {
	if a == nil {
		return
	}
	p.lock.Lock()
	p.stats.Discards++
	p.lock.Unlock()
	go a.Close()
}

func (p *Pool) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := p.stats
	s.Idle = len(p.idle)
	s.MaxIdle = p.maxIdle
	return s
}
