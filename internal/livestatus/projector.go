// Package livestatus routes stream events that represent ambient state
// (agent status, net greeks, order-status pushes) into read-only
// snapshots, away from the conversational timeline.
package livestatus

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/hedgedesk/console/internal/domain"
)

const debugRingCap = 100

// IsAmbient reports whether a stream event type carries ambient state
// rather than timeline content.
func IsAmbient(eventType string) bool {
	switch eventType {
	case domain.StreamTypeAgentStatus, domain.StreamTypeGreeks, domain.StreamTypeOrderStatus:
		return true
	}
	return false
}

// Projector maintains the ambient snapshots with payload-level
// de-duplication against the last processed event, regardless of type.
type Projector struct {
	mu      sync.Mutex
	lastRaw []byte

	status *domain.AgentStatus
	greeks map[string]float64
	order  *domain.OrderStatusPush

	debug bool
	ring  []domain.StreamEvent
}

// New creates an empty projector.
func New() *Projector {
	return &Projector{}
}

// Apply routes one ambient event into the snapshots. It returns false
// when the event duplicates the last processed one or its payload cannot
// be decoded.
func (p *Projector) Apply(ev domain.StreamEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := ev.Encode()
	if raw != nil && bytes.Equal(raw, p.lastRaw) {
		return false
	}
	p.recordLocked(ev)

	switch ev.Type {
	case domain.StreamTypeAgentStatus:
		var status domain.AgentStatus
		if err := json.Unmarshal(ev.Data, &status); err != nil {
			return false
		}
		p.status = &status
	case domain.StreamTypeGreeks:
		var greeks map[string]float64
		if err := json.Unmarshal(ev.Data, &greeks); err != nil {
			return false
		}
		p.greeks = greeks
	case domain.StreamTypeOrderStatus:
		var order domain.OrderStatusPush
		if err := json.Unmarshal(ev.Data, &order); err != nil {
			return false
		}
		p.order = &order
	default:
		return false
	}

	p.lastRaw = raw
	return true
}

// Record adds an event to the debug ring buffer when debug mode is on.
// Recording is additive and never affects timeline content.
func (p *Projector) Record(ev domain.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordLocked(ev)
}

func (p *Projector) recordLocked(ev domain.StreamEvent) {
	if !p.debug {
		return
	}
	p.ring = append(p.ring, ev)
	if len(p.ring) > debugRingCap {
		p.ring = p.ring[len(p.ring)-debugRingCap:]
	}
}

// SetDebug toggles diagnostic recording of routed events.
func (p *Projector) SetDebug(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debug = on
	if !on {
		p.ring = nil
	}
}

// Debug reports whether debug mode is on.
func (p *Projector) Debug() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debug
}

// DebugEvents returns a copy of the debug ring buffer.
func (p *Projector) DebugEvents() []domain.StreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StreamEvent(nil), p.ring...)
}

// AgentStatus returns the latest agent status snapshot, or nil.
func (p *Projector) AgentStatus() *domain.AgentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == nil {
		return nil
	}
	out := *p.status
	return &out
}

// Greeks returns a copy of the latest net greeks snapshot, or nil.
func (p *Projector) Greeks() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.greeks == nil {
		return nil
	}
	out := make(map[string]float64, len(p.greeks))
	for k, v := range p.greeks {
		out[k] = v
	}
	return out
}

// LastOrder returns the latest order-status push, or nil.
func (p *Projector) LastOrder() *domain.OrderStatusPush {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.order == nil {
		return nil
	}
	out := *p.order
	return &out
}

// Reset clears all snapshots and the dedup marker, for a session
// identity change.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRaw = nil
	p.status = nil
	p.greeks = nil
	p.order = nil
	p.ring = nil
}
