package protocol

import (
	"fmt"
	"sync"
)

// HandlerFunc processes one inbound envelope from the named peer.
type HandlerFunc func(from string, env Envelope) error

// Dispatcher routes inbound envelopes to handlers by message type.
// It replaces per-kind delegate wiring: handlers register once, and delivery
// order never depends on registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a message type. The type must be one of
// KnownTypes and may be bound at most once.
func (d *Dispatcher) Register(msgType string, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("nil handler for type %q", msgType)
	}
	if !isKnownType(msgType) {
		return fmt.Errorf("unknown message type %q", msgType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[msgType]; ok {
		return fmt.Errorf("handler already registered for type %q", msgType)
	}
	d.handlers[msgType] = h
	return nil
}

// Dispatch validates the envelope and invokes the handler for its type.
// Unknown or unhandled types are an error so missing wiring surfaces loudly.
func (d *Dispatcher) Dispatch(from string, env Envelope) error {
	if err := env.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for message type %q", env.Type)
	}
	return h(from, env)
}

// Complete reports whether every known message type has a handler.
func (d *Dispatcher) Complete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range KnownTypes {
		if _, ok := d.handlers[t]; !ok {
			return false
		}
	}
	return true
}

func isKnownType(msgType string) bool {
	for _, t := range KnownTypes {
		if t == msgType {
			return true
		}
	}
	return false
}
