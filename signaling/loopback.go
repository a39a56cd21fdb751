/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Hub routes messages between in-process ports by address.
type Hub struct {
	mu        sync.Mutex
	ports     map[string]*LoopbackPort
	observers handlerSet
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{ports: make(map[string]*LoopbackPort)}
}

// Port returns a port bound to address, replacing any earlier port for the
// same address.
func (h *Hub) Port(address string) *LoopbackPort {
	p := &LoopbackPort{
		hub:     h,
		address: address,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.deliver()

	h.mu.Lock()
	old := h.ports[address]
	h.ports[address] = p
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return p
}

// Observe registers a handler that sees every routed message.
func (h *Hub) Observe(handler Handler) (unsubscribe func()) {
	return h.observers.add(handler)
}

func (h *Hub) route(msg Message) error {
	h.mu.Lock()
	dst := h.ports[msg.To]
	h.mu.Unlock()

	if dst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.To)
	}
	h.observers.dispatch(msg)
	dst.enqueue(msg)
	return nil
}

func (h *Hub) remove(p *LoopbackPort) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ports[p.address] == p {
		delete(h.ports, p.address)
	}
}

// LoopbackPort is an in-memory Port. Delivery is asynchronous and ordered.
type LoopbackPort struct {
	hub      *Hub
	address  string
	handlers handlerSet

	mu     sync.Mutex
	queue  []Message
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// Address returns the port's address.
func (p *LoopbackPort) Address() string { return p.address }

// Send routes msg to the port registered for msg.To.
func (p *LoopbackPort) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if msg.From == "" {
		msg.From = p.address
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return p.hub.route(msg)
}

// OnMessage registers a handler for inbound messages.
func (p *LoopbackPort) OnMessage(handler Handler) func() {
	return p.handlers.add(handler)
}

// Close detaches the port from the hub. Queued messages are dropped.
func (p *LoopbackPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	close(p.done)
	p.mu.Unlock()

	p.hub.remove(p)
	return nil
}

func (p *LoopbackPort) enqueue(msg Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, msg)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *LoopbackPort) deliver() {
	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			p.mu.Lock()
			if p.closed || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			msg := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.handlers.dispatch(msg)
		}
	}
}
