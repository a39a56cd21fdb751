/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling carries call setup messages between the two endpoints of
// a consultation. Media never flows through it.
package signaling

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrClosed is returned when sending on a closed port.
	ErrClosed = errors.New("signaling port closed")
	// ErrNotConnected is returned when a websocket port has no connection.
	ErrNotConnected = errors.New("signaling port not connected")
	// ErrUnknownRecipient is returned when nobody is reachable at the address.
	ErrUnknownRecipient = errors.New("unknown recipient")
)

// Handler receives inbound messages. Handlers of one port are called in
// message order from a single goroutine.
type Handler func(Message)

// Port is a bidirectional signaling channel bound to one local address.
type Port interface {
	// Address is the local address messages are delivered to.
	Address() string
	Send(ctx context.Context, msg Message) error
	// OnMessage registers handler and returns a function removing it.
	OnMessage(handler Handler) (unsubscribe func())
	Close() error
}

type handlerSet struct {
	mu       sync.Mutex
	next     int
	handlers map[int]Handler
}

func (s *handlerSet) add(h Handler) func() {
	if h == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *handlerSet) dispatch(msg Message) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (s *handlerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
