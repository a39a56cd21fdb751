/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import "sync"

// queue runs pushed functions one at a time, in push order, on a single
// goroutine. push never blocks.
type queue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newQueue() *queue {
	q := &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// push schedules fn. It reports false once the queue is closed.
func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting work. Already queued functions still run; wait
// blocks until they have.
func (q *queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) wait() {
	<-q.done
}

func (q *queue) run() {
	defer close(q.done)
	for range q.notify {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
