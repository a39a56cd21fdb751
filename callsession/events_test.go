/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitter(t *testing.T) {
	e := NewEventEmitter()

	var got []interface{}
	e.On(EventState, func(data interface{}) { got = append(got, data) })
	e.On(EventState, func(data interface{}) { got = append(got, "second") })
	e.On(EventMediaState, nil)

	change := StateChange{SessionID: "s-1", From: StateIdle, To: StateDialing}
	e.Emit(EventState, change)
	e.Emit(EventNotification, Notification{Kind: NotifyConnected})
	assert.Equal(t, []interface{}{change, "second"}, got)

	e.Off(EventState)
	e.Emit(EventState, change)
	assert.Len(t, got, 2)
}

func TestQueue(t *testing.T) {
	t.Run("runs in order", func(t *testing.T) {
		q := newQueue()
		var mu sync.Mutex
		var order []int
		for i := 0; i < 100; i++ {
			i := i
			require.True(t, q.push(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}))
		}
		q.close()
		q.wait()

		require.Len(t, order, 100)
		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("push from a running item", func(t *testing.T) {
		q := newQueue()
		done := make(chan struct{})
		q.push(func() {
			q.push(func() { close(done) })
		})
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("nested push did not run")
		}
		q.close()
		q.wait()
	})

	t.Run("closed", func(t *testing.T) {
		q := newQueue()
		q.close()
		q.close()
		q.wait()
		assert.False(t, q.push(func() {}))
	})
}

func TestSnapshotDuration(t *testing.T) {
	assert.Zero(t, Snapshot{}.Duration())

	start := time.Now().Add(-time.Minute)
	s := Snapshot{ActiveAt: start, EndedAt: start.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, s.Duration())

	assert.GreaterOrEqual(t, Snapshot{ActiveAt: start}.Duration(), time.Minute)
}

func TestEndReasonRemote(t *testing.T) {
	assert.True(t, ReasonRemoteHangup.Remote())
	assert.True(t, ReasonDeclined.Remote())
	assert.False(t, ReasonLocalHangup.Remote())
	assert.False(t, ReasonConnectivityLost.Remote())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRinging.Terminal())
}
