// Copyright 2024-2026 The acornchat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionRecordSequenceStamping(t *testing.T) {
	assert := assert.New(t)

	uut := NewSessionRecord("session-1", "user-1", 0, 1, 16)

	for itr := 0; itr < 5; itr++ {
		assert.Nil(uut.Enqueue(fmt.Sprintf("EVENT_%d", itr), nil))
	}
	assert.Equal(int64(5), uut.LastSeq())

	// Queued events carry strictly increasing gapless sequence numbers
	for itr := 0; itr < 5; itr++ {
		select {
		case event := <-uut.Queue():
			assert.Equal(int64(itr+1), event.Seq)
			uut.NoteDelivered(event.Seq)
		case <-time.After(time.Millisecond * 100):
			assert.FailNow("queue should hold the event")
		}
	}
	assert.Equal(int64(5), uut.DeliveredSeq())
}

func TestSessionRecordQueueOverflow(t *testing.T) {
	assert := assert.New(t)

	uut := NewSessionRecord("session-1", "user-1", 0, 1, 2)

	assert.Nil(uut.Enqueue("EVENT_0", nil))
	assert.Nil(uut.Enqueue("EVENT_1", nil))
	assert.ErrorIs(uut.Enqueue("EVENT_2", nil), ErrQueueOverflow)

	// The failed enqueue must not consume a sequence number
	assert.Equal(int64(2), uut.LastSeq())

	// Draining frees capacity and the sequence continues gaplessly
	<-uut.Queue()
	assert.Nil(uut.Enqueue("EVENT_2", nil))
	assert.Equal(int64(3), uut.LastSeq())
}

func TestSessionRecordKill(t *testing.T) {
	assert := assert.New(t)

	uut := NewSessionRecord("session-1", "user-1", 0, 1, 4)
	assert.Nil(uut.Enqueue("EVENT_0", nil))

	uut.Kill()
	uut.Kill()
	assert.ErrorIs(uut.Enqueue("EVENT_1", nil), ErrSessionClosed)

	select {
	case <-uut.Killed():
	default:
		assert.FailNow("killed channel should be closed")
	}
}

func TestSessionRecordExpiryChecks(t *testing.T) {
	assert := assert.New(t)

	uut := NewSessionRecord("session-1", "user-1", 0, 1, 4)

	// Heartbeat expiry only applies to READY sessions
	assert.False(uut.HeartbeatExpired(0))
	uut.SetState(StateReady)
	time.Sleep(time.Millisecond * 5)
	assert.True(uut.HeartbeatExpired(time.Millisecond))
	uut.TouchHeartbeat()
	assert.False(uut.HeartbeatExpired(time.Second))

	// Resume expiry only applies to DISCONNECTED sessions
	assert.False(uut.ResumeExpired(0))
	uut.SetState(StateDisconnected)
	assert.False(uut.ResumeExpired(time.Second))
	time.Sleep(time.Millisecond * 5)
	assert.True(uut.ResumeExpired(time.Millisecond))
}

func TestSessionRecordStateTransition(t *testing.T) {
	assert := assert.New(t)

	uut := NewSessionRecord("session-1", "user-1", 0, 1, 4)
	uut.SetState(StateDisconnected)

	// Only a matching current state transitions
	assert.False(uut.TrySetState(StateReady, StateResuming))
	assert.Equal(StateDisconnected, uut.State())
	assert.True(uut.TrySetState(StateDisconnected, StateResuming))
	assert.Equal(StateResuming, uut.State())

	// Exactly one of many concurrent claimants wins
	uut.SetState(StateDisconnected)
	winners := make(chan bool, 8)
	var wg sync.WaitGroup
	for itr := 0; itr < 8; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			winners <- uut.TrySetState(StateDisconnected, StateResuming)
		}()
	}
	wg.Wait()
	close(winners)
	wonCount := 0
	for won := range winners {
		if won {
			wonCount++
		}
	}
	assert.Equal(1, wonCount)
}

func TestSessionRegistryBasicOperation(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSessionRegistry(4)
	assert.Nil(err)

	record1 := NewSessionRecord("session-1", "user-1", 0, 1, 4)
	record2 := NewSessionRecord("session-2", "user-1", 0, 1, 4)
	record3 := NewSessionRecord("session-3", "user-2", 0, 1, 4)

	assert.Nil(uut.Register(record1))
	assert.Nil(uut.Register(record2))
	assert.Nil(uut.Register(record3))
	// Duplicate session IDs are rejected
	assert.NotNil(uut.Register(NewSessionRecord("session-1", "user-9", 0, 1, 4)))

	fetched, ok := uut.Get("session-2")
	assert.True(ok)
	assert.Equal("user-1", fetched.UserID)

	assert.Len(uut.SessionsOfUser("user-1"), 2)
	assert.Len(uut.SessionsOfUser("user-2"), 1)
	assert.Empty(uut.SessionsOfUser("user-unknown"))

	uut.Remove("session-1")
	uut.Remove("session-1")
	_, ok = uut.Get("session-1")
	assert.False(ok)
	assert.Len(uut.SessionsOfUser("user-1"), 1)
}

func TestSessionRegistrySweep(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSessionRegistry(4)
	assert.Nil(err)

	for itr := 0; itr < 4; itr++ {
		record := NewSessionRecord(fmt.Sprintf("session-%d", itr), "user-1", 0, 1, 4)
		if itr%2 == 0 {
			record.SetState(StateDisconnected)
		}
		assert.Nil(uut.Register(record))
	}

	matched := uut.Sweep(func(record *SessionRecord) bool {
		return record.State() == StateDisconnected
	})
	assert.Len(matched, 2)
}
