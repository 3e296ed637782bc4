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
	"time"

	"github.com/acornchat/gateway/common"
	"github.com/apex/log"
)

// SessionState one session's position within the connection protocol
type SessionState int

// Session protocol states
const (
	StateConnecting SessionState = iota
	StateIdentifying
	StateResuming
	StateReady
	StateInvalid
	StateDisconnected
)

// String produce ASCII representation
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdentifying:
		return "IDENTIFYING"
	case StateResuming:
		return "RESUMING"
	case StateReady:
		return "READY"
	case StateInvalid:
		return "INVALID"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// ========================================================================================

// SessionRecord server side state of one live connection. The record is owned
// by its protocol state machine; the dispatch engine only enqueues onto it.
type SessionRecord struct {
	// SessionID opaque ID assigned at identify time
	SessionID string
	// UserID the owning user
	UserID string
	// ShardIndex / ShardCount the client declared shard assignment
	ShardIndex int
	ShardCount int

	lock           sync.Mutex
	seq            int64
	deliveredSeq   int64
	queue          chan Event
	state          SessionState
	lastHeartbeat  time.Time
	disconnectedAt time.Time
	killOnce       sync.Once
	killed         chan struct{}
}

// NewSessionRecord define a session record with a bounded outbound queue
func NewSessionRecord(sessionID, userID string, shardIdx, shardCount, queueDepth int) *SessionRecord {
	return &SessionRecord{
		SessionID:     sessionID,
		UserID:        userID,
		ShardIndex:    shardIdx,
		ShardCount:    shardCount,
		queue:         make(chan Event, queueDepth),
		state:         StateConnecting,
		lastHeartbeat: time.Now(),
		killed:        make(chan struct{}),
	}
}

// Enqueue stamp the session's next sequence number on the event and append it
// to the outbound queue. The stamp and the append happen under one lock so
// sequence numbers on the queue are strictly increasing and gapless. A full
// queue fails with ErrQueueOverflow; the caller must then kill the session,
// as dropping the event silently would corrupt the sequence contract.
func (r *SessionRecord) Enqueue(eventName string, payload interface{}) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	select {
	case <-r.killed:
		return ErrSessionClosed
	default:
	}
	event := Event{Name: eventName, Payload: payload, Seq: r.seq + 1}
	select {
	case r.queue <- event:
		r.seq++
		return nil
	default:
		return ErrQueueOverflow
	}
}

// Queue the outbound event queue. The protocol state machine's drain loop is
// the only consumer.
func (r *SessionRecord) Queue() <-chan Event {
	return r.queue
}

// NoteDelivered record that the drain loop popped the event carrying this
// sequence number. Popped events are unrecoverable on resume.
func (r *SessionRecord) NoteDelivered(seq int64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if seq > r.deliveredSeq {
		r.deliveredSeq = seq
	}
}

// LastSeq the sequence number of the newest enqueued event
func (r *SessionRecord) LastSeq() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.seq
}

// DeliveredSeq the sequence number of the newest event popped by a drain loop
func (r *SessionRecord) DeliveredSeq() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.deliveredSeq
}

// State the current protocol state
func (r *SessionRecord) State() SessionState {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// SetState change the protocol state
func (r *SessionRecord) SetState(newState SessionState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.state = newState
	if newState == StateDisconnected {
		r.disconnectedAt = time.Now()
	}
}

// TrySetState change the protocol state only if it currently matches `from`.
// Returns false without side effects otherwise. Lets two racing resume
// attempts for one session decide a single winner.
func (r *SessionRecord) TrySetState(from, to SessionState) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	if to == StateDisconnected {
		r.disconnectedAt = time.Now()
	}
	return true
}

// TouchHeartbeat record a client liveness signal
func (r *SessionRecord) TouchHeartbeat() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastHeartbeat = time.Now()
}

// HeartbeatExpired check whether the liveness deadline elapsed
func (r *SessionRecord) HeartbeatExpired(deadline time.Duration) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state == StateReady && time.Since(r.lastHeartbeat) > deadline
}

// ResumeExpired check whether the resume grace window elapsed
func (r *SessionRecord) ResumeExpired(grace time.Duration) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state == StateDisconnected && time.Since(r.disconnectedAt) > grace
}

// Kill mark the session terminally closed. Idempotent and safe to invoke
// concurrently with an in-flight enqueue.
func (r *SessionRecord) Kill() {
	r.killOnce.Do(func() { close(r.killed) })
}

// Killed closed once the session is terminally closed
func (r *SessionRecord) Killed() <-chan struct{} {
	return r.killed
}

// ========================================================================================

// SessionRegistry tracks every live session record, indexed by session ID and
// by owning user ID. Safe for concurrent use.
type SessionRegistry interface {
	// Register add a session record; fails on a duplicate session ID
	Register(record *SessionRecord) error
	// Get fetch a session record by ID
	Get(sessionID string) (*SessionRecord, bool)
	// Remove drop a session record. Idempotent.
	Remove(sessionID string)
	// SessionsOfUser fetch all records owned by a user
	SessionsOfUser(userID string) []*SessionRecord
	// Sweep collect all records matching the check
	Sweep(check func(*SessionRecord) bool) []*SessionRecord
}

// sessionShard one lock shard of the registry
type sessionShard struct {
	lock     sync.RWMutex
	sessions map[string]*SessionRecord
}

// userIndexShard one lock shard of the user-to-session index
type userIndexShard struct {
	lock  sync.RWMutex
	users map[string]map[string]*SessionRecord
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	shards    []*sessionShard
	userIndex []*userIndexShard
}

// GetSessionRegistry define a sharded session registry
func GetSessionRegistry(shardCount int) (SessionRegistry, error) {
	if shardCount < 1 {
		return nil, fmt.Errorf("session registry needs at least one shard")
	}
	logTags := log.Fields{"module": "dispatch", "component": "session-registry"}
	shards := make([]*sessionShard, shardCount)
	userIndex := make([]*userIndexShard, shardCount)
	for itr := 0; itr < shardCount; itr++ {
		shards[itr] = &sessionShard{sessions: make(map[string]*SessionRecord)}
		userIndex[itr] = &userIndexShard{users: make(map[string]map[string]*SessionRecord)}
	}
	return &sessionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
		userIndex: userIndex,
	}, nil
}

// Register add a session record
func (r *sessionRegistryImpl) Register(record *SessionRecord) error {
	shard := r.shards[stringHash(record.SessionID, len(r.shards))]
	shard.lock.Lock()
	if _, ok := shard.sessions[record.SessionID]; ok {
		shard.lock.Unlock()
		return fmt.Errorf("session %s already registered", record.SessionID)
	}
	shard.sessions[record.SessionID] = record
	shard.lock.Unlock()

	index := r.userIndex[stringHash(record.UserID, len(r.userIndex))]
	index.lock.Lock()
	defer index.lock.Unlock()
	perUser, ok := index.users[record.UserID]
	if !ok {
		perUser = make(map[string]*SessionRecord)
		index.users[record.UserID] = perUser
	}
	perUser[record.SessionID] = record
	log.WithFields(r.LogTags).Debugf(
		"Registered session %s for user %s", record.SessionID, record.UserID,
	)
	return nil
}

// Get fetch a session record by ID
func (r *sessionRegistryImpl) Get(sessionID string) (*SessionRecord, bool) {
	shard := r.shards[stringHash(sessionID, len(r.shards))]
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	record, ok := shard.sessions[sessionID]
	return record, ok
}

// Remove drop a session record
func (r *sessionRegistryImpl) Remove(sessionID string) {
	shard := r.shards[stringHash(sessionID, len(r.shards))]
	shard.lock.Lock()
	record, ok := shard.sessions[sessionID]
	delete(shard.sessions, sessionID)
	shard.lock.Unlock()
	if !ok {
		return
	}

	index := r.userIndex[stringHash(record.UserID, len(r.userIndex))]
	index.lock.Lock()
	defer index.lock.Unlock()
	if perUser, ok := index.users[record.UserID]; ok {
		delete(perUser, sessionID)
		if len(perUser) == 0 {
			delete(index.users, record.UserID)
		}
	}
	log.WithFields(r.LogTags).Debugf("Removed session %s", sessionID)
}

// SessionsOfUser fetch all records owned by a user
func (r *sessionRegistryImpl) SessionsOfUser(userID string) []*SessionRecord {
	index := r.userIndex[stringHash(userID, len(r.userIndex))]
	index.lock.RLock()
	defer index.lock.RUnlock()
	result := make([]*SessionRecord, 0, len(index.users[userID]))
	for _, record := range index.users[userID] {
		result = append(result, record)
	}
	return result
}

// Sweep collect all records matching the check
func (r *sessionRegistryImpl) Sweep(check func(*SessionRecord) bool) []*SessionRecord {
	var result []*SessionRecord
	for _, shard := range r.shards {
		shard.lock.RLock()
		for _, record := range shard.sessions {
			if check(record) {
				result = append(result, record)
			}
		}
		shard.lock.RUnlock()
	}
	return result
}
