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
	"errors"
	"fmt"
	"hash/fnv"
)

// ErrQueueOverflow indicates a session's outbound queue hit its bound. The
// session is forcibly disconnected; the error is never surfaced to publishers.
var ErrQueueOverflow = errors.New("session outbound queue overflow")

// ErrSessionClosed indicates an enqueue against a session already torn down
var ErrSessionClosed = errors.New("session closed")

// ========================================================================================

// TopicKind enumerates the broadcast scopes supported by the topic registry
type TopicKind int

// Topic kinds. The set is closed; kind specific behavior (e.g. lazy member
// list bookkeeping) is layered on top of the registry, not inside it.
const (
	KindGuild TopicKind = iota
	KindChannel
	KindUser
	KindFriend
	KindLazyGuild
)

// String produce ASCII representation
func (k TopicKind) String() string {
	switch k {
	case KindGuild:
		return "guild"
	case KindChannel:
		return "channel"
	case KindUser:
		return "user"
	case KindFriend:
		return "friend"
	case KindLazyGuild:
		return "lazy-guild"
	}
	return "unknown"
}

// Topic a (kind, id) pair identifying one broadcast scope
type Topic struct {
	Kind TopicKind `json:"kind"`
	ID   string    `json:"id"`
}

// String produce ASCII representation
func (t Topic) String() string {
	return fmt.Sprintf("%s/%s", t.Kind, t.ID)
}

// hash map a topic onto a lock shard
func (t Topic) hash(shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Kind.String()))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(t.ID))
	return int(h.Sum32()) % shards
}

// stringHash map an arbitrary key onto a lock shard
func stringHash(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % shards
}

// ========================================================================================

// Event one immutable event enqueued for delivery to a session. Seq is the
// target session's sequence number stamped at enqueue time.
type Event struct {
	Name    string      `json:"t"`
	Payload interface{} `json:"d"`
	Seq     int64       `json:"s"`
}

// ========================================================================================

// StepOp enumerates the operations usable within an ordered publish flow
type StepOp int

// Ordered flow operations
const (
	StepPublish StepOp = iota
	StepPublishToUser
	StepSubscribe
	StepUnsubscribe
)

// OrderedStep one operation within an ordered publish flow. Fields beyond Op
// are read based on the operation: Topic for publish / subscribe /
// unsubscribe, UserID for publish-to-user, SessionID for subscribe /
// unsubscribe, EventName with Payload for the publish variants.
type OrderedStep struct {
	Op        StepOp
	Topic     Topic
	UserID    string
	SessionID string
	EventName string
	Payload   interface{}
}
