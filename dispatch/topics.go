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

	"github.com/acornchat/gateway/common"
	"github.com/apex/log"
)

// TopicRegistry in-memory index mapping topics onto subscribed session IDs.
// Lock sharded so publish snapshot reads on one topic never block behind
// subscribe traffic on unrelated topics.
type TopicRegistry interface {
	// Subscribe add a session to a topic's subscriber set. Idempotent; the
	// topic is created lazily on first subscription.
	Subscribe(topic Topic, sessionID string)
	// Unsubscribe remove a session from a topic's subscriber set. Idempotent;
	// the topic entry is dropped once its subscriber set is empty.
	Unsubscribe(topic Topic, sessionID string)
	// Snapshot a point-in-time copy of a topic's subscriber set. A missing
	// topic yields an empty result, never an error.
	Snapshot(topic Topic) []string
	// SnapshotMany the union of subscriber sets across several topics of one
	// kind with each session appearing at most once
	SnapshotMany(kind TopicKind, topicIDs []string) []string
	// Subscribed check one (topic, session) membership
	Subscribed(topic Topic, sessionID string) bool
	// TopicsOfSession a point-in-time copy of the topics a session holds
	TopicsOfSession(sessionID string) []Topic
	// ClearSession release every subscription a session holds. Idempotent and
	// safe to invoke concurrently with an in-flight publish that already
	// snapshotted the subscriber set.
	ClearSession(sessionID string)
}

// topicShard one lock shard of the forward index
type topicShard struct {
	lock   sync.RWMutex
	topics map[Topic]map[string]bool
}

// sessionTopicShard one lock shard of the session-to-topics reverse index
type sessionTopicShard struct {
	lock     sync.RWMutex
	sessions map[string]map[Topic]bool
}

// topicRegistryImpl implements TopicRegistry
type topicRegistryImpl struct {
	common.Component
	shards  []*topicShard
	reverse []*sessionTopicShard
}

// GetTopicRegistry define a sharded topic registry
func GetTopicRegistry(shardCount int) (TopicRegistry, error) {
	if shardCount < 1 {
		return nil, fmt.Errorf("topic registry needs at least one shard")
	}
	logTags := log.Fields{"module": "dispatch", "component": "topic-registry"}
	shards := make([]*topicShard, shardCount)
	reverse := make([]*sessionTopicShard, shardCount)
	for itr := 0; itr < shardCount; itr++ {
		shards[itr] = &topicShard{topics: make(map[Topic]map[string]bool)}
		reverse[itr] = &sessionTopicShard{sessions: make(map[string]map[Topic]bool)}
	}
	return &topicRegistryImpl{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
		reverse:   reverse,
	}, nil
}

// Subscribe add a session to a topic's subscriber set
func (r *topicRegistryImpl) Subscribe(topic Topic, sessionID string) {
	shard := r.shards[topic.hash(len(r.shards))]
	shard.lock.Lock()
	subscribers, ok := shard.topics[topic]
	if !ok {
		subscribers = make(map[string]bool)
		shard.topics[topic] = subscribers
	}
	subscribers[sessionID] = true
	shard.lock.Unlock()

	rev := r.reverse[stringHash(sessionID, len(r.reverse))]
	rev.lock.Lock()
	defer rev.lock.Unlock()
	held, ok := rev.sessions[sessionID]
	if !ok {
		held = make(map[Topic]bool)
		rev.sessions[sessionID] = held
	}
	held[topic] = true
	log.WithFields(r.LogTags).Debugf("Session %s subscribed to %s", sessionID, topic)
}

// Unsubscribe remove a session from a topic's subscriber set
func (r *topicRegistryImpl) Unsubscribe(topic Topic, sessionID string) {
	shard := r.shards[topic.hash(len(r.shards))]
	shard.lock.Lock()
	if subscribers, ok := shard.topics[topic]; ok {
		delete(subscribers, sessionID)
		if len(subscribers) == 0 {
			delete(shard.topics, topic)
		}
	}
	shard.lock.Unlock()

	rev := r.reverse[stringHash(sessionID, len(r.reverse))]
	rev.lock.Lock()
	defer rev.lock.Unlock()
	if held, ok := rev.sessions[sessionID]; ok {
		delete(held, topic)
		if len(held) == 0 {
			delete(rev.sessions, sessionID)
		}
	}
	log.WithFields(r.LogTags).Debugf("Session %s left %s", sessionID, topic)
}

// Snapshot a point-in-time copy of a topic's subscriber set
func (r *topicRegistryImpl) Snapshot(topic Topic) []string {
	shard := r.shards[topic.hash(len(r.shards))]
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	subscribers := shard.topics[topic]
	result := make([]string, 0, len(subscribers))
	for sessionID := range subscribers {
		result = append(result, sessionID)
	}
	return result
}

// SnapshotMany the deduplicated union of subscriber sets across topics
func (r *topicRegistryImpl) SnapshotMany(kind TopicKind, topicIDs []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, topicID := range topicIDs {
		for _, sessionID := range r.Snapshot(Topic{Kind: kind, ID: topicID}) {
			if !seen[sessionID] {
				seen[sessionID] = true
				result = append(result, sessionID)
			}
		}
	}
	return result
}

// Subscribed check one (topic, session) membership
func (r *topicRegistryImpl) Subscribed(topic Topic, sessionID string) bool {
	shard := r.shards[topic.hash(len(r.shards))]
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	subscribers, ok := shard.topics[topic]
	return ok && subscribers[sessionID]
}

// TopicsOfSession a point-in-time copy of the topics a session holds
func (r *topicRegistryImpl) TopicsOfSession(sessionID string) []Topic {
	rev := r.reverse[stringHash(sessionID, len(r.reverse))]
	rev.lock.RLock()
	defer rev.lock.RUnlock()
	result := make([]Topic, 0, len(rev.sessions[sessionID]))
	for topic := range rev.sessions[sessionID] {
		result = append(result, topic)
	}
	return result
}

// ClearSession release every subscription a session holds
func (r *topicRegistryImpl) ClearSession(sessionID string) {
	for _, topic := range r.TopicsOfSession(sessionID) {
		r.Unsubscribe(topic, sessionID)
	}
	log.WithFields(r.LogTags).Debugf("Cleared all subscriptions of session %s", sessionID)
}
