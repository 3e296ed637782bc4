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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// defineTestDispatcher helper assembling a dispatcher with fresh registries
func defineTestDispatcher(t *testing.T) (Dispatcher, TopicRegistry, SessionRegistry) {
	topics, err := GetTopicRegistry(4)
	assert.Nil(t, err)
	sessions, err := GetSessionRegistry(4)
	assert.Nil(t, err)
	dispatcher, err := GetDispatcher(topics, sessions, 8)
	assert.Nil(t, err)
	return dispatcher, topics, sessions
}

// expectEvent helper popping one event off a record with a timeout
func expectEvent(t *testing.T, record *SessionRecord) Event {
	select {
	case event := <-record.Queue():
		record.NoteDelivered(event.Seq)
		return event
	case <-time.After(time.Millisecond * 100):
		assert.FailNow(t, "expected an event on the queue")
		return Event{}
	}
}

func TestDispatcherPublish(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, sessions := defineTestDispatcher(t)

	record1 := NewSessionRecord("session-1", "user-1", 0, 1, 16)
	record2 := NewSessionRecord("session-2", "user-2", 0, 1, 16)
	assert.Nil(sessions.Register(record1))
	assert.Nil(sessions.Register(record2))

	topic := Topic{Kind: KindGuild, ID: "guild-1"}
	assert.Nil(uut.Subscribe(ctxt, topic, "session-1"))
	assert.Nil(uut.Subscribe(ctxt, topic, "session-2"))

	assert.Nil(uut.Publish(ctxt, topic, "MESSAGE_CREATE", "payload-1"))

	for _, record := range []*SessionRecord{record1, record2} {
		event := expectEvent(t, record)
		assert.Equal("MESSAGE_CREATE", event.Name)
		assert.Equal("payload-1", event.Payload)
		assert.Equal(int64(1), event.Seq)
	}

	// Unsubscribed sessions see nothing further
	assert.Nil(uut.Unsubscribe(ctxt, topic, "session-2"))
	assert.Nil(uut.Publish(ctxt, topic, "MESSAGE_CREATE", "payload-2"))
	event := expectEvent(t, record1)
	assert.Equal(int64(2), event.Seq)
	assert.Empty(record2.Queue())
}

func TestDispatcherPublishManyDedup(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, sessions := defineTestDispatcher(t)

	record := NewSessionRecord("session-1", "user-1", 0, 1, 16)
	assert.Nil(sessions.Register(record))

	// One session subscribed to both target topics
	assert.Nil(uut.Subscribe(ctxt, Topic{Kind: KindGuild, ID: "guild-1"}, "session-1"))
	assert.Nil(uut.Subscribe(ctxt, Topic{Kind: KindGuild, ID: "guild-2"}, "session-1"))

	assert.Nil(uut.PublishMany(
		ctxt, KindGuild, []string{"guild-1", "guild-2"}, "PRESENCE_UPDATE", nil,
	))

	// Exactly one copy arrives
	event := expectEvent(t, record)
	assert.Equal("PRESENCE_UPDATE", event.Name)
	assert.Empty(record.Queue())
}

func TestDispatcherPublishToUser(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, sessions := defineTestDispatcher(t)

	record1 := NewSessionRecord("session-1", "user-1", 0, 1, 16)
	record2 := NewSessionRecord("session-2", "user-1", 0, 1, 16)
	record3 := NewSessionRecord("session-3", "user-2", 0, 1, 16)
	assert.Nil(sessions.Register(record1))
	assert.Nil(sessions.Register(record2))
	assert.Nil(sessions.Register(record3))

	assert.Nil(uut.PublishToUser(ctxt, "user-1", "USER_UPDATE", nil))

	assert.Equal("USER_UPDATE", expectEvent(t, record1).Name)
	assert.Equal("USER_UPDATE", expectEvent(t, record2).Name)
	assert.Empty(record3.Queue())
}

func TestDispatcherOverflowDropsSession(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, topics, sessions := defineTestDispatcher(t)

	record := NewSessionRecord("session-1", "user-1", 0, 1, 2)
	assert.Nil(sessions.Register(record))
	topic := Topic{Kind: KindChannel, ID: "channel-1"}
	assert.Nil(uut.Subscribe(ctxt, topic, "session-1"))

	// Fill the queue, then overflow it; publishers never see the failure
	assert.Nil(uut.Publish(ctxt, topic, "MESSAGE_CREATE", nil))
	assert.Nil(uut.Publish(ctxt, topic, "MESSAGE_CREATE", nil))
	assert.Nil(uut.Publish(ctxt, topic, "MESSAGE_CREATE", nil))

	// The session is gone: record killed, subscriptions cleared, deregistered
	select {
	case <-record.Killed():
	case <-time.After(time.Millisecond * 100):
		assert.FailNow("overflowed session should be killed")
	}
	_, ok := sessions.Get("session-1")
	assert.False(ok)
	assert.False(topics.Subscribed(topic, "session-1"))
}

func TestDispatcherOrderedLeaveFlow(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, topics, sessions := defineTestDispatcher(t)

	leaver := NewSessionRecord("session-leaver", "user-1", 0, 1, 16)
	bystander := NewSessionRecord("session-bystander", "user-2", 0, 1, 16)
	assert.Nil(sessions.Register(leaver))
	assert.Nil(sessions.Register(bystander))

	guild := Topic{Kind: KindGuild, ID: "guild-1"}
	assert.Nil(uut.Subscribe(ctxt, guild, "session-leaver"))
	assert.Nil(uut.Subscribe(ctxt, guild, "session-bystander"))

	steps := []OrderedStep{
		{Op: StepPublishToUser, UserID: "user-1", EventName: "GUILD_DELETE", Payload: nil},
		{Op: StepUnsubscribe, Topic: guild, SessionID: "session-leaver"},
		{Op: StepPublish, Topic: guild, EventName: "GUILD_MEMBER_REMOVE", Payload: nil},
	}
	assert.Nil(uut.PublishOrdered(ctxt, guild, steps))

	// The leaver sees only the private removal notice
	event := expectEvent(t, leaver)
	assert.Equal("GUILD_DELETE", event.Name)
	assert.Empty(leaver.Queue())
	assert.False(topics.Subscribed(guild, "session-leaver"))

	// The bystander sees only the member removal
	event = expectEvent(t, bystander)
	assert.Equal("GUILD_MEMBER_REMOVE", event.Name)
	assert.Empty(bystander.Queue())
}

func TestDispatcherDropSession(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, topics, sessions := defineTestDispatcher(t)

	record := NewSessionRecord("session-1", "user-1", 0, 1, 16)
	assert.Nil(sessions.Register(record))
	topic := Topic{Kind: KindUser, ID: "user-1"}
	assert.Nil(uut.Subscribe(ctxt, topic, "session-1"))

	assert.Nil(uut.DropSession(ctxt, "session-1"))
	_, ok := sessions.Get("session-1")
	assert.False(ok)
	assert.False(topics.Subscribed(topic, "session-1"))

	// Dropping again is safe, as is publishing into the void
	assert.Nil(uut.DropSession(ctxt, "session-1"))
	assert.Nil(uut.Publish(ctxt, topic, "USER_UPDATE", nil))
}
