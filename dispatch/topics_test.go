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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicRegistryBasicOperation(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetTopicRegistry(4)
	assert.Nil(err)

	topic := Topic{Kind: KindGuild, ID: "guild-1"}

	// Subscribing twice is one membership
	uut.Subscribe(topic, "session-1")
	uut.Subscribe(topic, "session-1")
	uut.Subscribe(topic, "session-2")

	members := uut.Snapshot(topic)
	assert.Len(members, 2)
	assert.True(uut.Subscribed(topic, "session-1"))
	assert.True(uut.Subscribed(topic, "session-2"))
	assert.False(uut.Subscribed(topic, "session-3"))

	// Unknown topic yields empty, not error
	assert.Empty(uut.Snapshot(Topic{Kind: KindChannel, ID: "nope"}))

	uut.Unsubscribe(topic, "session-1")
	assert.False(uut.Subscribed(topic, "session-1"))
	assert.Len(uut.Snapshot(topic), 1)

	// Unsubscribe is idempotent
	uut.Unsubscribe(topic, "session-1")
	assert.Len(uut.Snapshot(topic), 1)
}

func TestTopicRegistryReverseIndex(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetTopicRegistry(4)
	assert.Nil(err)

	guild := Topic{Kind: KindGuild, ID: "guild-1"}
	channel := Topic{Kind: KindChannel, ID: "channel-1"}
	friend := Topic{Kind: KindFriend, ID: "user-9"}

	uut.Subscribe(guild, "session-1")
	uut.Subscribe(channel, "session-1")
	uut.Subscribe(friend, "session-1")
	uut.Subscribe(guild, "session-2")

	held := uut.TopicsOfSession("session-1")
	assert.Len(held, 3)

	uut.ClearSession("session-1")
	assert.Empty(uut.TopicsOfSession("session-1"))
	assert.False(uut.Subscribed(guild, "session-1"))
	assert.False(uut.Subscribed(channel, "session-1"))
	assert.False(uut.Subscribed(friend, "session-1"))
	// Other sessions are untouched
	assert.True(uut.Subscribed(guild, "session-2"))

	// Clearing an unknown session is a no-op
	uut.ClearSession("session-unknown")
}

func TestTopicRegistrySnapshotMany(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetTopicRegistry(4)
	assert.Nil(err)

	guild1 := Topic{Kind: KindGuild, ID: "guild-1"}
	guild2 := Topic{Kind: KindGuild, ID: "guild-2"}

	// session-1 sits in both guilds, session-2 in one
	uut.Subscribe(guild1, "session-1")
	uut.Subscribe(guild2, "session-1")
	uut.Subscribe(guild2, "session-2")

	union := uut.SnapshotMany(KindGuild, []string{"guild-1", "guild-2", "guild-3"})
	assert.Len(union, 2)
	assert.Contains(union, "session-1")
	assert.Contains(union, "session-2")
}
