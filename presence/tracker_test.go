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

package presence

import (
	"context"
	"testing"

	"github.com/acornchat/gateway/dispatch"
	"github.com/acornchat/gateway/memberlist"
	"github.com/stretchr/testify/assert"
)

// capturedPublish one topic publish seen by the capture dispatcher
type capturedPublish struct {
	topic     dispatch.Topic
	eventName string
	payload   Presence
}

// captureDispatcher records topic publishes
type captureDispatcher struct {
	publishes []capturedPublish
}

func (d *captureDispatcher) Subscribe(context.Context, dispatch.Topic, string) error {
	return nil
}
func (d *captureDispatcher) Unsubscribe(context.Context, dispatch.Topic, string) error {
	return nil
}
func (d *captureDispatcher) Publish(
	_ context.Context, topic dispatch.Topic, eventName string, payload interface{},
) error {
	d.publishes = append(d.publishes, capturedPublish{
		topic: topic, eventName: eventName, payload: payload.(Presence),
	})
	return nil
}
func (d *captureDispatcher) PublishMany(
	context.Context, dispatch.TopicKind, []string, string, interface{},
) error {
	return nil
}
func (d *captureDispatcher) PublishToUser(
	context.Context, string, string, interface{},
) error {
	return nil
}
func (d *captureDispatcher) PublishToSessions(
	context.Context, []string, string, interface{},
) error {
	return nil
}
func (d *captureDispatcher) PublishOrdered(
	context.Context, dispatch.Topic, []dispatch.OrderedStep,
) error {
	return nil
}
func (d *captureDispatcher) DropSession(context.Context, string) error {
	return nil
}

// capturedStatusChange one member list status update
type capturedStatusChange struct {
	guildID string
	entry   memberlist.MemberEntry
}

// captureMemberLists records status changes pushed into the member lists
type captureMemberLists struct {
	changes []capturedStatusChange
}

func (m *captureMemberLists) RequestRanges(
	context.Context, string, string, []memberlist.Range,
) error {
	return nil
}
func (m *captureMemberLists) HandleMemberAdd(
	context.Context, string, memberlist.MemberEntry,
) error {
	return nil
}
func (m *captureMemberLists) HandleMemberRemove(context.Context, string, string) error {
	return nil
}
func (m *captureMemberLists) HandleStatusChange(
	_ context.Context, guildID string, entry memberlist.MemberEntry,
) error {
	m.changes = append(m.changes, capturedStatusChange{guildID: guildID, entry: entry})
	return nil
}
func (m *captureMemberLists) ReleaseGuild(context.Context, string, string) error {
	return nil
}
func (m *captureMemberLists) ReleaseSession(context.Context, string) error {
	return nil
}
func (m *captureMemberLists) TrackedRanges(string, string) []memberlist.Range {
	return nil
}

// defineTestTracker helper assembling a tracker whose users all sit in two guilds
func defineTestTracker(t *testing.T) (Tracker, *captureDispatcher, *captureMemberLists) {
	dispatcher := &captureDispatcher{}
	members := &captureMemberLists{}
	reach := func(_ context.Context, userID string) ([]GuildReach, error) {
		return []GuildReach{
			{GuildID: "guild-1", DisplayName: "tester"},
			{GuildID: "guild-2", DisplayName: "tester"},
		}, nil
	}
	uut, err := GetTracker(dispatcher, members, reach)
	assert.Nil(t, err)
	return uut, dispatcher, members
}

func TestTrackerBroadcastFanout(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, dispatcher, members := defineTestTracker(t)

	changed, err := uut.SetStatus(ctxt, "user-1", memberlist.StatusIdle)
	assert.Nil(err)
	assert.True(changed)
	assert.Equal(memberlist.StatusIdle, uut.CurrentStatus("user-1"))

	// Two guild topics plus the user's friend topic
	assert.Len(dispatcher.publishes, 3)
	assert.Equal(
		dispatch.Topic{Kind: dispatch.KindGuild, ID: "guild-1"},
		dispatcher.publishes[0].topic,
	)
	assert.Equal("guild-1", dispatcher.publishes[0].payload.GuildID)
	assert.Equal(
		dispatch.Topic{Kind: dispatch.KindFriend, ID: "user-1"},
		dispatcher.publishes[2].topic,
	)
	assert.Empty(dispatcher.publishes[2].payload.GuildID)
	for _, publish := range dispatcher.publishes {
		assert.Equal(EventPresenceUpdate, publish.eventName)
		assert.Equal("user-1", publish.payload.User.ID)
		assert.Equal(memberlist.StatusIdle, publish.payload.Status)
	}

	// Each guild's member list hears about the move
	assert.Len(members.changes, 2)
	assert.Equal("guild-1", members.changes[0].guildID)
	assert.Equal("tester", members.changes[0].entry.DisplayName)
}

func TestTrackerDuplicateSuppression(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, dispatcher, members := defineTestTracker(t)

	changed, err := uut.SetStatus(ctxt, "user-1", memberlist.StatusOnline)
	assert.Nil(err)
	assert.True(changed)
	dispatcher.publishes = nil
	members.changes = nil

	// Same status again produces no traffic
	changed, err = uut.SetStatus(ctxt, "user-1", memberlist.StatusOnline)
	assert.Nil(err)
	assert.False(changed)
	assert.Empty(dispatcher.publishes)
	assert.Empty(members.changes)

	// Unknown users start offline, so setting offline is also a no-op
	changed, err = uut.SetStatus(ctxt, "user-2", memberlist.StatusOffline)
	assert.Nil(err)
	assert.False(changed)
}

func TestTrackerClearUser(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, dispatcher, _ := defineTestTracker(t)

	_, err := uut.SetStatus(ctxt, "user-1", memberlist.StatusDND)
	assert.Nil(err)
	dispatcher.publishes = nil

	// Clearing a visible user broadcasts offline
	assert.Nil(uut.ClearUser(ctxt, "user-1"))
	assert.Len(dispatcher.publishes, 3)
	assert.Equal(memberlist.StatusOffline, dispatcher.publishes[0].payload.Status)
	assert.Equal(memberlist.StatusOffline, uut.CurrentStatus("user-1"))

	// Clearing again is silent
	dispatcher.publishes = nil
	assert.Nil(uut.ClearUser(ctxt, "user-1"))
	assert.Empty(dispatcher.publishes)
}

func TestTrackerUnknownStatusClamped(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, _ := defineTestTracker(t)

	changed, err := uut.SetStatus(ctxt, "user-1", "invisible-to-some")
	assert.Nil(err)
	assert.True(changed)
	assert.Equal(memberlist.StatusOnline, uut.CurrentStatus("user-1"))
}
