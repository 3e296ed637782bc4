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
	"fmt"
	"sync"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/dispatch"
	"github.com/acornchat/gateway/memberlist"
	"github.com/apex/log"
)

// EventPresenceUpdate the dispatch event name for presence changes
const EventPresenceUpdate = "PRESENCE_UPDATE"

// PresenceUser the user identity portion of a presence payload
type PresenceUser struct {
	ID string `json:"id"`
}

// Presence one user's visible presence
type Presence struct {
	User    PresenceUser `json:"user"`
	Status  string       `json:"status"`
	GuildID string       `json:"guild_id,omitempty"`
}

// ReachFinder resolve the audience for a user's presence: the guilds the
// user belongs to, with each member's current display name per guild
type ReachFinder func(ctxt context.Context, userID string) ([]GuildReach, error)

// GuildReach one guild a user's presence reaches
type GuildReach struct {
	GuildID     string
	DisplayName string
}

// ========================================================================================

// Tracker the presence subsystem. Holds each user's last broadcast status,
// suppresses duplicate updates, and fans accepted changes out to guild and
// friend audiences plus the member list manager.
type Tracker interface {
	// SetStatus record a user's status and broadcast it if it changed.
	// Returns whether a broadcast occurred.
	SetStatus(ctxt context.Context, userID, status string) (bool, error)
	// CurrentStatus a user's last accepted status; offline when unknown
	CurrentStatus(userID string) string
	// ClearUser drop a user's tracked status, broadcasting offline first if
	// the user was visible. Used when a user's final session is dropped.
	ClearUser(ctxt context.Context, userID string) error
}

// trackerImpl implements Tracker
type trackerImpl struct {
	common.Component
	lock       sync.Mutex
	statuses   map[string]string
	dispatcher dispatch.Dispatcher
	members    memberlist.Manager
	reach      ReachFinder
}

// GetTracker define a presence tracker on top of the dispatch engine
func GetTracker(
	dispatcher dispatch.Dispatcher, members memberlist.Manager, reach ReachFinder,
) (Tracker, error) {
	if dispatcher == nil || members == nil || reach == nil {
		return nil, fmt.Errorf(
			"presence tracker requires a dispatcher, a member list manager, and a reach finder",
		)
	}
	logTags := log.Fields{"module": "presence", "component": "tracker"}
	return &trackerImpl{
		Component:  common.Component{LogTags: logTags},
		statuses:   make(map[string]string),
		dispatcher: dispatcher,
		members:    members,
		reach:      reach,
	}, nil
}

// normalizeStatus clamp unknown status strings to online
func normalizeStatus(status string) string {
	switch status {
	case memberlist.StatusOnline, memberlist.StatusIdle,
		memberlist.StatusDND, memberlist.StatusOffline:
		return status
	default:
		return memberlist.StatusOnline
	}
}

// SetStatus record a user's status and broadcast it if it changed
func (t *trackerImpl) SetStatus(ctxt context.Context, userID, status string) (bool, error) {
	status = normalizeStatus(status)

	t.lock.Lock()
	previous, known := t.statuses[userID]
	if !known {
		previous = memberlist.StatusOffline
	}
	if previous == status {
		t.lock.Unlock()
		return false, nil
	}
	if status == memberlist.StatusOffline {
		delete(t.statuses, userID)
	} else {
		t.statuses[userID] = status
	}
	t.lock.Unlock()

	return true, t.broadcast(ctxt, userID, status)
}

// CurrentStatus a user's last accepted status
func (t *trackerImpl) CurrentStatus(userID string) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	if status, ok := t.statuses[userID]; ok {
		return status
	}
	return memberlist.StatusOffline
}

// ClearUser drop a user's tracked status
func (t *trackerImpl) ClearUser(ctxt context.Context, userID string) error {
	t.lock.Lock()
	_, known := t.statuses[userID]
	delete(t.statuses, userID)
	t.lock.Unlock()
	if !known {
		return nil
	}
	return t.broadcast(ctxt, userID, memberlist.StatusOffline)
}

// broadcast fan a presence change out to guild topics, the friend topic, and
// the member list manager
func (t *trackerImpl) broadcast(ctxt context.Context, userID, status string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, t.LogTags)

	reach, err := t.reach(ctxt, userID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to resolve presence reach for user %s", userID,
		)
		return err
	}

	// Per-guild publishes rather than a single multi-topic publish, as the
	// payload carries the guild ID it was scoped to
	for _, guild := range reach {
		payload := Presence{
			User: PresenceUser{ID: userID}, Status: status, GuildID: guild.GuildID,
		}
		topic := dispatch.Topic{Kind: dispatch.KindGuild, ID: guild.GuildID}
		if err := t.dispatcher.Publish(ctxt, topic, EventPresenceUpdate, payload); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Presence publish failed on %s", topic,
			)
			return err
		}
	}
	friendTopic := dispatch.Topic{Kind: dispatch.KindFriend, ID: userID}
	friendPayload := Presence{User: PresenceUser{ID: userID}, Status: status}
	if err := t.dispatcher.Publish(
		ctxt, friendTopic, EventPresenceUpdate, friendPayload,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Presence publish failed on %s", friendTopic,
		)
		return err
	}

	for _, guild := range reach {
		entry := memberlist.MemberEntry{
			UserID: userID, DisplayName: guild.DisplayName, Status: status,
		}
		if err := t.members.HandleStatusChange(ctxt, guild.GuildID, entry); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Member list status update failed for guild %s", guild.GuildID,
			)
			return err
		}
	}
	return nil
}
