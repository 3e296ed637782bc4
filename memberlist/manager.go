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

package memberlist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/dispatch"
	"github.com/apex/log"
)

// EventMemberListUpdate the dispatch event name carrying list deltas
const EventMemberListUpdate = "GUILD_MEMBER_LIST_UPDATE"

// List op names as seen by clients
const (
	OpSync   = "SYNC"
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// defaultListID the member list identity; one list per guild
const defaultListID = "everyone"

// Range one half-open [Start, End) index range into a guild's member list
type Range struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gtefield=Start"`
}

// overlaps check whether an index span [lo, hi] intersects the range
func (r Range) overlaps(lo, hi int) bool {
	return lo < r.End && hi >= r.Start
}

// ListOp one incremental member list operation
type ListOp struct {
	Op    string        `json:"op"`
	Range *[2]int       `json:"range,omitempty"`
	Index *int          `json:"index,omitempty"`
	Items []MemberEntry `json:"items,omitempty"`
	Item  *MemberEntry  `json:"item,omitempty"`
}

// GroupInfo one status bucket summary
type GroupInfo struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// ListUpdate the GUILD_MEMBER_LIST_UPDATE payload
type ListUpdate struct {
	GuildID     string      `json:"guild_id"`
	ListID      string      `json:"id"`
	Groups      []GroupInfo `json:"groups"`
	OnlineCount int         `json:"online_count"`
	MemberCount int         `json:"member_count"`
	Ops         []ListOp    `json:"ops"`
}

// RosterLoader fetch a guild's member snapshot with current statuses; wired
// from the storage collaborator and the presence tracker
type RosterLoader func(ctxt context.Context, guildID string) ([]MemberEntry, error)

// ========================================================================================

// Manager the lazy member list subsystem. Tracks, per guild and per session,
// which contiguous index ranges of the sorted member list the session has
// materialized, and emits incremental range updates instead of full
// snapshots. Sessions with no overlapping range receive nothing.
type Manager interface {
	// RequestRanges replace a session's tracked range set for a guild and
	// emit a SYNC snapshot of the members occupying those ranges
	RequestRanges(ctxt context.Context, guildID, sessionID string, ranges []Range) error
	// HandleMemberAdd apply a membership addition and notify affected sessions
	HandleMemberAdd(ctxt context.Context, guildID string, entry MemberEntry) error
	// HandleMemberRemove apply a membership removal and notify affected sessions
	HandleMemberRemove(ctxt context.Context, guildID, userID string) error
	// HandleStatusChange apply a presence bucket / display change as a
	// remove-at-old-index plus insert-at-new-index within one update
	HandleStatusChange(ctxt context.Context, guildID string, entry MemberEntry) error
	// ReleaseGuild drop one session's tracked ranges for one guild
	ReleaseGuild(ctxt context.Context, guildID, sessionID string) error
	// ReleaseSession drop one session's tracked ranges everywhere
	ReleaseSession(ctxt context.Context, sessionID string) error
	// TrackedRanges a session's current range set for a guild; for inspection
	TrackedRanges(guildID, sessionID string) []Range
}

// guildList one guild's materialized list state
type guildList struct {
	lock   sync.Mutex
	roster *roster
	ranges map[string][]Range
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	lock       sync.RWMutex
	lists      map[string]*guildList
	dispatcher dispatch.Dispatcher
	loader     RosterLoader
}

// GetManager define a lazy member list manager on top of the dispatch engine
func GetManager(dispatcher dispatch.Dispatcher, loader RosterLoader) (Manager, error) {
	if dispatcher == nil || loader == nil {
		return nil, fmt.Errorf("member list manager requires a dispatcher and a roster loader")
	}
	logTags := log.Fields{"module": "memberlist", "component": "manager"}
	return &managerImpl{
		Component:  common.Component{LogTags: logTags},
		lists:      make(map[string]*guildList),
		dispatcher: dispatcher,
		loader:     loader,
	}, nil
}

// normalizeRanges sort the requested ranges and merge any overlap so the
// tracked set never contains overlapping ranges
func normalizeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	work := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End > r.Start {
			work = append(work, r)
		}
	}
	sort.Slice(work, func(i, j int) bool { return work[i].Start < work[j].Start })
	var result []Range
	for _, r := range work {
		if len(result) > 0 && r.Start <= result[len(result)-1].End {
			if r.End > result[len(result)-1].End {
				result[len(result)-1].End = r.End
			}
			continue
		}
		result = append(result, r)
	}
	return result
}

// getOrLoad fetch a guild's list state, materializing the roster on first use
func (m *managerImpl) getOrLoad(ctxt context.Context, guildID string) (*guildList, error) {
	m.lock.RLock()
	list, ok := m.lists[guildID]
	m.lock.RUnlock()
	if ok {
		return list, nil
	}

	members, err := m.loader(ctxt, guildID)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if list, ok := m.lists[guildID]; ok {
		return list, nil
	}
	list = &guildList{roster: newRoster(members), ranges: make(map[string][]Range)}
	m.lists[guildID] = list
	log.WithFields(m.LogTags).Debugf(
		"Materialized member list for guild %s with %d members", guildID, list.roster.length(),
	)
	return list, nil
}

// peek fetch a guild's list state only if already materialized
func (m *managerImpl) peek(guildID string) (*guildList, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	list, ok := m.lists[guildID]
	return list, ok
}

// gcIfIdle drop a guild's list once nothing tracks it. Caller holds list.lock.
func (m *managerImpl) gcIfIdle(guildID string, list *guildList) {
	if len(list.ranges) > 0 {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if current, ok := m.lists[guildID]; ok && current == list && len(list.ranges) == 0 {
		delete(m.lists, guildID)
		log.WithFields(m.LogTags).Debugf("Garbage collected member list for guild %s", guildID)
	}
}

// updateFor assemble the common ListUpdate envelope. Caller holds list.lock.
func updateFor(guildID string, list *guildList, ops []ListOp) ListUpdate {
	online := list.roster.onlineCount()
	total := list.roster.length()
	return ListUpdate{
		GuildID: guildID,
		ListID:  defaultListID,
		Groups: []GroupInfo{
			{ID: "online", Count: online},
			{ID: "offline", Count: total - online},
		},
		OnlineCount: online,
		MemberCount: total,
		Ops:         ops,
	}
}

// affectedSessions sessions whose tracked ranges intersect [lo, hi]. Caller
// holds list.lock.
func affectedSessions(list *guildList, lo, hi int) []string {
	var result []string
	for sessionID, ranges := range list.ranges {
		for _, r := range ranges {
			if r.overlaps(lo, hi) {
				result = append(result, sessionID)
				break
			}
		}
	}
	return result
}

// RequestRanges replace a session's tracked range set for a guild
func (m *managerImpl) RequestRanges(
	ctxt context.Context, guildID, sessionID string, ranges []Range,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	list, err := m.getOrLoad(ctxt, guildID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to materialize member list for guild %s", guildID,
		)
		return err
	}

	normalized := normalizeRanges(ranges)

	list.lock.Lock()
	if len(normalized) == 0 {
		delete(list.ranges, sessionID)
		m.gcIfIdle(guildID, list)
		list.lock.Unlock()
		return nil
	}
	list.ranges[sessionID] = normalized
	ops := make([]ListOp, 0, len(normalized))
	for _, r := range normalized {
		window := [2]int{r.Start, r.End}
		ops = append(ops, ListOp{
			Op:    OpSync,
			Range: &window,
			Items: list.roster.slice(r.Start, r.End),
		})
	}
	payload := updateFor(guildID, list, ops)
	list.lock.Unlock()

	return m.dispatcher.PublishToSessions(
		ctxt, []string{sessionID}, EventMemberListUpdate, payload,
	)
}

// HandleMemberAdd apply a membership addition
func (m *managerImpl) HandleMemberAdd(
	ctxt context.Context, guildID string, entry MemberEntry,
) error {
	list, ok := m.peek(guildID)
	if !ok {
		// No session tracks this guild's list; nothing is materialized
		return nil
	}

	list.lock.Lock()
	idx := list.roster.insert(entry)
	item := entry
	ops := []ListOp{{Op: OpInsert, Index: &idx, Item: &item}}
	// Insertion shifts everything at or beyond the index
	targets := affectedSessions(list, idx, list.roster.length())
	payload := updateFor(guildID, list, ops)
	list.lock.Unlock()

	if len(targets) == 0 {
		return nil
	}
	return m.dispatcher.PublishToSessions(ctxt, targets, EventMemberListUpdate, payload)
}

// HandleMemberRemove apply a membership removal
func (m *managerImpl) HandleMemberRemove(ctxt context.Context, guildID, userID string) error {
	list, ok := m.peek(guildID)
	if !ok {
		return nil
	}

	list.lock.Lock()
	idx := list.roster.remove(userID)
	if idx < 0 {
		list.lock.Unlock()
		return nil
	}
	ops := []ListOp{{Op: OpDelete, Index: &idx}}
	targets := affectedSessions(list, idx, list.roster.length()+1)
	payload := updateFor(guildID, list, ops)
	list.lock.Unlock()

	if len(targets) == 0 {
		return nil
	}
	return m.dispatcher.PublishToSessions(ctxt, targets, EventMemberListUpdate, payload)
}

// HandleStatusChange apply a presence bucket / display change
func (m *managerImpl) HandleStatusChange(
	ctxt context.Context, guildID string, entry MemberEntry,
) error {
	list, ok := m.peek(guildID)
	if !ok {
		return nil
	}

	list.lock.Lock()
	oldIdx, newIdx := list.roster.reposition(entry)
	if oldIdx < 0 {
		list.lock.Unlock()
		return nil
	}
	item := entry
	var ops []ListOp
	if oldIdx == newIdx {
		idx := newIdx
		ops = []ListOp{{Op: OpUpdate, Index: &idx, Item: &item}}
	} else {
		// Remove at the old index first so a client applying ops in order
		// always works against valid indexes
		removeAt, insertAt := oldIdx, newIdx
		ops = []ListOp{
			{Op: OpDelete, Index: &removeAt},
			{Op: OpInsert, Index: &insertAt, Item: &item},
		}
	}
	lo, hi := oldIdx, newIdx
	if lo > hi {
		lo, hi = hi, lo
	}
	targets := affectedSessions(list, lo, hi)
	payload := updateFor(guildID, list, ops)
	list.lock.Unlock()

	if len(targets) == 0 {
		return nil
	}
	return m.dispatcher.PublishToSessions(ctxt, targets, EventMemberListUpdate, payload)
}

// ReleaseGuild drop one session's tracked ranges for one guild
func (m *managerImpl) ReleaseGuild(ctxt context.Context, guildID, sessionID string) error {
	list, ok := m.peek(guildID)
	if !ok {
		return nil
	}
	list.lock.Lock()
	delete(list.ranges, sessionID)
	m.gcIfIdle(guildID, list)
	list.lock.Unlock()
	return nil
}

// ReleaseSession drop one session's tracked ranges everywhere
func (m *managerImpl) ReleaseSession(ctxt context.Context, sessionID string) error {
	m.lock.RLock()
	guilds := make([]string, 0, len(m.lists))
	for guildID := range m.lists {
		guilds = append(guilds, guildID)
	}
	m.lock.RUnlock()
	for _, guildID := range guilds {
		_ = m.ReleaseGuild(ctxt, guildID, sessionID)
	}
	return nil
}

// TrackedRanges a session's current range set for a guild
func (m *managerImpl) TrackedRanges(guildID, sessionID string) []Range {
	list, ok := m.peek(guildID)
	if !ok {
		return nil
	}
	list.lock.Lock()
	defer list.lock.Unlock()
	tracked := list.ranges[sessionID]
	result := make([]Range, len(tracked))
	copy(result, tracked)
	return result
}
