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
	"sort"
	"strings"
)

// Member statuses recognized by the roster ordering
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

// MemberEntry one member as positioned in a guild's sorted member list
type MemberEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

// bucketRank canonical ordering bucket: all non-offline statuses group
// together ahead of offline
func bucketRank(status string) int {
	if status == StatusOffline || status == "" {
		return 1
	}
	return 0
}

// entryLess the canonical member list ordering: online bucket first, then
// case-folded display name, user ID as the final tie break
func entryLess(a, b MemberEntry) bool {
	rankA, rankB := bucketRank(a.Status), bucketRank(b.Status)
	if rankA != rankB {
		return rankA < rankB
	}
	nameA, nameB := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
	if nameA != nameB {
		return nameA < nameB
	}
	return a.UserID < b.UserID
}

// roster a guild's member list kept in canonical order. Not safe for
// concurrent use; the owning guildList serializes access.
type roster struct {
	entries []MemberEntry
}

// newRoster build a roster from an unsorted member snapshot
func newRoster(members []MemberEntry) *roster {
	entries := make([]MemberEntry, len(members))
	copy(entries, members)
	sort.Slice(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
	return &roster{entries: entries}
}

// length current roster size
func (r *roster) length() int {
	return len(r.entries)
}

// onlineCount members currently in the online bucket
func (r *roster) onlineCount() int {
	count := 0
	for _, entry := range r.entries {
		if bucketRank(entry.Status) == 0 {
			count++
		}
	}
	return count
}

// indexOf locate a member by user ID; -1 when absent
func (r *roster) indexOf(userID string) int {
	for idx, entry := range r.entries {
		if entry.UserID == userID {
			return idx
		}
	}
	return -1
}

// slice the members occupying [start, end); clamped to the roster bounds
func (r *roster) slice(start, end int) []MemberEntry {
	if start < 0 {
		start = 0
	}
	if end > len(r.entries) {
		end = len(r.entries)
	}
	if start >= end {
		return []MemberEntry{}
	}
	result := make([]MemberEntry, end-start)
	copy(result, r.entries[start:end])
	return result
}

// insert place a member at its canonical position and return that index
func (r *roster) insert(entry MemberEntry) int {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return !entryLess(r.entries[i], entry)
	})
	r.entries = append(r.entries, MemberEntry{})
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = entry
	return idx
}

// remove drop a member and return its prior index; -1 when absent
func (r *roster) remove(userID string) int {
	idx := r.indexOf(userID)
	if idx < 0 {
		return -1
	}
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	return idx
}

// reposition apply a status / display name change as remove-at-old-index plus
// insert-at-new-index so observers applying the two in order keep valid
// indexes. Returns (-1, -1) when the member is absent.
func (r *roster) reposition(entry MemberEntry) (int, int) {
	oldIdx := r.remove(entry.UserID)
	if oldIdx < 0 {
		return -1, -1
	}
	newIdx := r.insert(entry)
	return oldIdx, newIdx
}
