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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRosterCanonicalOrdering(t *testing.T) {
	assert := assert.New(t)

	uut := newRoster([]MemberEntry{
		{UserID: "user-1", DisplayName: "zoe", Status: StatusOffline},
		{UserID: "user-2", DisplayName: "Alice", Status: StatusOnline},
		{UserID: "user-3", DisplayName: "bob", Status: StatusIdle},
		{UserID: "user-4", DisplayName: "alice", Status: StatusDND},
	})

	assert.Equal(4, uut.length())
	assert.Equal(3, uut.onlineCount())

	// Non-offline bucket first, case-folded name order, user ID tie break
	ordered := uut.slice(0, 4)
	assert.Equal("user-2", ordered[0].UserID)
	assert.Equal("user-4", ordered[1].UserID)
	assert.Equal("user-3", ordered[2].UserID)
	assert.Equal("user-1", ordered[3].UserID)
}

func TestRosterSliceClamping(t *testing.T) {
	assert := assert.New(t)

	uut := newRoster([]MemberEntry{
		{UserID: "user-1", DisplayName: "a", Status: StatusOnline},
		{UserID: "user-2", DisplayName: "b", Status: StatusOnline},
	})

	assert.Len(uut.slice(0, 10), 2)
	assert.Len(uut.slice(-3, 1), 1)
	assert.Empty(uut.slice(5, 10))
	assert.Empty(uut.slice(1, 1))
}

func TestRosterInsertRemove(t *testing.T) {
	assert := assert.New(t)

	uut := newRoster([]MemberEntry{
		{UserID: "user-1", DisplayName: "alice", Status: StatusOnline},
		{UserID: "user-3", DisplayName: "carol", Status: StatusOnline},
	})

	idx := uut.insert(MemberEntry{UserID: "user-2", DisplayName: "bob", Status: StatusOnline})
	assert.Equal(1, idx)
	assert.Equal(1, uut.indexOf("user-2"))

	idx = uut.remove("user-1")
	assert.Equal(0, idx)
	assert.Equal(-1, uut.indexOf("user-1"))
	assert.Equal(-1, uut.remove("user-1"))
}

func TestRosterReposition(t *testing.T) {
	assert := assert.New(t)

	uut := newRoster([]MemberEntry{
		{UserID: "user-1", DisplayName: "alice", Status: StatusOnline},
		{UserID: "user-2", DisplayName: "bob", Status: StatusOnline},
		{UserID: "user-3", DisplayName: "carol", Status: StatusOnline},
	})

	// Going offline moves bob below the online bucket
	oldIdx, newIdx := uut.reposition(
		MemberEntry{UserID: "user-2", DisplayName: "bob", Status: StatusOffline},
	)
	assert.Equal(1, oldIdx)
	assert.Equal(2, newIdx)
	assert.Equal(2, uut.onlineCount())

	// A status change within the same bucket keeps the position
	oldIdx, newIdx = uut.reposition(
		MemberEntry{UserID: "user-1", DisplayName: "alice", Status: StatusIdle},
	)
	assert.Equal(0, oldIdx)
	assert.Equal(0, newIdx)

	// Unknown members do not move
	oldIdx, newIdx = uut.reposition(
		MemberEntry{UserID: "user-9", DisplayName: "zed", Status: StatusOnline},
	)
	assert.Equal(-1, oldIdx)
	assert.Equal(-1, newIdx)
}
