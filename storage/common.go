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

package storage

import (
	"context"
	"errors"
)

// ErrNotFound the requested entity does not exist
var ErrNotFound = errors.New("entity not found")

// ErrDiscriminatorExhausted no free discriminator was found within the
// attempt budget; surfaced to callers as a user-facing conflict
var ErrDiscriminatorExhausted = errors.New("no free discriminator for username")

// User one chat user account
type User struct {
	ID            string `bson:"_id" json:"id"`
	Username      string `bson:"username" json:"username"`
	Discriminator string `bson:"discriminator" json:"discriminator"`
	Avatar        string `bson:"avatar,omitempty" json:"avatar,omitempty"`
	Bot           bool   `bson:"bot" json:"bot"`
}

// Member one user's membership within a guild
type Member struct {
	UserID  string `bson:"user_id" json:"user_id"`
	GuildID string `bson:"guild_id" json:"guild_id"`
	// Nick the per-guild display name override; empty means the username is shown
	Nick string `bson:"nick,omitempty" json:"nick,omitempty"`
}

// Backend the read accessors the gateway core consumes while rebuilding a
// session's subscription set at identify / resume time. Results are
// eventually-consistent snapshots, never transactional with any publish that
// follows.
type Backend interface {
	// GetUserByToken resolve an authentication token to its user
	GetUserByToken(ctxt context.Context, token string) (User, error)
	// GetUser fetch one user by ID
	GetUser(ctxt context.Context, userID string) (User, error)
	// GetUserGuilds the guild IDs a user belongs to
	GetUserGuilds(ctxt context.Context, userID string) ([]string, error)
	// GetFriendIDs the user IDs a user has an accepted friendship with
	GetFriendIDs(ctxt context.Context, userID string) ([]string, error)
	// GetPrivateChannels the DM channel IDs a user participates in
	GetPrivateChannels(ctxt context.Context, userID string) ([]string, error)
	// GetGuildMembers the member roster of a guild
	GetGuildMembers(ctxt context.Context, guildID string) ([]Member, error)
	// AssignDiscriminator pick a free discriminator for a username with a
	// bounded attempt budget; ErrDiscriminatorExhausted on conflict
	AssignDiscriminator(ctxt context.Context, username string) (string, error)
}
