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

package gateway

import (
	"encoding/json"
	"errors"
)

// Session protocol error taxonomy. ResumeExpired is deliberately distinct
// from AuthenticationFailed: it signals "start over with a full identify",
// not "credentials wrong".
var (
	// ErrHandshakeTimeout no IDENTIFY / RESUME arrived within the handshake window
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrAuthenticationFailed the identify credential did not resolve to a user
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrResumeExpired the prior session is gone, past its grace window, or
	// the client's sequence no longer connects to the queued events
	ErrResumeExpired = errors.New("resume expired")
	// ErrDecodeFailure the client sent a frame the protocol can not parse
	ErrDecodeFailure = errors.New("frame decode failure")
)

// Client protocol opcodes
const (
	OpDispatch        = 0
	OpHeartbeat       = 1
	OpIdentify        = 2
	OpStatusUpdate    = 3
	OpResume          = 6
	OpReconnect       = 7
	OpInvalidSession  = 9
	OpHello           = 10
	OpHeartbeatACK    = 11
	OpLazyRequest     = 14
)

// Socket close codes reported to clients
const (
	CloseUnknownError   = 4000
	CloseUnknownOpcode  = 4001
	CloseDecodeError    = 4002
	CloseAuthFailed     = 4004
	CloseSessionTimeout = 4009
)

// ClientFrame one frame read off the socket
type ClientFrame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// ServerFrame one frame written to the socket
type ServerFrame struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
	Seq  *int64      `json:"s,omitempty"`
	Type string      `json:"t,omitempty"`
}

// HelloData payload of the HELLO frame
type HelloData struct {
	// HeartbeatInterval expected client heartbeat cadence in milliseconds
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyData payload of an IDENTIFY handshake
type IdentifyData struct {
	Token          string            `json:"token" validate:"required"`
	Compress       bool              `json:"compress"`
	LargeThreshold int               `json:"large_threshold" validate:"gte=0"`
	Shard          []int             `json:"shard" validate:"omitempty,len=2"`
	Presence       *StatusUpdateData `json:"presence"`
}

// ResumeData payload of a RESUME handshake
type ResumeData struct {
	Token     string `json:"token" validate:"required"`
	SessionID string `json:"session_id" validate:"required"`
	Seq       int64  `json:"seq" validate:"gte=0"`
}

// StatusUpdateData payload of a STATUS_UPDATE frame
type StatusUpdateData struct {
	Status     string                   `json:"status"`
	AFK        bool                     `json:"afk"`
	Since      *int64                   `json:"since"`
	Activities []map[string]interface{} `json:"activities"`
}

// LazyRequestData payload of a LAZY_REQUEST frame; Channels maps a channel ID
// onto the member list index ranges the client wants materialized
type LazyRequestData struct {
	GuildID    string             `json:"guild_id" validate:"required"`
	Channels   map[string][][2]int `json:"channels"`
	Typing     bool               `json:"typing"`
	Activities bool               `json:"activities"`
	Members    []string           `json:"members"`
}

// ReadyData payload of the READY snapshot dispatched after a successful identify
type ReadyData struct {
	Version         int         `json:"v"`
	User            interface{} `json:"user"`
	SessionID       string      `json:"session_id"`
	Guilds          []string    `json:"guilds"`
	PrivateChannels []string    `json:"private_channels"`
	Relationships   []string    `json:"relationships"`
	Shard           []int       `json:"shard"`
}
