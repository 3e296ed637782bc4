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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/dispatch"
	"github.com/acornchat/gateway/memberlist"
	"github.com/acornchat/gateway/presence"
	"github.com/acornchat/gateway/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// protocolVersion reported in the READY snapshot
const protocolVersion = 6

// Dispatch event names emitted by the session protocol itself
const (
	eventReady   = "READY"
	eventResumed = "RESUMED"
)

// SessionHandler drives one client connection through the session protocol:
// hello, handshake, event drain, liveness, and teardown. One handler serves
// many connections; all per-connection state lives in the session record.
type SessionHandler interface {
	// Handle run one connection's full lifecycle. Blocks until the
	// connection is finished.
	Handle(ctxt context.Context, conn Connection) error
}

// sessionHandlerImpl implements SessionHandler
type sessionHandlerImpl struct {
	common.Component
	config     common.SessionConfig
	dispatcher dispatch.Dispatcher
	registry   dispatch.SessionRegistry
	store      storage.Backend
	members    memberlist.Manager
	presences  presence.Tracker
	validate   *validator.Validate
}

// GetSessionHandler define a session protocol handler
func GetSessionHandler(
	config common.SessionConfig,
	dispatcher dispatch.Dispatcher,
	registry dispatch.SessionRegistry,
	store storage.Backend,
	members memberlist.Manager,
	presences presence.Tracker,
) (SessionHandler, error) {
	if dispatcher == nil || registry == nil || store == nil ||
		members == nil || presences == nil {
		return nil, fmt.Errorf("session handler is missing a collaborator")
	}
	logTags := log.Fields{"module": "gateway", "component": "session-handler"}
	return &sessionHandlerImpl{
		Component:  common.Component{LogTags: logTags},
		config:     config,
		dispatcher: dispatcher,
		registry:   registry,
		store:      store,
		members:    members,
		presences:  presences,
		validate:   validator.New(),
	}, nil
}

// Handle run one connection's full lifecycle
func (h *sessionHandlerImpl) Handle(ctxt context.Context, conn Connection) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, h.LogTags)

	hello := ServerFrame{
		Op: OpHello,
		Data: HelloData{
			HeartbeatInterval: int64(h.config.HeartbeatInterval) * 1000,
		},
	}
	if err := conn.WriteFrame(hello); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to send HELLO")
		return err
	}

	record, err := h.handshake(ctxt, conn, localLogTags)
	if err != nil {
		return err
	}
	return h.serve(ctxt, conn, record, localLogTags)
}

// handshake wait for IDENTIFY or RESUME and produce a READY session record
func (h *sessionHandlerImpl) handshake(
	ctxt context.Context, conn Connection, localLogTags log.Fields,
) (*dispatch.SessionRecord, error) {
	deadline := time.Duration(h.config.HandshakeTimeout) * time.Second
	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		frame, err := conn.ReadFrame()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				_ = conn.Close(CloseSessionTimeout, "handshake timeout")
				return nil, ErrHandshakeTimeout
			}
			_ = conn.Close(CloseUnknownError, "read failure")
			return nil, err
		}

		switch frame.Op {
		case OpIdentify:
			var payload IdentifyData
			if err := h.decode(frame.Data, &payload); err != nil {
				_ = conn.Close(CloseDecodeError, "malformed IDENTIFY")
				return nil, ErrDecodeFailure
			}
			return h.startFresh(ctxt, conn, payload, localLogTags)

		case OpResume:
			var payload ResumeData
			if err := h.decode(frame.Data, &payload); err != nil {
				_ = conn.Close(CloseDecodeError, "malformed RESUME")
				return nil, ErrDecodeFailure
			}
			record, err := h.resume(ctxt, conn, payload, localLogTags)
			if err == ErrResumeExpired {
				// Tell the client to start over; the next frame should be a
				// fresh IDENTIFY on the same socket
				invalid := ServerFrame{Op: OpInvalidSession, Data: false}
				if err := conn.WriteFrame(invalid); err != nil {
					return nil, err
				}
				continue
			}
			return record, err

		case OpHeartbeat:
			// Clients are allowed to heartbeat before authenticating
			if err := conn.WriteFrame(ServerFrame{Op: OpHeartbeatACK}); err != nil {
				return nil, err
			}
			continue

		default:
			_ = conn.Close(CloseUnknownOpcode, "expected IDENTIFY or RESUME")
			return nil, fmt.Errorf("unexpected opcode %d during handshake", frame.Op)
		}
	}
}

// decode parse and validate one client payload
func (h *sessionHandlerImpl) decode(raw json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return err
	}
	return h.validate.Struct(target)
}

// startFresh authenticate an IDENTIFY, build the session record, snapshot the
// READY state, and install the subscription set
func (h *sessionHandlerImpl) startFresh(
	ctxt context.Context, conn Connection, payload IdentifyData, localLogTags log.Fields,
) (*dispatch.SessionRecord, error) {
	user, err := h.store.GetUserByToken(ctxt, payload.Token)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Identify rejected")
		_ = conn.Close(CloseAuthFailed, "authentication failed")
		return nil, ErrAuthenticationFailed
	}

	shardIdx, shardCount := 0, 1
	if len(payload.Shard) == 2 {
		shardIdx, shardCount = payload.Shard[0], payload.Shard[1]
	}

	sessionID := uuid.New().String()
	record := dispatch.NewSessionRecord(
		sessionID, user.ID, shardIdx, shardCount, h.config.QueueDepth,
	)
	record.SetState(dispatch.StateIdentifying)
	if err := h.registry.Register(record); err != nil {
		_ = conn.Close(CloseUnknownError, "session registration failed")
		return nil, err
	}

	guilds, err := h.store.GetUserGuilds(ctxt, user.ID)
	if err != nil {
		return nil, h.abortFresh(ctxt, conn, record, err, localLogTags)
	}
	friends, err := h.store.GetFriendIDs(ctxt, user.ID)
	if err != nil {
		return nil, h.abortFresh(ctxt, conn, record, err, localLogTags)
	}
	privateChannels, err := h.store.GetPrivateChannels(ctxt, user.ID)
	if err != nil {
		return nil, h.abortFresh(ctxt, conn, record, err, localLogTags)
	}

	// READY goes on the queue before any subscription exists, so it always
	// carries sequence number one and nothing can interleave ahead of it
	ready := ReadyData{
		Version:         protocolVersion,
		User:            user,
		SessionID:       sessionID,
		Guilds:          guilds,
		PrivateChannels: privateChannels,
		Relationships:   friends,
		Shard:           []int{shardIdx, shardCount},
	}
	if err := record.Enqueue(eventReady, ready); err != nil {
		return nil, h.abortFresh(ctxt, conn, record, err, localLogTags)
	}

	if err := h.subscribeAll(ctxt, record, guilds, friends, privateChannels); err != nil {
		return nil, h.abortFresh(ctxt, conn, record, err, localLogTags)
	}

	status := memberlist.StatusOnline
	if payload.Presence != nil && payload.Presence.Status != "" {
		status = payload.Presence.Status
	}
	if _, err := h.presences.SetStatus(ctxt, user.ID, status); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Initial presence broadcast failed")
	}

	record.SetState(dispatch.StateReady)
	log.WithFields(localLogTags).Infof(
		"Session %s READY for user %s", sessionID, user.ID,
	)
	return record, nil
}

// abortFresh unwind a partially built session after an identify failure
func (h *sessionHandlerImpl) abortFresh(
	ctxt context.Context,
	conn Connection,
	record *dispatch.SessionRecord,
	cause error,
	localLogTags log.Fields,
) error {
	log.WithError(cause).WithFields(localLogTags).Errorf(
		"Unable to finish identify for session %s", record.SessionID,
	)
	_ = h.dispatcher.DropSession(ctxt, record.SessionID)
	_ = conn.Close(CloseUnknownError, "identify failed")
	return cause
}

// subscribeAll install a READY session's full subscription set
func (h *sessionHandlerImpl) subscribeAll(
	ctxt context.Context,
	record *dispatch.SessionRecord,
	guilds, friends, privateChannels []string,
) error {
	subscriptions := make([]dispatch.Topic, 0, len(guilds)+len(friends)+len(privateChannels)+1)
	subscriptions = append(
		subscriptions, dispatch.Topic{Kind: dispatch.KindUser, ID: record.UserID},
	)
	for _, guildID := range guilds {
		subscriptions = append(
			subscriptions, dispatch.Topic{Kind: dispatch.KindGuild, ID: guildID},
		)
	}
	for _, friendID := range friends {
		subscriptions = append(
			subscriptions, dispatch.Topic{Kind: dispatch.KindFriend, ID: friendID},
		)
	}
	for _, channelID := range privateChannels {
		subscriptions = append(
			subscriptions, dispatch.Topic{Kind: dispatch.KindChannel, ID: channelID},
		)
	}
	for _, topic := range subscriptions {
		if err := h.dispatcher.Subscribe(ctxt, topic, record.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// resume validate a RESUME against the surviving session record and reattach.
// ErrResumeExpired on any mismatch; the caller turns that into INVALID_SESSION.
func (h *sessionHandlerImpl) resume(
	ctxt context.Context, conn Connection, payload ResumeData, localLogTags log.Fields,
) (*dispatch.SessionRecord, error) {
	user, err := h.store.GetUserByToken(ctxt, payload.Token)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Resume rejected")
		_ = conn.Close(CloseAuthFailed, "authentication failed")
		return nil, ErrAuthenticationFailed
	}

	record, ok := h.registry.Get(payload.SessionID)
	if !ok || record.UserID != user.ID {
		return nil, ErrResumeExpired
	}
	grace := time.Duration(h.config.ResumeGraceWindow) * time.Second
	if record.ResumeExpired(grace) {
		_ = h.dispatcher.DropSession(ctxt, record.SessionID)
		return nil, ErrResumeExpired
	}
	// Single winner per session. A concurrent resume that loses this
	// transition must not touch the record; the winner now owns it.
	if !record.TrySetState(dispatch.StateDisconnected, dispatch.StateResuming) {
		return nil, ErrResumeExpired
	}
	// The client can only legitimately hold what the old drain loop popped.
	// Anything newer is still queued and will replay; anything the client
	// claims beyond that, or short of it, means events were lost.
	if payload.Seq != record.DeliveredSeq() {
		_ = h.dispatcher.DropSession(ctxt, record.SessionID)
		return nil, ErrResumeExpired
	}

	record.TouchHeartbeat()
	if err := record.Enqueue(eventResumed, map[string]interface{}{}); err != nil {
		_ = h.dispatcher.DropSession(ctxt, record.SessionID)
		_ = conn.Close(CloseUnknownError, "resume failed")
		return nil, err
	}
	record.SetState(dispatch.StateReady)
	log.WithFields(localLogTags).Infof(
		"Session %s resumed at seq %d for user %s",
		record.SessionID, payload.Seq, record.UserID,
	)
	return record, nil
}

// serve run the READY phase: one drain goroutine writing, this goroutine
// reading. The drain goroutine is the connection's only writer.
func (h *sessionHandlerImpl) serve(
	ctxt context.Context,
	conn Connection,
	record *dispatch.SessionRecord,
	localLogTags log.Fields,
) error {
	heartbeatAcks := make(chan struct{}, 4)
	drainDone := make(chan struct{})

	// The drain goroutine must stop with this connection, not with the
	// session record; a resumable disconnect leaves the record alive
	connCtxt, cancelConn := context.WithCancel(ctxt)
	defer cancelConn()

	go func() {
		defer close(drainDone)
		h.drain(connCtxt, conn, record, heartbeatAcks, localLogTags)
	}()

	err := h.readLoop(ctxt, conn, record, heartbeatAcks, localLogTags)
	cancelConn()
	<-drainDone
	return err
}

// drain pop queued events onto the socket in order, interleaving heartbeat
// ACKs requested by the read loop
func (h *sessionHandlerImpl) drain(
	ctxt context.Context,
	conn Connection,
	record *dispatch.SessionRecord,
	heartbeatAcks <-chan struct{},
	localLogTags log.Fields,
) {
	for {
		select {
		case event := <-record.Queue():
			seq := event.Seq
			// A popped event is gone from the queue whether or not the write
			// lands. Counting it delivered here keeps DeliveredSeq honest, so
			// a resume claiming an older seq fails instead of skipping events.
			record.NoteDelivered(seq)
			frame := ServerFrame{
				Op: OpDispatch, Type: event.Name, Seq: &seq, Data: event.Payload,
			}
			if err := conn.WriteFrame(frame); err != nil {
				log.WithError(err).WithFields(localLogTags).Debugf(
					"Write failed on session %s", record.SessionID,
				)
				return
			}
		case <-heartbeatAcks:
			if err := conn.WriteFrame(ServerFrame{Op: OpHeartbeatACK}); err != nil {
				return
			}
		case <-record.Killed():
			// Dropped server side; tell the client to reconnect fresh
			_ = conn.WriteFrame(ServerFrame{Op: OpReconnect})
			_ = conn.Close(CloseUnknownError, "session dropped")
			return
		case <-ctxt.Done():
			_ = conn.Close(CloseUnknownError, "shutting down")
			return
		}
	}
}

// readLoop consume client frames until the connection fails or the session
// is dropped
func (h *sessionHandlerImpl) readLoop(
	ctxt context.Context,
	conn Connection,
	record *dispatch.SessionRecord,
	heartbeatAcks chan<- struct{},
	localLogTags log.Fields,
) error {
	liveness := time.Duration(h.config.HeartbeatInterval+h.config.HeartbeatGrace) * time.Second
	for {
		_ = conn.SetReadDeadline(time.Now().Add(liveness))
		frame, err := conn.ReadFrame()
		if err != nil {
			select {
			case <-record.Killed():
				// Already torn down server side
				return nil
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.WithFields(localLogTags).Infof(
					"Session %s missed its heartbeat window", record.SessionID,
				)
				record.Kill()
				_ = h.dispatcher.DropSession(ctxt, record.SessionID)
				_ = conn.Close(CloseSessionTimeout, "heartbeat timeout")
				return nil
			}
			// Socket loss with the protocol intact; hold the session for a
			// resume within the grace window
			record.SetState(dispatch.StateDisconnected)
			_ = conn.Close(CloseUnknownError, "connection lost")
			log.WithFields(localLogTags).Infof(
				"Session %s disconnected, resumable at seq %d",
				record.SessionID, record.DeliveredSeq(),
			)
			return nil
		}

		switch frame.Op {
		case OpHeartbeat:
			record.TouchHeartbeat()
			select {
			case heartbeatAcks <- struct{}{}:
			default:
			}

		case OpStatusUpdate:
			var payload StatusUpdateData
			if err := h.decode(frame.Data, &payload); err != nil {
				log.WithError(err).WithFields(localLogTags).Warn(
					"Ignoring malformed STATUS_UPDATE",
				)
				continue
			}
			if _, err := h.presences.SetStatus(ctxt, record.UserID, payload.Status); err != nil {
				log.WithError(err).WithFields(localLogTags).Warn(
					"Presence broadcast failed",
				)
			}

		case OpLazyRequest:
			var payload LazyRequestData
			if err := h.decode(frame.Data, &payload); err != nil {
				log.WithError(err).WithFields(localLogTags).Warn(
					"Ignoring malformed LAZY_REQUEST",
				)
				continue
			}
			ranges := lazyRanges(payload)
			if err := h.members.RequestRanges(
				ctxt, payload.GuildID, record.SessionID, ranges,
			); err != nil {
				log.WithError(err).WithFields(localLogTags).Warnf(
					"Member list request failed for guild %s", payload.GuildID,
				)
			}

		default:
			record.Kill()
			_ = h.dispatcher.DropSession(ctxt, record.SessionID)
			_ = conn.Close(CloseUnknownOpcode, "unknown opcode")
			return fmt.Errorf("unexpected opcode %d on ready session", frame.Op)
		}
	}
}

// lazyRanges flatten a lazy request's per-channel windows into one range set
func lazyRanges(payload LazyRequestData) []memberlist.Range {
	var ranges []memberlist.Range
	for _, windows := range payload.Channels {
		for _, window := range windows {
			// Clients send inclusive [start, end] windows
			ranges = append(ranges, memberlist.Range{Start: window[0], End: window[1] + 1})
		}
	}
	return ranges
}
