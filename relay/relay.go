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

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/core"
	"github.com/acornchat/gateway/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// Publish command scopes
const (
	ScopeTopic    = "topic"
	ScopeTopics   = "topics"
	ScopeUser     = "user"
	ScopeSessions = "sessions"
)

// PublishCommand one event distribution request arriving over the federation
// bus from a peer node or an API worker
type PublishCommand struct {
	// Scope selects the targeting mode
	Scope string `json:"scope" validate:"required,oneof=topic topics user sessions"`
	// TopicKind the topic kind for topic scoped commands
	TopicKind string `json:"topic_kind,omitempty" validate:"omitempty,oneof=guild channel user friend lazy-guild"`
	// TopicID the topic ID for scope "topic"
	TopicID string `json:"topic_id,omitempty"`
	// TopicIDs the topic IDs for scope "topics"
	TopicIDs []string `json:"topic_ids,omitempty"`
	// UserID the target user for scope "user"
	UserID string `json:"user_id,omitempty"`
	// SessionIDs the target sessions for scope "sessions"
	SessionIDs []string `json:"session_ids,omitempty"`
	// EventName the dispatch event name
	EventName string `json:"event" validate:"required"`
	// Payload the event payload, passed through opaquely
	Payload json.RawMessage `json:"payload"`
}

// parseTopicKind map a wire kind name onto a registry topic kind
func parseTopicKind(name string) (dispatch.TopicKind, error) {
	switch name {
	case "guild":
		return dispatch.KindGuild, nil
	case "channel":
		return dispatch.KindChannel, nil
	case "user":
		return dispatch.KindUser, nil
	case "friend":
		return dispatch.KindFriend, nil
	case "lazy-guild":
		return dispatch.KindLazyGuild, nil
	}
	return dispatch.KindGuild, fmt.Errorf("unknown topic kind %s", name)
}

// ========================================================================================

// Relay the federation ingest loop. Subscribes to the publish command subject
// on JetStream and feeds decoded commands through a task processor into the
// local dispatch engine, preserving arrival order.
type Relay interface {
	// Start subscribe and begin processing
	Start(wg *sync.WaitGroup) error
	// Stop drain and halt processing
	Stop(ctxt context.Context) error
}

// relayTask one command moving through the task processor
type relayTask struct {
	command PublishCommand
	msg     *nats.Msg
}

// relayImpl implements Relay
type relayImpl struct {
	common.Component
	rootCtxt     context.Context
	nats         core.NatsClient
	dispatcher   dispatch.Dispatcher
	config       common.NATSConfig
	validate     *validator.Validate
	tasks        common.TaskProcessor
	subscription *nats.Subscription
}

// GetRelay define a federation ingest relay
func GetRelay(
	rootCtxt context.Context,
	natsClient core.NatsClient,
	dispatcher dispatch.Dispatcher,
	config common.NATSConfig,
) (Relay, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("relay requires a dispatcher")
	}
	logTags := log.Fields{
		"module": "relay", "component": "ingest", "subject": config.PublishSubject,
	}
	tasks, err := common.GetNewTaskProcessorInstance("relay-ingest", 64, rootCtxt)
	if err != nil {
		return nil, err
	}
	instance := &relayImpl{
		Component:  common.Component{LogTags: logTags},
		rootCtxt:   rootCtxt,
		nats:       natsClient,
		dispatcher: dispatcher,
		config:     config,
		validate:   validator.New(),
		tasks:      tasks,
	}
	if err := tasks.AddToTaskExecutionMap(
		reflect.TypeOf(relayTask{}), instance.processRelayTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start subscribe and begin processing
func (r *relayImpl) Start(wg *sync.WaitGroup) error {
	if err := r.tasks.StartEventLoop(wg); err != nil {
		return err
	}
	subscription, err := r.nats.JetStream().Subscribe(
		r.config.PublishSubject,
		r.handleMessage,
		nats.Durable(r.config.Consumer),
		nats.ManualAck(),
		nats.DeliverNew(),
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Relay subscription failed")
		return err
	}
	r.subscription = subscription
	log.WithFields(r.LogTags).Info("Relay ingest started")
	return nil
}

// Stop drain and halt processing
func (r *relayImpl) Stop(ctxt context.Context) error {
	if r.subscription != nil {
		if err := r.subscription.Drain(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Relay drain failed")
		}
		r.subscription = nil
	}
	return r.tasks.StopEventLoop()
}

// handleMessage decode one bus message and hand it to the task processor.
// Decode failures are acked and dropped; redelivery can not fix a malformed
// command.
func (r *relayImpl) handleMessage(msg *nats.Msg) {
	var command PublishCommand
	if err := json.Unmarshal(msg.Data, &command); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warn("Discarding malformed publish command")
		_ = msg.Ack()
		return
	}
	if err := r.validate.Struct(&command); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warn("Discarding invalid publish command")
		_ = msg.Ack()
		return
	}
	if err := r.tasks.Submit(relayTask{command: command, msg: msg}, r.rootCtxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to queue publish command")
	}
}

// ApplyPublishCommand apply one publish command against a dispatch engine.
// Shared between the bus ingest path and the node local publish API.
func ApplyPublishCommand(
	ctxt context.Context, dispatcher dispatch.Dispatcher, command PublishCommand,
) error {
	switch command.Scope {
	case ScopeTopic:
		kind, err := parseTopicKind(command.TopicKind)
		if err != nil {
			return err
		}
		topic := dispatch.Topic{Kind: kind, ID: command.TopicID}
		return dispatcher.Publish(ctxt, topic, command.EventName, command.Payload)
	case ScopeTopics:
		kind, err := parseTopicKind(command.TopicKind)
		if err != nil {
			return err
		}
		return dispatcher.PublishMany(
			ctxt, kind, command.TopicIDs, command.EventName, command.Payload,
		)
	case ScopeUser:
		return dispatcher.PublishToUser(
			ctxt, command.UserID, command.EventName, command.Payload,
		)
	case ScopeSessions:
		return dispatcher.PublishToSessions(
			ctxt, command.SessionIDs, command.EventName, command.Payload,
		)
	}
	return fmt.Errorf("unknown publish scope %s", command.Scope)
}

// processRelayTask apply one publish command against the dispatch engine
func (r *relayImpl) processRelayTask(taskParam interface{}) error {
	task, ok := taskParam.(relayTask)
	if !ok {
		return fmt.Errorf("relay received unexpected task %T", taskParam)
	}
	command := task.command

	if err := ApplyPublishCommand(r.rootCtxt, r.dispatcher, command); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Publish command %s / %s failed", command.Scope, command.EventName,
		)
	}
	return task.msg.Ack()
}
