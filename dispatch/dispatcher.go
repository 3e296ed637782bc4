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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/acornchat/gateway/common"
	"github.com/apex/log"
)

// Dispatcher the publish / subscribe entry point every other subsystem uses
// to cause real-time delivery. No other component may write to a session's
// queue directly.
type Dispatcher interface {
	// Subscribe add a session to a topic. Idempotent.
	Subscribe(ctxt context.Context, topic Topic, sessionID string) error
	// Unsubscribe remove a session from a topic. Idempotent.
	Unsubscribe(ctxt context.Context, topic Topic, sessionID string) error
	// Publish deliver an event to every current subscriber of a topic. The
	// subscriber set is a point-in-time snapshot; the call returns once every
	// enqueue is accepted, not once anything reaches a wire. A topic with no
	// subscribers is a no-op.
	Publish(ctxt context.Context, topic Topic, eventName string, payload interface{}) error
	// PublishMany deliver an event across several topics of one kind. A
	// session subscribed to more than one of the topics receives the event
	// exactly once.
	PublishMany(
		ctxt context.Context, kind TopicKind, topicIDs []string,
		eventName string, payload interface{},
	) error
	// PublishToUser deliver an event to every session owned by a user
	// regardless of topic subscriptions
	PublishToUser(ctxt context.Context, userID string, eventName string, payload interface{}) error
	// PublishToSessions deliver an event to an explicit session set. Used by
	// core layers (e.g. the lazy member list manager) whose targeting is
	// finer grained than topic membership.
	PublishToSessions(
		ctxt context.Context, sessionIDs []string, eventName string, payload interface{},
	) error
	// PublishOrdered execute publish / subscribe steps strictly in order
	// within one critical section keyed on the flow topic. Flows keyed on
	// different topics do not serialize against each other.
	PublishOrdered(ctxt context.Context, flowKey Topic, steps []OrderedStep) error
	// DropSession force disconnect one session and release its registry
	// entries and topic subscriptions. Idempotent.
	DropSession(ctxt context.Context, sessionID string) error
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	topics       TopicRegistry
	sessions     SessionRegistry
	orderedLocks []sync.Mutex
}

// GetDispatcher define a dispatch engine against injected registries
func GetDispatcher(
	topics TopicRegistry, sessions SessionRegistry, orderedFlowLocks int,
) (Dispatcher, error) {
	if topics == nil || sessions == nil {
		return nil, fmt.Errorf("dispatcher requires both registries")
	}
	if orderedFlowLocks < 1 {
		return nil, fmt.Errorf("dispatcher needs at least one ordered flow lock")
	}
	logTags := log.Fields{"module": "dispatch", "component": "dispatcher"}
	return &dispatcherImpl{
		Component:    common.Component{LogTags: logTags},
		topics:       topics,
		sessions:     sessions,
		orderedLocks: make([]sync.Mutex, orderedFlowLocks),
	}, nil
}

// Subscribe add a session to a topic
func (d *dispatcherImpl) Subscribe(ctxt context.Context, topic Topic, sessionID string) error {
	d.topics.Subscribe(topic, sessionID)
	return nil
}

// Unsubscribe remove a session from a topic
func (d *dispatcherImpl) Unsubscribe(ctxt context.Context, topic Topic, sessionID string) error {
	d.topics.Unsubscribe(topic, sessionID)
	return nil
}

// enqueueToSession stamp and append one event onto one session. Overflow or a
// closed session degrades to dropping that session; the failure never
// propagates to the publisher.
func (d *dispatcherImpl) enqueueToSession(
	ctxt context.Context, sessionID, eventName string, payload interface{},
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)
	record, ok := d.sessions.Get(sessionID)
	if !ok {
		// Subscription outlived the record; the registry snapshot raced a
		// teardown. Nothing to deliver to.
		return
	}
	if err := record.Enqueue(eventName, payload); err != nil {
		if errors.Is(err, ErrQueueOverflow) {
			log.WithError(err).WithFields(localLogTags).Warnf(
				"Session %s can not keep up, disconnecting it", sessionID,
			)
			_ = d.DropSession(ctxt, sessionID)
			return
		}
		log.WithFields(localLogTags).Debugf(
			"Discarded %s for closing session %s", eventName, sessionID,
		)
	}
}

// Publish deliver an event to every current subscriber of a topic
func (d *dispatcherImpl) Publish(
	ctxt context.Context, topic Topic, eventName string, payload interface{},
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)
	targets := d.topics.Snapshot(topic)
	for _, sessionID := range targets {
		d.enqueueToSession(ctxt, sessionID, eventName, payload)
	}
	log.WithFields(localLogTags).Debugf(
		"Published %s on %s to %d sessions", eventName, topic, len(targets),
	)
	return nil
}

// PublishMany deliver an event across several topics of one kind
func (d *dispatcherImpl) PublishMany(
	ctxt context.Context, kind TopicKind, topicIDs []string,
	eventName string, payload interface{},
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)
	targets := d.topics.SnapshotMany(kind, topicIDs)
	for _, sessionID := range targets {
		d.enqueueToSession(ctxt, sessionID, eventName, payload)
	}
	log.WithFields(localLogTags).Debugf(
		"Published %s on %d %s topics to %d sessions", eventName, len(topicIDs), kind, len(targets),
	)
	return nil
}

// PublishToUser deliver an event to every session owned by a user
func (d *dispatcherImpl) PublishToUser(
	ctxt context.Context, userID string, eventName string, payload interface{},
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)
	targets := d.sessions.SessionsOfUser(userID)
	for _, record := range targets {
		d.enqueueToSession(ctxt, record.SessionID, eventName, payload)
	}
	log.WithFields(localLogTags).Debugf(
		"Published %s to %d sessions of user %s", eventName, len(targets), userID,
	)
	return nil
}

// PublishToSessions deliver an event to an explicit session set
func (d *dispatcherImpl) PublishToSessions(
	ctxt context.Context, sessionIDs []string, eventName string, payload interface{},
) error {
	for _, sessionID := range sessionIDs {
		d.enqueueToSession(ctxt, sessionID, eventName, payload)
	}
	return nil
}

// PublishOrdered execute publish / subscribe steps strictly in order within
// one critical section keyed on the flow topic
func (d *dispatcherImpl) PublishOrdered(
	ctxt context.Context, flowKey Topic, steps []OrderedStep,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)
	flowLock := &d.orderedLocks[flowKey.hash(len(d.orderedLocks))]
	flowLock.Lock()
	defer flowLock.Unlock()
	for idx, step := range steps {
		switch step.Op {
		case StepPublish:
			_ = d.Publish(ctxt, step.Topic, step.EventName, step.Payload)
		case StepPublishToUser:
			_ = d.PublishToUser(ctxt, step.UserID, step.EventName, step.Payload)
		case StepSubscribe:
			d.topics.Subscribe(step.Topic, step.SessionID)
		case StepUnsubscribe:
			d.topics.Unsubscribe(step.Topic, step.SessionID)
		default:
			return fmt.Errorf("ordered flow %s step %d has unknown op %d", flowKey, idx, step.Op)
		}
	}
	log.WithFields(localLogTags).Debugf(
		"Completed ordered flow on %s with %d steps", flowKey, len(steps),
	)
	return nil
}

// DropSession force disconnect one session and release its state
func (d *dispatcherImpl) DropSession(ctxt context.Context, sessionID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)
	if record, ok := d.sessions.Get(sessionID); ok {
		record.Kill()
	}
	d.topics.ClearSession(sessionID)
	d.sessions.Remove(sessionID)
	log.WithFields(localLogTags).Infof("Dropped session %s", sessionID)
	return nil
}
