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
	"fmt"
	"sync"
	"time"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/dispatch"
	"github.com/acornchat/gateway/memberlist"
	"github.com/acornchat/gateway/presence"
	"github.com/apex/log"
)

// Supervisor periodically reaps sessions whose heartbeat deadline or resume
// grace window elapsed, and releases their member list and presence state
type Supervisor interface {
	// Start begin the periodic sweep
	Start(sweepInterval time.Duration) error
	// Stop halt the periodic sweep
	Stop() error
	// SweepOnce run one reap pass; the number of sessions dropped
	SweepOnce(ctxt context.Context) int
}

// supervisorImpl implements Supervisor
type supervisorImpl struct {
	common.Component
	rootCtxt   context.Context
	config     common.SessionConfig
	dispatcher dispatch.Dispatcher
	registry   dispatch.SessionRegistry
	members    memberlist.Manager
	presences  presence.Tracker
	timer      common.IntervalTimer
}

// GetSupervisor define a session supervisor
func GetSupervisor(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	config common.SessionConfig,
	dispatcher dispatch.Dispatcher,
	registry dispatch.SessionRegistry,
	members memberlist.Manager,
	presences presence.Tracker,
) (Supervisor, error) {
	if dispatcher == nil || registry == nil || members == nil || presences == nil {
		return nil, fmt.Errorf("session supervisor is missing a collaborator")
	}
	logTags := log.Fields{"module": "gateway", "component": "session-supervisor"}
	timer, err := common.GetIntervalTimerInstance("session-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &supervisorImpl{
		Component:  common.Component{LogTags: logTags},
		rootCtxt:   rootCtxt,
		config:     config,
		dispatcher: dispatcher,
		registry:   registry,
		members:    members,
		presences:  presences,
		timer:      timer,
	}, nil
}

// Start begin the periodic sweep
func (s *supervisorImpl) Start(sweepInterval time.Duration) error {
	return s.timer.Start(sweepInterval, func() error {
		s.SweepOnce(s.rootCtxt)
		return nil
	}, false)
}

// Stop halt the periodic sweep
func (s *supervisorImpl) Stop() error {
	return s.timer.Stop()
}

// SweepOnce run one reap pass
func (s *supervisorImpl) SweepOnce(ctxt context.Context) int {
	heartbeatDeadline := time.Duration(
		s.config.HeartbeatInterval+s.config.HeartbeatGrace,
	) * time.Second
	resumeGrace := time.Duration(s.config.ResumeGraceWindow) * time.Second

	expired := s.registry.Sweep(func(record *dispatch.SessionRecord) bool {
		return record.HeartbeatExpired(heartbeatDeadline) || record.ResumeExpired(resumeGrace)
	})

	for _, record := range expired {
		log.WithFields(s.LogTags).Infof(
			"Reaping session %s of user %s in state %s",
			record.SessionID, record.UserID, record.State(),
		)
		if err := s.dispatcher.DropSession(ctxt, record.SessionID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to drop session %s", record.SessionID,
			)
		}
		if err := s.members.ReleaseSession(ctxt, record.SessionID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to release member lists of session %s", record.SessionID,
			)
		}
		// The user goes offline only when their final session is gone
		if len(s.registry.SessionsOfUser(record.UserID)) == 0 {
			if err := s.presences.ClearUser(ctxt, record.UserID); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Unable to clear presence of user %s", record.UserID,
				)
			}
		}
	}
	return len(expired)
}
