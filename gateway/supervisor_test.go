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
	"testing"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/memberlist"
	"github.com/stretchr/testify/assert"
)

// defineSupervisor build a supervisor over the harness with its own deadlines
func defineSupervisor(
	t *testing.T, ctxt context.Context, uut *testHarness, config common.SessionConfig,
) Supervisor {
	supervisor, err := GetSupervisor(
		ctxt, &sync.WaitGroup{}, config,
		uut.dispatcher, uut.registry, uut.members, uut.presences,
	)
	assert.Nil(t, err)
	return supervisor
}

func TestSupervisorHeartbeatSweep(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut := defineTestHarness(t)
	conn := newFakeConn()
	done := uut.runSession(ctxt, conn)
	sessionID := uut.identifyReady(t, conn)

	// Within its deadlines the session is untouched
	healthy := defineSupervisor(t, ctxt, uut, uut.config)
	assert.Equal(0, healthy.SweepOnce(ctxt))
	_, ok := uut.registry.Get(sessionID)
	assert.True(ok)

	// With a zero liveness window the READY session counts as dead
	strict := defineSupervisor(t, ctxt, uut, common.SessionConfig{QueueDepth: 16})
	assert.Equal(1, strict.SweepOnce(ctxt))
	_, ok = uut.registry.Get(sessionID)
	assert.False(ok)

	// The client is told to reconnect before the socket drops
	frame := conn.expectFrame(t)
	assert.Equal(OpReconnect, frame.Op)
	assert.Nil(<-done)

	// The final session is gone, so the user went offline
	assert.Equal(memberlist.StatusOffline, uut.presences.CurrentStatus("user-1"))
}

func TestSupervisorResumeGraceSweep(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut := defineTestHarness(t)
	conn := newFakeConn()
	done := uut.runSession(ctxt, conn)
	sessionID := uut.identifyReady(t, conn)

	// Socket loss parks the session for a resume
	conn.in <- readResult{err: fmt.Errorf("socket gone")}
	assert.Nil(<-done)

	// A disconnected session is not a heartbeat death
	strictHeartbeat := uut.config
	strictHeartbeat.HeartbeatInterval = 0
	strictHeartbeat.HeartbeatGrace = 0
	supervisor := defineSupervisor(t, ctxt, uut, strictHeartbeat)
	assert.Equal(0, supervisor.SweepOnce(ctxt))
	_, ok := uut.registry.Get(sessionID)
	assert.True(ok)

	// Once the grace window closes the parked session is reaped
	expired := uut.config
	expired.ResumeGraceWindow = 0
	supervisor = defineSupervisor(t, ctxt, uut, expired)
	assert.Equal(1, supervisor.SweepOnce(ctxt))
	_, ok = uut.registry.Get(sessionID)
	assert.False(ok)
	assert.Equal(memberlist.StatusOffline, uut.presences.CurrentStatus("user-1"))
}
