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

package common

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testTaskParamA struct {
	value int
}

type testTaskParamB struct {
	name string
}

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: no execution map set
	assert.NotNil(uut.ProcessNewTaskParam(&testTaskParamA{value: 1}))

	// Case 1: set an execution map
	seenA := make(chan int, 4)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(&testTaskParamA{}): func(param interface{}) error {
			task, ok := param.(*testTaskParamA)
			assert.True(ok)
			seenA <- task.value
			return nil
		},
	}))
	assert.Nil(uut.ProcessNewTaskParam(&testTaskParamA{value: 2}))
	assert.Equal(2, <-seenA)
	// Param types without a handler are rejected
	assert.NotNil(uut.ProcessNewTaskParam(&testTaskParamB{name: "unknown"}))

	// Case 2: extend the execution map
	seenB := make(chan string, 4)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(&testTaskParamB{}),
		func(param interface{}) error {
			task, ok := param.(*testTaskParamB)
			assert.True(ok)
			seenB <- task.name
			return nil
		},
	))

	// Case 3: submissions flow through the event loop
	assert.Nil(uut.StartEventLoop(&wg))
	assert.Nil(uut.Submit(&testTaskParamA{value: 3}, ctxt))
	assert.Nil(uut.Submit(&testTaskParamB{name: "hello"}, ctxt))
	select {
	case value := <-seenA:
		assert.Equal(3, value)
	case <-time.After(time.Second):
		assert.FailNow("handler should have fired")
	}
	select {
	case name := <-seenB:
		assert.Equal("hello", name)
	case <-time.After(time.Second):
		assert.FailNow("handler should have fired")
	}
}

func TestTaskSubmissionCancellation(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Buffer of one and no event loop running, so further submissions block
	uut, err := GetNewTaskProcessorInstance("testing", 1, ctxt)
	assert.Nil(err)

	assert.Nil(uut.Submit(&testTaskParamA{value: 1}, ctxt))

	// A blocked submission honors the caller's context
	callCtxt, callCancel := context.WithCancel(context.Background())
	callCancel()
	assert.ErrorIs(
		uut.Submit(&testTaskParamA{value: 2}, callCtxt), context.Canceled,
	)

	// A stopped processor rejects submissions outright
	assert.Nil(uut.StopEventLoop())
	assert.ErrorIs(
		uut.Submit(&testTaskParamA{value: 3}, context.Background()), context.Canceled,
	)
}
