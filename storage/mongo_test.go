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
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiscriminatorCandidateConcurrency(t *testing.T) {
	assert := assert.New(t)

	uut := &mongoBackendImpl{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// Concurrent registrations share one rng; run with -race
	pattern := regexp.MustCompile(`^\d{4}$`)
	candidates := make(chan string, 64)
	var wg sync.WaitGroup
	for itr := 0; itr < 8; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for draw := 0; draw < 8; draw++ {
				candidates <- uut.nextCandidate()
			}
		}()
	}
	wg.Wait()
	close(candidates)

	count := 0
	for candidate := range candidates {
		assert.True(pattern.MatchString(candidate))
		count++
	}
	assert.Equal(64, count)
}
