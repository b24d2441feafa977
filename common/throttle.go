// Copyright 2021-2022 The thalamus Authors
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
	"sync"

	"golang.org/x/time/rate"
)

// LogThrottle limits how often a repetitive problem is logged
type LogThrottle struct {
	lock       sync.Mutex
	limiter    *rate.Limiter
	suppressed uint64
}

// NewLogThrottle define a LogThrottle allowing perSec log lines per second
func NewLogThrottle(perSec int) *LogThrottle {
	return &LogThrottle{limiter: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

// Allow whether a log line may be written now. When allowed, also returns the number of
// lines suppressed since the last one.
func (t *LogThrottle) Allow() (bool, uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.limiter.Allow() {
		t.suppressed++
		return false, 0
	}
	skipped := t.suppressed
	t.suppressed = 0
	return true, skipped
}
