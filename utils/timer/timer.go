/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package timer provides the stop watch used to log per-stage durations of lock requests.
package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/CovenantSQL/litepool/utils/log"
)

// Timer defines a stop watch timer for performance analysis.
type Timer struct {
	sync.Mutex
	start  time.Time
	names  []string
	pivots []time.Time
}

// NewTimer returns a new stop watch timer instance.
func NewTimer() *Timer {
	return &Timer{
		start: time.Now(),
	}
}

// Add records a time pivot.
func (t *Timer) Add(name string) {
	t.Lock()
	defer t.Unlock()

	t.names = append(t.names, name)
	t.pivots = append(t.pivots, time.Now())
}

// Elapsed returns the time since the timer was started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ToLogFields returns stage durations in microseconds, keyed as "<n>#<stage>" so that stages
// sort in recording order.
func (t *Timer) ToLogFields() log.Fields {
	t.Lock()
	defer t.Unlock()

	var f = log.Fields{}
	for i, d := range t.stages() {
		f[fmt.Sprintf("%d#%s", i+1, t.names[i])] = float64(d.Nanoseconds()) / 1000
	}
	if lp := len(t.pivots); lp > 0 {
		f["total"] = float64(t.pivots[lp-1].Sub(t.start).Nanoseconds()) / 1000
	}
	return f
}

// ToMap returns analysis results as time duration map.
func (t *Timer) ToMap() map[string]time.Duration {
	t.Lock()
	defer t.Unlock()

	var (
		stages = t.stages()
		m      = make(map[string]time.Duration, 1+len(stages))
	)
	for i, d := range stages {
		m[t.names[i]] = d
	}
	if lp := len(t.pivots); lp > 0 {
		m["total"] = t.pivots[lp-1].Sub(t.start)
	}
	return m
}

func (t *Timer) stages() []time.Duration {
	ds := make([]time.Duration, len(t.pivots))
	for i := range t.pivots {
		if i == 0 {
			ds[i] = t.pivots[i].Sub(t.start)
		} else {
			ds[i] = t.pivots[i].Sub(t.pivots[i-1])
		}
	}
	return ds
}
