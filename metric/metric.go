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

// Package metric holds the prometheus instrumentation of the lock broker and the engine pool.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CovenantSQL/litepool/utils/log"
)

const namespace = "litepool"

var (
	// LockWaitSeconds observes the time between a lock request and its grant.
	LockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for a lock grant.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"db", "type"})
	// LockHoldSeconds observes the time a granted lock was held.
	LockHoldSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_hold_seconds",
		Help:      "Time a granted lock was held before release.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"db", "type"})
	// LockTimeouts counts lock requests rejected by their timeout.
	LockTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_timeouts_total",
		Help:      "Lock requests rejected because they timed out.",
	}, []string{"db", "type"})
	// OrphanGrants counts grants that arrived for a request that was no longer pending.
	OrphanGrants = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphan_grants_total",
		Help:      "Grants released immediately because their request was gone.",
	}, []string{"db"})
	// PendingRequests tracks lock requests waiting for a grant.
	PendingRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_lock_requests",
		Help:      "Lock requests waiting for a grant.",
	}, []string{"db"})
)

// Register registers every litepool collector with reg, along with extra.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) (err error) {
	collectors := []prometheus.Collector{
		LockWaitSeconds, LockHoldSeconds, LockTimeouts, OrphanGrants, PendingRequests,
	}
	collectors = append(collectors, extra...)
	for _, c := range collectors {
		if err = reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				err = nil
				continue
			}
			log.WithError(err).Error("couldn't register collector")
			return
		}
	}
	return
}
