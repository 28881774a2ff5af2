/*
Copyright (c) trftp authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"time"

	"github.com/eclesh/welford"
)

// jitterTracker keeps a running mean/variance of the gap between
// consecutive DATA packet arrivals, the way fbclock/daemon/math.go tracks
// clock-offset statistics with welford's streaming estimator.
type jitterTracker struct {
	stats *welford.Stats
	last  time.Time
}

func newJitterTracker() *jitterTracker {
	return &jitterTracker{stats: welford.New()}
}

// Observe records one DATA arrival. The first call after Reset only seeds
// the clock; it takes two arrivals to produce a gap.
func (j *jitterTracker) Observe(now time.Time) {
	if !j.last.IsZero() {
		j.stats.Add(float64(now.Sub(j.last).Microseconds()))
	}
	j.last = now
}

// Reset clears accumulated statistics for a new transaction.
func (j *jitterTracker) Reset() {
	j.stats = welford.New()
	j.last = time.Time{}
}

// MeanUs returns the mean inter-arrival gap in microseconds.
func (j *jitterTracker) MeanUs() float64 { return j.stats.Mean() }

// StddevUs returns the inter-arrival gap's standard deviation in microseconds.
func (j *jitterTracker) StddevUs() float64 { return j.stats.Stddev() }
