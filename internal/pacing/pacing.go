// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pacing tracks the adaptive inter-page fetch delay per
// (user, provider) key. Success decays the delay towards a floor; a
// provider rate-limit signal doubles it up to a ceiling. Keys are
// independent, so one throttled mailbox never slows another user's sync.
package pacing

import (
	"sync"
	"time"
)

// Registry holds the current delay per key.
type Registry struct {
	mu      sync.Mutex
	delays  map[string]time.Duration
	floor   time.Duration
	ceiling time.Duration
}

// NewRegistry creates a pacing registry. New keys start at floor.
func NewRegistry(floor, ceiling time.Duration) *Registry {
	if floor <= 0 {
		floor = 200 * time.Millisecond
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Registry{
		delays:  make(map[string]time.Duration),
		floor:   floor,
		ceiling: ceiling,
	}
}

// Current returns the delay to apply before the next page fetch for a key.
func (r *Registry) Current(userID, providerName string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current(userID + ":" + providerName)
}

// RecordSuccess decays the key's delay (delay * 0.8, floored) and returns
// the new value.
func (r *Registry) RecordSuccess(userID, providerName string) time.Duration {
	key := userID + ":" + providerName
	r.mu.Lock()
	defer r.mu.Unlock()

	d := time.Duration(float64(r.current(key)) * 0.8)
	if d < r.floor {
		d = r.floor
	}
	r.delays[key] = d
	return d
}

// RecordThrottle doubles the key's delay up to the ceiling and returns the
// new value.
func (r *Registry) RecordThrottle(userID, providerName string) time.Duration {
	key := userID + ":" + providerName
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.current(key) * 2
	if d > r.ceiling {
		d = r.ceiling
	}
	r.delays[key] = d
	return d
}

func (r *Registry) current(key string) time.Duration {
	if d, ok := r.delays[key]; ok {
		return d
	}
	return r.floor
}
