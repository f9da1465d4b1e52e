// Copyright The Accel Resource Manager Authors. All Rights Reserved.
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

// Package session implements the registry of client sessions and their
// bulk transfer buffers.
package session

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	logger "github.com/intel/accel-resmgr/pkg/log"
)

var (
	// ErrInvalidSession is returned for unknown session identifiers.
	ErrInvalidSession = errors.New("session: invalid session")
	// ErrAppTypeUnknown is returned when no image serves the requested application type.
	ErrAppTypeUnknown = errors.New("session: unknown application type")
)

// DefaultBufferSize is the initial capacity of session buffers.
const DefaultBufferSize = 1 << 20

// AppTypes tells which application types can be served.
type AppTypes interface {
	AppTypeExists(appType string) bool
}

// Registry owns all sessions.
type Registry struct {
	types    AppTypes
	clock    clock.PassiveClock
	bufSize  uint64
	lastID   ID
	sessions map[ID]*Session
}

// Option is an option for a Registry.
type Option func(*Registry)

// WithClock sets the clock used for session timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithBufferSize sets the initial capacity of session buffers.
func WithBufferSize(size uint64) Option {
	return func(r *Registry) {
		if size > 0 {
			r.bufSize = size
		}
	}
}

var log = logger.Get("session")

// NewRegistry creates a session registry checking application types against types.
func NewRegistry(types AppTypes, options ...Option) *Registry {
	r := &Registry{
		types:    types,
		clock:    clock.RealClock{},
		bufSize:  DefaultBufferSize,
		sessions: make(map[ID]*Session),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Create creates a new unbound session for the given application type.
func (r *Registry) Create(appType string) (*Session, error) {
	if !r.types.AppTypeExists(appType) {
		return nil, errors.Wrapf(ErrAppTypeUnknown, "%q", appType)
	}

	r.lastID++
	now := r.clock.Now()
	s := &Session{
		id:         r.lastID,
		appType:    appType,
		card:       -1,
		slot:       -1,
		created:    now,
		lastAccess: now,
		Write:      newBuffer(r.bufSize),
		Read:       newBuffer(r.bufSize),
	}
	r.sessions[s.id] = s

	log.Info("created %s for application type %q", s.id, appType)

	return s, nil
}

// Lookup returns the session with the given identifier.
func (r *Registry) Lookup(id ID) (*Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidSession, "%s", id)
	}
	return s, nil
}

// Validate checks that a session with the given identifier exists.
func (r *Registry) Validate(id ID) error {
	_, err := r.Lookup(id)
	return err
}

// Remove forgets the given session. Unbinding it is up to the caller.
func (r *Registry) Remove(id ID) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if s.bound {
		log.Warn("removing %s while still bound", s)
	}
	delete(r.sessions, id)

	log.Info("removed %s", s.id)

	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Sessions returns all live sessions ordered by identifier.
func (r *Registry) Sessions() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id < sessions[j].id
	})
	return sessions
}

// Now returns the current time of the registry clock.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}
