// Copyright 2025 The slabd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		events []streamEvent
		state  StreamState
	}{
		{
			name:   "request with body",
			events: []streamEvent{evRecvHeaders, evRecvData, evRecvData, evRecvDataEndStream},
			state:  StateHalfClosedRemote,
		},
		{
			name:   "request without body",
			events: []streamEvent{evRecvHeadersEndStream},
			state:  StateHalfClosedRemote,
		},
		{
			name:   "request with trailers",
			events: []streamEvent{evRecvHeaders, evRecvData, evRecvHeadersEndStream},
			state:  StateHalfClosedRemote,
		},
		{
			name:   "full round trip",
			events: []streamEvent{evRecvHeadersEndStream, evSendHeaders, evSendEndStream},
			state:  StateClosed,
		},
		{
			name:   "server finishes first",
			events: []streamEvent{evRecvHeaders, evSendHeaders, evSendEndStream, evRecvDataEndStream},
			state:  StateClosed,
		},
		{
			name:   "reset while open",
			events: []streamEvent{evRecvHeaders, evRecvRST},
			state:  StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStream(1, 65535, 65535, 8)
			for _, ev := range tt.events {
				assert.NoError(t, s.applyEvent(ev))
			}
			assert.Equal(t, tt.state, s.state)
		})
	}
}

func TestStreamViolations(t *testing.T) {
	tests := []struct {
		name   string
		events []streamEvent
		bad    streamEvent
		conn   bool
		code   ErrCode
	}{
		{
			name: "data on idle stream",
			bad:  evRecvData,
			conn: true,
			code: ErrCodeProtocol,
		},
		{
			name: "window update on idle stream",
			bad:  evRecvWindowUpdate,
			conn: true,
			code: ErrCodeProtocol,
		},
		{
			name:   "data after end stream",
			events: []streamEvent{evRecvHeadersEndStream},
			bad:    evRecvData,
			conn:   false,
			code:   ErrCodeStreamClosed,
		},
		{
			name:   "headers after end stream",
			events: []streamEvent{evRecvHeaders, evRecvDataEndStream},
			bad:    evRecvHeadersEndStream,
			conn:   false,
			code:   ErrCodeStreamClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStream(1, 65535, 65535, 8)
			for _, ev := range tt.events {
				assert.NoError(t, s.applyEvent(ev))
			}

			err := s.applyEvent(tt.bad)
			assert.Error(t, err)
			if tt.conn {
				ce, ok := err.(*ConnError)
				assert.True(t, ok)
				assert.Equal(t, tt.code, ce.Code)
			} else {
				se, ok := err.(*StreamError)
				assert.True(t, ok)
				assert.Equal(t, tt.code, se.Code)
			}
		})
	}
}

func TestStreamPriorityAlwaysLegal(t *testing.T) {
	s := newStream(1, 65535, 65535, 8)
	assert.NoError(t, s.applyEvent(evRecvPriority))
	assert.Equal(t, StateIdle, s.state)

	assert.NoError(t, s.applyEvent(evRecvHeaders))
	assert.NoError(t, s.applyEvent(evRecvPriority))
	assert.Equal(t, StateOpen, s.state)
}

func TestClosedStreamsLRU(t *testing.T) {
	cs := newClosedStreams(2)

	cs.add(1, closedByRST)
	cs.add(3, closedByEndStream)

	kind, ok := cs.lookup(1)
	assert.True(t, ok)
	assert.Equal(t, closedByRST, kind)

	// 超出容量后最旧的记录被淘汰
	cs.add(5, closedByEndStream)
	_, ok = cs.lookup(1)
	assert.False(t, ok)

	kind, ok = cs.lookup(3)
	assert.True(t, ok)
	assert.Equal(t, closedByEndStream, kind)
	kind, ok = cs.lookup(5)
	assert.True(t, ok)
	assert.Equal(t, closedByEndStream, kind)
}
