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

package rollbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabd/slabd/internal/bufpool"
)

func newTestPool(t *testing.T) *bufpool.Pool {
	p := bufpool.New(4096, 16)
	t.Cleanup(func() {
		assert.NoError(t, p.Release())
	})
	return p
}

func TestRollPutKeep(t *testing.T) {
	p := newTestPool(t)

	rm, err := Alloc(p)
	require.NoError(t, err)
	defer rm.Free()

	require.NoError(t, rm.Put([]byte("hello world")))
	assert.Equal(t, 11, rm.Len())
	assert.Equal(t, []byte("hello world"), rm.Filled())

	rm.Keep(6)
	assert.Equal(t, []byte("world"), rm.Filled())
	assert.Equal(t, 5, rm.Len())
}

func TestRollReserveAdvance(t *testing.T) {
	p := newTestPool(t)

	rm, err := Alloc(p)
	require.NoError(t, err)
	defer rm.Free()

	n := copy(rm.Reserve(), "chunk")
	rm.Advance(n)
	assert.Equal(t, []byte("chunk"), rm.Filled())
	assert.Equal(t, 4096-5, rm.Cap())
}

func TestRollGrowMigration(t *testing.T) {
	p := newTestPool(t)

	rm, err := Alloc(p)
	require.NoError(t, err)
	defer rm.Free()

	// 填满整个 Slab 后消费大部分前缀 迁移应保留后缀
	require.NoError(t, rm.Put(bytes.Repeat([]byte{'x'}, 4090)))
	require.NoError(t, rm.Put([]byte("tail")))
	assert.Equal(t, 2, rm.Cap())

	rm.Keep(4090)
	assert.Equal(t, []byte("tail"), rm.Filled())

	// Keep 之后尾部仍然不足 Put 触发迁移
	payload := bytes.Repeat([]byte{'y'}, 100)
	require.NoError(t, rm.Put(payload))
	assert.Equal(t, 104, rm.Len())
	assert.Equal(t, []byte("tail"), rm.Filled()[:4])
	assert.Equal(t, payload, rm.Filled()[4:])
}

func TestRollOverflow(t *testing.T) {
	p := newTestPool(t)

	rm, err := Alloc(p)
	require.NoError(t, err)
	defer rm.Free()

	require.NoError(t, rm.Put(bytes.Repeat([]byte{'x'}, 4096)))
	assert.ErrorIs(t, rm.Put([]byte{'y'}), ErrOverflow)
}

func TestRollFilledBufOutlivesMigration(t *testing.T) {
	p := newTestPool(t)

	rm, err := Alloc(p)
	require.NoError(t, err)

	require.NoError(t, rm.Put([]byte("frozen")))
	fb := rm.FilledBuf(6)
	rm.Keep(6)

	require.NoError(t, rm.Grow())
	assert.Equal(t, []byte("frozen"), fb.Bytes())

	fb.Free()
	rm.Free()
	assert.Equal(t, 16, p.NumFree())
}
