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

	fasthttp2 "github.com/dgrr/http2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestFieldCodecRoundTrip(t *testing.T) {
	enc := newFieldCodec(defaultHeaderTableSize, 0)
	defer enc.Release()
	dec := newFieldCodec(defaultHeaderTableSize, 0)
	defer dec.Release()

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/json"},
		{Name: "x-request-id", Value: "a9b8c7"},
	}

	block, err := enc.EncodeBlock(fields)
	require.NoError(t, err)

	got, err := dec.DecodeBlock(block)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

// TestFieldCodecAgainstFasthttp2 交叉校验 本端编码的头部块
// 必须能被另一个独立的 HPACK 实现还原
func TestFieldCodecAgainstFasthttp2(t *testing.T) {
	enc := newFieldCodec(defaultHeaderTableSize, 0)
	defer enc.Release()

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "204"},
		{Name: "server", Value: "slabd"},
		{Name: "cache-control", Value: "no-store"},
	}
	block, err := enc.EncodeBlock(fields)
	require.NoError(t, err)

	hp := fasthttp2.AcquireHPACK()
	defer fasthttp2.ReleaseHPACK(hp)

	var got []hpack.HeaderField
	field := &fasthttp2.HeaderField{}
	buf := block
	for len(buf) > 0 {
		field.Reset()
		buf, err = hp.Next(field, buf)
		require.NoError(t, err)
		got = append(got, hpack.HeaderField{Name: field.Key(), Value: field.Value()})
	}
	assert.Equal(t, fields, got)
}

func TestFieldCodecDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		block []byte
	}{
		{
			name:  "truncated literal",
			block: []byte{0x40},
		},
		{
			name:  "bad index",
			block: []byte{0xBE},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFieldCodec(defaultHeaderTableSize, 0)
			defer fc.Release()

			_, err := fc.DecodeBlock(tt.block)
			assert.Error(t, err)
		})
	}
}

func TestFieldCodecHeaderListLimit(t *testing.T) {
	enc := newFieldCodec(defaultHeaderTableSize, 0)
	defer enc.Release()
	dec := newFieldCodec(defaultHeaderTableSize, 64)
	defer dec.Release()

	block, err := enc.EncodeBlock([]hpack.HeaderField{
		{Name: "x-large-header", Value: string(make([]byte, 256))},
	})
	require.NoError(t, err)

	_, err = dec.DecodeBlock(block)
	assert.ErrorIs(t, err, errHeaderListTooLarge)
}

func TestFieldCodecPeerTableShrinkEmitsUpdate(t *testing.T) {
	fc := newFieldCodec(defaultHeaderTableSize, 0)
	defer fc.Release()

	// 对端 SETTINGS 收缩 HEADER_TABLE_SIZE 之后的第一个头部块
	// 必须以 dynamic table size update 开头 编码为 001xxxxx
	fc.SetPeerHeaderTableSize(0)
	block, err := fc.EncodeBlock([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, block)
	assert.Equal(t, byte(0x20), block[0]&0xE0)
}
