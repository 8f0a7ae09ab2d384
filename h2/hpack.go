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
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http2/hpack"
)

// HTTP/2 引入 HPACK 压缩算法 显著减少 Header 传输的数据量 HPACK 特性如下
//
// * 静态表 (Static Table): 预定义常见头部键值对 避免重复传输高频字段
// * 动态表 (Dynamic Table): 缓存链接中的动态键值对 大小有限 先进先出
// * 霍夫曼编码 (Huffman Coding): 对头部值进行高效的压缩编码 进一步减少体积
//
// 编解码表的状态随链接累积 任何一次解码失败都会让两端的表失去同步
// 因此 HPACK 错误一律为链接级 COMPRESSION_ERROR

var (
	errHeaderListTooLarge = newError("header list exceeds advertised limit")
)

// fieldCodec 链接级 HPACK 编解码器 链接中所有 Stream 共享
//
// 解码表上限为本端声明的 HEADER_TABLE_SIZE 编码表上限为
// min(本端上限, 对端 SETTINGS 声明值) 上限收缩时编码器会在
// 下一个头部块开头发出 dynamic table size update
type fieldCodec struct {
	dec *hpack.Decoder

	fields    []hpack.HeaderField
	listSize  uint32
	tooLarge  bool
	maxList   uint32
	tableCap  uint32
	peerTable uint32

	enc    *hpack.Encoder
	encBuf *bytebufferpool.ByteBuffer
}

// newFieldCodec 创建并返回 fieldCodec 实例 销毁时调用 Release 归还资源
func newFieldCodec(headerTableSize, maxHeaderListSize uint32) *fieldCodec {
	fc := &fieldCodec{
		maxList:   maxHeaderListSize,
		tableCap:  headerTableSize,
		peerTable: defaultHeaderTableSize,
		encBuf:    bytebufferpool.Get(),
	}

	fc.dec = hpack.NewDecoder(headerTableSize, fc.onField)
	fc.enc = hpack.NewEncoder(fc.encBuf)
	return fc
}

func (fc *fieldCodec) onField(f hpack.HeaderField) {
	// 超限后仍需继续解码 保证动态表状态与对端一致
	fc.listSize += uint32(f.Size())
	if fc.maxList > 0 && fc.listSize > fc.maxList {
		fc.tooLarge = true
		return
	}
	fc.fields = append(fc.fields, f)
}

// DecodeBlock 解码一个完整的头部块 返回头部序列
//
// 任何解码失败 (坏索引 畸形整数 截断的块) 都是致命的
// 调用方需将错误判为链接级 COMPRESSION_ERROR
func (fc *fieldCodec) DecodeBlock(block []byte) ([]hpack.HeaderField, error) {
	fc.fields = fc.fields[:0]
	fc.listSize = 0
	fc.tooLarge = false

	if _, err := fc.dec.Write(block); err != nil {
		fc.dec.Close()
		return nil, err
	}
	if err := fc.dec.Close(); err != nil {
		return nil, err
	}
	if fc.tooLarge {
		return nil, errHeaderListTooLarge
	}
	return fc.fields, nil
}

// SetPeerHeaderTableSize 应用对端 SETTINGS_HEADER_TABLE_SIZE
//
// 编码表上限收缩时 编码器会在下一个头部块开头发出
// dynamic table size update 本端解码表上限随 SETTINGS 声明固定
// 不在链接存续期内变化 (声明的变更需要重新发送 SETTINGS 并等待
// ACK 本实现不做)
func (fc *fieldCodec) SetPeerHeaderTableSize(v uint32) {
	fc.peerTable = v
	fc.enc.SetMaxDynamicTableSize(minUint32(fc.tableCap, v))
}

// EncodeBlock 将头部序列编码为一个头部块
//
// 返回的字节窗口仅在下一次 EncodeBlock 前有效 调用方需及时消费
func (fc *fieldCodec) EncodeBlock(fields []hpack.HeaderField) ([]byte, error) {
	fc.encBuf.Reset()
	for _, f := range fields {
		if err := fc.enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	return fc.encBuf.B, nil
}

// Release 归还编码缓冲
func (fc *fieldCodec) Release() {
	bytebufferpool.Put(fc.encBuf)
	fc.encBuf = nil
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
