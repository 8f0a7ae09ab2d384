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
	"encoding/binary"
)

// HTTP/2 标准定义的帧类型如下
//
// * DATA Frame: 传输流的应用数据
// * HEADERS Frame: 传输头部信息 一般用于发起新流
// * PRIORITY Frame: 指定或重新指定流的优先级
// * RST_STREAM Frame: 终止流
// * SETTINGS Frame: 协商连接级参数
// * PUSH_PROMISE Frame: 服务器向客户端表明将发起流
// * PING Frame: 测量往返时间 检查连接活性
// * GOAWAY Frame: 通知对端不再接受新流
// * WINDOW_UPDATE Frame: 实现流量控制 调整窗口大小
// * CONTINUATION Frame: 继续传输因单个 HEADERS 或 PUSH_PROMISE 帧无法容纳的头部块

const (
	FrameData         = 0x0
	FrameHeaders      = 0x1
	FramePriority     = 0x2
	FrameRSTStream    = 0x3
	FrameSettings     = 0x4
	FramePushPromise  = 0x5
	FramePing         = 0x6
	FrameGoAway       = 0x7
	FrameWindowUpdate = 0x8
	FrameContinuation = 0x9
)

var frameTypeNames = map[uint8]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

// FrameTypeName 返回帧类型名称 未知类型返回 UNKNOWN
func FrameTypeName(t uint8) string {
	if s, ok := frameTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

const (
	// FlagEndStream 用于 DATA 和 HEADERS 帧 表示当前是流的最后一帧
	FlagEndStream = 0x1

	// FlagAck 用于 SETTINGS 和 PING 帧 表示确认
	FlagAck = 0x1

	// FlagEndHeaders 用于 HEADERS/PUSH_PROMISE/CONTINUATION 帧
	// 表示完整的头部块已传输完毕
	FlagEndHeaders = 0x4

	// FlagPadded 用于 DATA/HEADERS/PUSH_PROMISE 帧
	// 表示帧包含填充数据 (Pad Length + 填充字节)
	FlagPadded = 0x8

	// FlagPriority 用于 HEADERS 帧 表示包含优先级信息
	// 设置时帧负载会包含 31 位 Stream Dependency + 1 位 Exclusive 标志 + 8 位 Weight
	FlagPriority = 0x20
)

const (
	// frameHeaderLen HTTP/2 标准定义的帧头部长度
	frameHeaderLen = 9

	// maxPayloadSize 帧最大 payload 大小 即 24 位长度字段的上限
	maxPayloadSize = 0xFFFFFF

	// streamIDMask 帧头部 StreamID 掩码 最高位为保留位 接收时忽略
	streamIDMask = 0x7FFFFFFF
)

// FrameHeader 帧头部 固定 9 字节 布局如下
//
// +-----------------------------------------------+
// |                 Length (24)                   |
// +---------------+---------------+---------------+
// |   Type (8)    |   Flags (8)   |
// +-+-------------+---------------+-------------------------------+
// |R|                 Stream Identifier (31)                      |
// +-+-------------------------------------------------------------+
// |                   Frame Payload (0...)                      ...
// +---------------------------------------------------------------+
//
// * Length (24 bits): 帧负载的长度 不包括 9 字节头部
// * Type (8 bits): 帧类型
// * Flags (8 bits): 帧标志 未定义的标志位接收时忽略
// * R (1 bit): 保留位 发送时必须为 0 接收时忽略
// * Stream Identifier (31 bits): 流标识符 0 表示与整个链接相关
type FrameHeader struct {
	Length   uint32
	Type     uint8
	Flags    uint8
	StreamID uint32
}

// ParseFrameHeader 解析固定 9 字节的帧头部 调用方保证长度充足
func ParseFrameHeader(b []byte) FrameHeader {
	_ = b[frameHeaderLen-1]
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     b[3],
		Flags:    b[4],
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}
}

// Append 将帧头部按 wire 格式追加至 dst
func (fh FrameHeader) Append(dst []byte) []byte {
	dst = append(dst,
		byte(fh.Length>>16),
		byte(fh.Length>>8),
		byte(fh.Length),
		fh.Type,
		fh.Flags,
	)
	return binary.BigEndian.AppendUint32(dst, fh.StreamID&streamIDMask)
}

// HasFlag 判断 flag 是否置位
func (fh FrameHeader) HasFlag(f uint8) bool {
	return fh.Flags&f != 0
}
