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

// SETTINGS 参数标识符 rfc9113 6.5.2
const (
	settingHeaderTableSize      = 0x1
	settingEnablePush           = 0x2
	settingMaxConcurrentStreams = 0x3
	settingInitialWindowSize    = 0x4
	settingMaxFrameSize         = 0x5
	settingMaxHeaderListSize    = 0x6
)

const (
	// defaultHeaderTableSize HPACK 动态表默认大小
	defaultHeaderTableSize = 4096

	// defaultInitialWindowSize 流量控制窗口初始值
	defaultInitialWindowSize = 65535

	// defaultMaxFrameSize 帧负载大小默认上限 也是协议允许的最小上限
	defaultMaxFrameSize = 16384

	// defaultMaxConcurrentStreams 服务端默认允许的并发流数量
	defaultMaxConcurrentStreams = 100

	// maxWindowSize 窗口上限 2^31-1 超出即 FLOW_CONTROL_ERROR
	maxWindowSize = 1<<31 - 1
)

// Settings 链接级参数集合
//
// 双方各自维护一份 生效方向为声明方允许对端的行为
// MaxHeaderListSize 为 0 表示未设置 (协议语义为无上限)
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultSettings 返回协议默认值 服务端永远不发起 Push
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      defaultHeaderTableSize,
		EnablePush:           false,
		MaxConcurrentStreams: defaultMaxConcurrentStreams,
		InitialWindowSize:    defaultInitialWindowSize,
		MaxFrameSize:         defaultMaxFrameSize,
	}
}

// Decode 解析 SETTINGS 帧负载并逐项应用
//
// 负载为若干个 6 字节的 (identifier, value) 对 未知参数必须忽略
// 非法取值按 rfc9113 6.5.2 分别判为 PROTOCOL_ERROR / FLOW_CONTROL_ERROR
func (st *Settings) Decode(b []byte) error {
	if len(b)%6 != 0 {
		return connError(ErrCodeFrameSize, "settings payload not a multiple of 6")
	}

	for ; len(b) > 0; b = b[6:] {
		key := binary.BigEndian.Uint16(b[0:2])
		val := binary.BigEndian.Uint32(b[2:6])

		switch key {
		case settingHeaderTableSize:
			st.HeaderTableSize = val

		case settingEnablePush:
			if val > 1 {
				return connError(ErrCodeProtocol, "enable_push must be 0 or 1")
			}
			st.EnablePush = val == 1

		case settingMaxConcurrentStreams:
			st.MaxConcurrentStreams = val

		case settingInitialWindowSize:
			if val > maxWindowSize {
				return connError(ErrCodeFlowControl, "initial window size exceeds 2^31-1")
			}
			st.InitialWindowSize = val

		case settingMaxFrameSize:
			if val < defaultMaxFrameSize || val > maxPayloadSize {
				return connError(ErrCodeProtocol, "max frame size out of range")
			}
			st.MaxFrameSize = val

		case settingMaxHeaderListSize:
			st.MaxHeaderListSize = val

		default:
			// 未知参数忽略
		}
	}
	return nil
}

// Append 将参数集按 wire 格式追加至 dst 仅编码与协议默认值不同的项
func (st Settings) Append(dst []byte) []byte {
	appendSetting := func(dst []byte, key uint16, val uint32) []byte {
		dst = binary.BigEndian.AppendUint16(dst, key)
		return binary.BigEndian.AppendUint32(dst, val)
	}

	if st.HeaderTableSize != defaultHeaderTableSize {
		dst = appendSetting(dst, settingHeaderTableSize, st.HeaderTableSize)
	}
	// 服务端必须显式关闭 Push
	dst = appendSetting(dst, settingEnablePush, 0)
	if st.MaxConcurrentStreams > 0 {
		dst = appendSetting(dst, settingMaxConcurrentStreams, st.MaxConcurrentStreams)
	}
	if st.InitialWindowSize != defaultInitialWindowSize {
		dst = appendSetting(dst, settingInitialWindowSize, st.InitialWindowSize)
	}
	if st.MaxFrameSize != defaultMaxFrameSize {
		dst = appendSetting(dst, settingMaxFrameSize, st.MaxFrameSize)
	}
	if st.MaxHeaderListSize > 0 {
		dst = appendSetting(dst, settingMaxHeaderListSize, st.MaxHeaderListSize)
	}
	return dst
}
