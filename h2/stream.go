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
	"context"

	"github.com/slabd/slabd/internal/bufpool"
)

// StreamState rfc9113 5.1 流状态
//
//	                        +--------+
//	                send PP |        | recv PP
//	               ,--------+  idle  +--------.
//	              /         |        |         \
//	             v          +--------+          v
//	      +----------+          |           +----------+
//	      |          |          | send H /  |          |
//	      | reserved |          | recv H    | reserved |
//	      | (local)  |          |           | (remote) |
//	      +---+------+          v           +------+---+
//	          |             +--------+             |
//	          |     recv ES |        | send ES     |
//	          |     ,-------+  open  +-------.     |
//	          |    /        |        |        \    |
//	          v   v         +---+----+         v   v
//	     +----------+           |           +----------+
//	     |   half-  |           |           |   half-  |
//	     |  closed  |           | send R /  |  closed  |
//	     | (remote) |           | recv R    | (local)  |
//	     +----+-----+           |           +-----+----+
//	          |                 |                 |
//	          | send ES /       |        recv ES /|
//	          | send R /        v        send R / |
//	          | recv R      +--------+   recv R   |
//	          `------------>|        |<-----------'
//	                        | closed |
//	                        |        |
//	                        +--------+
//
// 纯服务端实现不会发起 PUSH_PROMISE 因此 reserved 两态仅为完整性保留
type StreamState uint8

const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateReservedLocal
	StateReservedRemote
	StateClosed
)

var streamStateNames = map[StreamState]string{
	StateIdle:             "idle",
	StateOpen:             "open",
	StateHalfClosedLocal:  "half-closed-local",
	StateHalfClosedRemote: "half-closed-remote",
	StateReservedLocal:    "reserved-local",
	StateReservedRemote:   "reserved-remote",
	StateClosed:           "closed",
}

func (s StreamState) String() string {
	return streamStateNames[s]
}

// streamEvent 驱动流状态迁移的事件
type streamEvent uint8

const (
	evRecvHeaders streamEvent = iota
	evRecvHeadersEndStream
	evRecvData
	evRecvDataEndStream
	evRecvRST
	evRecvWindowUpdate
	evRecvPriority
	evSendHeaders
	evSendEndStream
	evSendRST
)

var streamEventNames = map[streamEvent]string{
	evRecvHeaders:          "recv HEADERS",
	evRecvHeadersEndStream: "recv HEADERS(ES)",
	evRecvData:             "recv DATA",
	evRecvDataEndStream:    "recv DATA(ES)",
	evRecvRST:              "recv RST_STREAM",
	evRecvWindowUpdate:     "recv WINDOW_UPDATE",
	evRecvPriority:         "recv PRIORITY",
	evSendHeaders:          "send HEADERS",
	evSendEndStream:        "send END_STREAM",
	evSendRST:              "send RST_STREAM",
}

func (ev streamEvent) String() string {
	return streamEventNames[ev]
}

type stateEvent struct {
	state StreamState
	event streamEvent
}

// streamTransitions 合法迁移表 以 (state, event) 为键
//
// 服务端视角下会出现的迁移全部在表内 其余组合一律非法
// 由 classifyViolation 判定错误级别 表驱动让 RFC 对照一目了然
var streamTransitions = map[stateEvent]StreamState{
	{StateIdle, evRecvHeaders}:          StateOpen,
	{StateIdle, evRecvHeadersEndStream}: StateHalfClosedRemote,
	{StateIdle, evRecvPriority}:         StateIdle,

	{StateOpen, evRecvData}:             StateOpen,
	{StateOpen, evRecvDataEndStream}:    StateHalfClosedRemote,
	{StateOpen, evRecvHeadersEndStream}: StateHalfClosedRemote, // Trailers
	{StateOpen, evRecvRST}:              StateClosed,
	{StateOpen, evRecvWindowUpdate}:     StateOpen,
	{StateOpen, evRecvPriority}:         StateOpen,
	{StateOpen, evSendHeaders}:          StateOpen,
	{StateOpen, evSendEndStream}:        StateHalfClosedLocal,
	{StateOpen, evSendRST}:              StateClosed,

	{StateHalfClosedRemote, evRecvRST}:          StateClosed,
	{StateHalfClosedRemote, evRecvWindowUpdate}: StateHalfClosedRemote,
	{StateHalfClosedRemote, evRecvPriority}:     StateHalfClosedRemote,
	{StateHalfClosedRemote, evSendHeaders}:      StateHalfClosedRemote,
	{StateHalfClosedRemote, evSendEndStream}:    StateClosed,
	{StateHalfClosedRemote, evSendRST}:          StateClosed,

	{StateHalfClosedLocal, evRecvData}:             StateHalfClosedLocal,
	{StateHalfClosedLocal, evRecvDataEndStream}:    StateClosed,
	{StateHalfClosedLocal, evRecvHeadersEndStream}: StateClosed,
	{StateHalfClosedLocal, evRecvRST}:              StateClosed,
	{StateHalfClosedLocal, evRecvWindowUpdate}:     StateHalfClosedLocal,
	{StateHalfClosedLocal, evRecvPriority}:         StateHalfClosedLocal,
	{StateHalfClosedLocal, evSendRST}:              StateClosed,
}

// classifyViolation 将非法迁移归类为链接错误或流错误
//
// rfc9113 5.1
// - idle 流上除 HEADERS / PRIORITY 外的任何帧都是链接级 PROTOCOL_ERROR
// - half-closed (remote) 流上再收到 DATA / HEADERS 是流级 STREAM_CLOSED
func classifyViolation(id uint32, state StreamState, ev streamEvent) error {
	switch state {
	case StateIdle:
		return connError(ErrCodeProtocol, ev.String()+" on idle stream")
	case StateHalfClosedRemote:
		return streamError(id, ErrCodeStreamClosed, ev.String()+" on half-closed (remote) stream")
	}
	return connError(ErrCodeProtocol, ev.String()+" in state "+state.String())
}

// stream 流记录
//
// 窗口与状态的读写都在 c.mut 下进行 serve goroutine 处理入站帧时更新
// handler goroutine 发送响应与消费请求体时经由链接的加锁入口更新
type stream struct {
	id    uint32
	state StreamState

	// sendWindow 对端允许我们发送的剩余窗口 受 SETTINGS 初始值
	// 调整的影响可以合法为负 发送侧只做门控不做拒绝
	sendWindow int32
	recvWindow int32

	// bodyCh 有界通道 塞满时阻塞 reader 构成入站背压
	// 关闭表示流的接收侧终结 结局由 bodyErr 描述
	bodyCh     chan *bufpool.Buf
	bodyErr    error
	bodyClosed bool

	// wake 发送窗口信用通知 容量为 1 的合并信号
	wake chan struct{}

	cancel context.CancelFunc

	respondedFinal bool
	endStreamSent  bool
	resetSent      bool
	recvES         bool
}

func newStream(id uint32, sendWindow, recvWindow int32, bodyChanSize int) *stream {
	return &stream{
		id:         id,
		state:      StateIdle,
		sendWindow: sendWindow,
		recvWindow: recvWindow,
		bodyCh:     make(chan *bufpool.Buf, bodyChanSize),
		wake:       make(chan struct{}, 1),
	}
}

// applyEvent 按迁移表推进状态 非法迁移返回分类后的错误
func (s *stream) applyEvent(ev streamEvent) error {
	next, ok := streamTransitions[stateEvent{s.state, ev}]
	if !ok {
		return classifyViolation(s.id, s.state, ev)
	}
	s.state = next
	return nil
}

// notifySend 合并唤醒等待发送窗口的 goroutine
func (s *stream) notifySend() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// closedKind 流的关闭方式 决定事后帧的错误级别
//
// rfc9113 5.1 closed 状态
// - 经 RST_STREAM 关闭 对端可能尚未观察到重置 事后帧按流错误处理
// - 双向 END_STREAM 正常关闭 对端不可能再合法发帧 事后帧是链接错误
type closedKind uint8

const (
	closedByRST closedKind = iota
	closedByEndStream
)

// closedStreams 有界 LRU 记录最近关闭的流
//
// 记录用于对事后帧做正确分类 容量有限 被淘汰的流 ID 上收到的帧
// 一律按流级 STREAM_CLOSED 处理
type closedStreams struct {
	kinds map[uint32]closedKind
	order []uint32
	cap   int
}

func newClosedStreams(capacity int) *closedStreams {
	return &closedStreams{
		kinds: make(map[uint32]closedKind, capacity),
		cap:   capacity,
	}
}

func (cs *closedStreams) add(id uint32, kind closedKind) {
	if _, ok := cs.kinds[id]; ok {
		cs.kinds[id] = kind
		return
	}

	if len(cs.order) >= cs.cap {
		oldest := cs.order[0]
		cs.order = cs.order[1:]
		delete(cs.kinds, oldest)
	}
	cs.order = append(cs.order, id)
	cs.kinds[id] = kind
}

func (cs *closedStreams) lookup(id uint32) (closedKind, bool) {
	kind, ok := cs.kinds[id]
	return kind, ok
}
