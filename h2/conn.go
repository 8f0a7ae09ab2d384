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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/slabd/slabd/driver"
	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/internal/rollbuf"
	"github.com/slabd/slabd/logger"
	"github.com/slabd/slabd/transport"
)

// clientPreface HTTP/2 建链前言 客户端必须原样发送这 24 字节
var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// maxHeaderBlockSize 头部块累积上限
//
// CONTINUATION 允许无限拼接 必须设界 否则恶意对端可以
// 用一个永不结束的头部块耗尽内存
const maxHeaderBlockSize = 256 * 1024

// Conn 单条 HTTP/2 服务端链接
//
// 并发模型为每链接单 serve goroutine 入站帧的解析 分发及其引起的
// 流状态更新发生在 serve goroutine 内 writer goroutine 负责序列化出站帧
// 每条流的 handler 运行在独立 goroutine 通过加锁入口访问并更新链接与流状态
//
// 数据面从 transport 读入 Pool Slab 后以共享视图零拷贝流经
// rollbuf -> 帧载荷 -> body 通道 直至 handler 消费后释放
type Conn struct {
	id      string
	log     logger.Logger
	tr      transport.Transport
	pool    *bufpool.Pool
	handler driver.Handler
	cfg     Config

	ours Settings
	peer Settings

	// oursAcked 本端 SETTINGS 是否已被确认 确认前新建流的
	// 接收窗口沿用协议默认值
	oursAcked bool

	fc   *fieldCodec
	roll *rollbuf.RollMut

	mut            sync.Mutex
	streams        map[uint32]*stream
	openStreams    int
	maxPeerID      uint32
	lastProcessed  uint32
	closed         *closedStreams
	goawaySent     bool
	goawayRecv     bool
	connSendWindow int32
	connRecvWindow int32
	creditPending  uint32
	connWake       chan struct{}

	// encMut 串行化 HPACK 编码与头部块入队 保证编码表状态
	// 与 wire 上的头部块顺序一致
	encMut sync.Mutex

	// continuation 状态 contStream 非 0 时对端只允许发送
	// 该流上的 CONTINUATION 帧
	contStream   uint32
	contFlags    uint8
	contBuf      *bytebufferpool.ByteBuffer
	contTrailers bool

	scratch *bytebufferpool.ByteBuffer

	writeCtl      chan *bufpool.Buf
	writeData     chan wrun
	writerStarted bool
	writerDone    chan struct{}

	// handlers 存活的 handler goroutine 计数 teardown 时等待归零
	// 保证链接退出后不再有任何对 Pool 视图的触碰
	handlers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn 创建并返回链接实例 尚未开始服务
func NewConn(tr transport.Transport, pool *bufpool.Pool, handler driver.Handler, cfg Config) *Conn {
	cfg.Validate()
	id := uuid.New().String()
	return &Conn{
		id:             id,
		log:            logger.With("conn", id, "peer", tr.RemoteAddr()),
		tr:             tr,
		pool:           pool,
		handler:        handler,
		cfg:            cfg,
		ours:           cfg.settings(),
		peer:           DefaultSettings(),
		streams:        make(map[uint32]*stream),
		closed:         newClosedStreams(int(cfg.MaxConcurrentStreams) * 2),
		connSendWindow: defaultInitialWindowSize,
		connRecvWindow: defaultInitialWindowSize,
		connWake:       make(chan struct{}, 1),
		contBuf:        bytebufferpool.Get(),
		scratch:        bytebufferpool.Get(),
		writeCtl:       make(chan *bufpool.Buf, 64),
		writeData:      make(chan wrun, 64),
		writerDone:     make(chan struct{}),
	}
}

// Serve 驱动链接直至对端关闭或出现致命错误
//
// 链接级错误以 GOAWAY + 关闭收场 transport 错误直接关闭
// 返回 nil 表示对端正常断开
func (c *Conn) Serve(ctx context.Context) error {
	connsActive.Inc()
	defer connsActive.Dec()

	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.teardown()

	var err error
	c.roll, err = rollbuf.Alloc(c.pool)
	if err != nil {
		return err
	}

	c.peer.MaxConcurrentStreams = 0 // 对端未声明前视为无限制
	c.fc = newFieldCodec(c.cfg.HeaderTableSize, c.cfg.MaxHeaderListSize)

	// 前言校验在先 任何不匹配都立刻终止 此时尚未发送 SETTINGS
	if err := c.readPreface(); err != nil {
		gerr := c.buildGoAwayDirect(ErrCodeProtocol, "bad connection preface")
		c.log.Debugf("reject connection: %v", err)
		return gerr
	}

	// 发送本端 SETTINGS 之后 writer 接管所有出站帧
	if err := c.writeSettingsDirect(); err != nil {
		return err
	}
	c.writerStarted = true
	go c.writeLoop()

	err = c.serveLoop()

	// GOAWAY 先入队再取消 writer 退出前保证排空控制队列
	switch e := err.(type) {
	case *ConnError:
		c.sendGoAway(e.Code, e.Reason)
		c.cancel()
		c.drainWriter()
		if e.Code == ErrCodeNo {
			return nil
		}
		return e
	default:
		if err == io.EOF {
			c.sendGoAway(ErrCodeNo, "")
			c.cancel()
			c.drainWriter()
			return nil
		}
		// transport 已不可用 没有发送 GOAWAY 的对象
		c.cancel()
		return err
	}
}

// Shutdown 优雅关闭 发送 GOAWAY(NO_ERROR) 已建立的流允许完成
func (c *Conn) Shutdown() {
	c.sendGoAway(ErrCodeNo, "shutting down")
}

func (c *Conn) teardown() {
	c.cancel()

	c.mut.Lock()
	for _, s := range c.streams {
		c.abortBodyLocked(s, transport.ErrClosed)
		if s.cancel != nil {
			s.cancel()
		}
	}
	c.streams = make(map[uint32]*stream)
	c.mut.Unlock()

	c.handlers.Wait()
	if c.writerStarted {
		<-c.writerDone
	}
	_ = c.tr.Close()

	if c.roll != nil {
		c.roll.Free()
	}
	if c.fc != nil {
		c.fc.Release()
	}
	bytebufferpool.Put(c.contBuf)
	bytebufferpool.Put(c.scratch)
}

// readPreface 读取并校验 24 字节客户端前言
func (c *Conn) readPreface() error {
	if err := c.ensure(len(clientPreface)); err != nil {
		return err
	}
	if !bytes.Equal(c.roll.Filled()[:len(clientPreface)], clientPreface) {
		return newError("connection preface mismatch")
	}
	c.roll.Keep(len(clientPreface))
	return nil
}

// serveLoop 帧读取与分发主循环
func (c *Conn) serveLoop() error {
	// 前言之后的第一帧必须是非 ACK 的 SETTINGS
	first := true

	for {
		fh, err := c.readFrameHeader()
		if err != nil {
			return err
		}
		framesReceivedTotal.WithLabelValues(FrameTypeName(fh.Type)).Inc()

		if first {
			if fh.Type != FrameSettings || fh.HasFlag(FlagAck) {
				return connError(ErrCodeProtocol, "first frame after preface is not SETTINGS")
			}
			first = false
		}

		if err := c.checkFrameHeader(fh); err != nil {
			if err = c.surfaceError(err); err != nil {
				return err
			}
			// 流级错误 载荷已被丢弃 继续下一帧
			continue
		}

		if err := c.dispatch(fh); err != nil {
			if err = c.surfaceError(err); err != nil {
				return err
			}
		}
	}
}

// surfaceError 流级错误转化为 RST_STREAM 后链接继续 其余错误上抛
func (c *Conn) surfaceError(err error) error {
	se, ok := err.(*StreamError)
	if !ok {
		return err
	}
	c.log.Debugf("%v", se)
	c.resetStream(se.StreamID, se.Code)
	return nil
}

// checkFrameHeader 帧头部级别的统一校验
//
// - 长度超过本端声明的 SETTINGS_MAX_FRAME_SIZE 即 FRAME_SIZE_ERROR
//   对 HEADERS / SETTINGS / PUSH_PROMISE / CONTINUATION 或链接级帧为
//   链接错误 其余为流错误 (丢弃载荷后 RST)
// - 头部块未结束时 对端只允许发送同一条流上的 CONTINUATION
func (c *Conn) checkFrameHeader(fh FrameHeader) error {
	if fh.Length > c.ours.MaxFrameSize {
		switch fh.Type {
		case FrameHeaders, FrameSettings, FramePushPromise, FrameContinuation:
			return connError(ErrCodeFrameSize, "frame exceeds SETTINGS_MAX_FRAME_SIZE")
		}
		if fh.StreamID == 0 {
			return connError(ErrCodeFrameSize, "frame exceeds SETTINGS_MAX_FRAME_SIZE")
		}
		if err := c.discardPayload(int(fh.Length)); err != nil {
			return err
		}
		return streamError(fh.StreamID, ErrCodeFrameSize, "frame exceeds SETTINGS_MAX_FRAME_SIZE")
	}

	if c.contStream != 0 {
		if fh.Type != FrameContinuation || fh.StreamID != c.contStream {
			return connError(ErrCodeProtocol, "header block interleaved with other frames")
		}
	}
	return nil
}

func (c *Conn) dispatch(fh FrameHeader) error {
	switch fh.Type {
	case FrameData:
		return c.handleData(fh)
	case FrameHeaders:
		return c.handleHeaders(fh)
	case FrameContinuation:
		return c.handleContinuation(fh)
	case FrameSettings:
		return c.handleSettings(fh)
	case FramePing:
		return c.handlePing(fh)
	case FrameWindowUpdate:
		return c.handleWindowUpdate(fh)
	case FrameRSTStream:
		return c.handleRSTStream(fh)
	case FramePriority:
		return c.handlePriority(fh)
	case FramePushPromise:
		return connError(ErrCodeProtocol, "client sent PUSH_PROMISE")
	case FrameGoAway:
		return c.handleGoAway(fh)
	default:
		// 未知帧类型直接丢弃 对任何状态都是 no-op
		return c.discardPayload(int(fh.Length))
	}
}

// ---- 读取原语 ----

// fill 从 transport 读入一批字节 尾部空间不足时先迁移
func (c *Conn) fill() error {
	if c.roll.Cap() == 0 {
		if err := c.roll.Grow(); err != nil {
			return connError(ErrCodeInternal, "roll buffer grow failed")
		}
	}
	n, err := c.tr.Read(c.roll.Reserve())
	if err != nil {
		return err
	}
	c.roll.Advance(n)
	return nil
}

// ensure 保证已填充区至少有 n 个连续字节 n 不超过一个 Slab
func (c *Conn) ensure(n int) error {
	for c.roll.Len() < n {
		if c.roll.Len()+c.roll.Cap() < n {
			if err := c.roll.Grow(); err != nil {
				return connError(ErrCodeInternal, "roll buffer grow failed")
			}
		}
		if err := c.fill(); err != nil {
			return err
		}
	}
	return nil
}

// readFrameHeader 读取固定 9 字节的帧头部
func (c *Conn) readFrameHeader() (FrameHeader, error) {
	if err := c.ensure(frameHeaderLen); err != nil {
		return FrameHeader{}, err
	}
	fh := ParseFrameHeader(c.roll.Filled()[:frameHeaderLen])
	c.roll.Keep(frameHeaderLen)
	return fh, nil
}

// readPayload 消费 n 字节载荷 追加进 sink
//
// 控制帧载荷需要完整拼装后解析 拷贝代价有界 (不超过 MAX_FRAME_SIZE)
// 数据面的 DATA 帧不走此路径
func (c *Conn) readPayload(n int, sink *bytebufferpool.ByteBuffer) error {
	for n > 0 {
		if c.roll.Len() == 0 {
			if err := c.fill(); err != nil {
				return err
			}
		}
		k := c.roll.Len()
		if k > n {
			k = n
		}
		_, _ = sink.Write(c.roll.Filled()[:k])
		c.roll.Keep(k)
		n -= k
	}
	return nil
}

// discardPayload 消费并丢弃 n 字节载荷
func (c *Conn) discardPayload(n int) error {
	for n > 0 {
		if c.roll.Len() == 0 {
			if err := c.fill(); err != nil {
				return err
			}
		}
		k := c.roll.Len()
		if k > n {
			k = n
		}
		c.roll.Keep(k)
		n -= k
	}
	return nil
}

// ---- 帧处理 ----

// handleData DATA 帧 数据面唯一的零拷贝路径
//
// 载荷按到达的分片冻结为共享视图送入流的 body 通道 不等待整帧
// 流量控制按整帧长度一次性记账 (含填充)
func (c *Conn) handleData(fh FrameHeader) error {
	if fh.StreamID == 0 {
		return connError(ErrCodeProtocol, "DATA on stream 0")
	}

	// 链接级接收窗口先记账 无论流是否有效 字节都已经到达
	c.mut.Lock()
	c.connRecvWindow -= int32(fh.Length)
	if c.connRecvWindow < 0 {
		c.mut.Unlock()
		return connError(ErrCodeFlowControl, "connection flow-control window exceeded")
	}

	s, err := c.lookupRecvStreamLocked(fh.StreamID)
	if err == nil {
		ev := evRecvData
		if fh.HasFlag(FlagEndStream) {
			ev = evRecvDataEndStream
		}
		if serr := s.applyEvent(ev); serr != nil {
			err = serr
		} else {
			s.recvWindow -= int32(fh.Length)
			if s.recvWindow < 0 {
				s.state = StateClosed
				err = streamError(fh.StreamID, ErrCodeFlowControl, "stream flow-control window exceeded")
			}
		}
	}
	c.mut.Unlock()

	if err != nil {
		if _, ok := err.(*StreamError); ok {
			if derr := c.discardPayload(int(fh.Length)); derr != nil {
				return derr
			}
			// 被丢弃的字节不会有消费方 立即回填链接级窗口
			c.creditConnWindow(int(fh.Length))
		}
		return err
	}

	remaining := int(fh.Length)
	padLen := 0
	padded := 0
	if fh.HasFlag(FlagPadded) {
		if remaining < 1 {
			return connError(ErrCodeProtocol, "padded DATA without pad length")
		}
		if err := c.ensure(1); err != nil {
			return err
		}
		padLen = int(c.roll.Filled()[0])
		c.roll.Keep(1)
		remaining--
		padded = 1
		if padLen > remaining {
			return connError(ErrCodeProtocol, "padding exceeds DATA payload")
		}
	}
	dataLen := remaining - padLen

	for dataLen > 0 {
		if c.roll.Len() == 0 {
			if err := c.fill(); err != nil {
				return err
			}
		}
		k := c.roll.Len()
		if k > dataLen {
			k = dataLen
		}
		chunk := c.roll.FilledBuf(k)
		c.roll.Keep(k)
		dataLen -= k

		if err := c.deliverBody(s, chunk); err != nil {
			chunk.Free()
			return err
		}
	}
	if err := c.discardPayload(padLen); err != nil {
		return err
	}

	// 填充字节不经过应用层 立即回填两级窗口
	if pad := padLen + padded; pad > 0 {
		c.creditRecvWindow(s, pad)
	}

	if fh.HasFlag(FlagEndStream) {
		c.mut.Lock()
		s.recvES = true
		c.finishBodyLocked(s)
		c.maybeRemoveStreamLocked(s, closedByEndStream)
		c.mut.Unlock()
	}
	return nil
}

// deliverBody 将分片送入流的 body 通道 通道塞满即阻塞 reader
// 构成对端可感知的入站背压 (窗口不回填 对端停发)
func (c *Conn) deliverBody(s *stream, chunk *bufpool.Buf) error {
	select {
	case s.bodyCh <- chunk:
		return nil
	case <-c.ctx.Done():
		return transport.ErrClosed
	}
}

// lookupRecvStreamLocked 为入站的流级帧定位流记录
//
// 不存在的流按 (idle / closed / evicted) 分类错误级别
func (c *Conn) lookupRecvStreamLocked(id uint32) (*stream, error) {
	if s, ok := c.streams[id]; ok {
		return s, nil
	}

	if kind, ok := c.closed.lookup(id); ok {
		if kind == closedByEndStream {
			return nil, connError(ErrCodeStreamClosed, "frame on cleanly closed stream")
		}
		return nil, streamError(id, ErrCodeStreamClosed, "frame on reset stream")
	}

	if id <= c.maxPeerID {
		// 记录已被 LRU 淘汰 按流级错误处理
		return nil, streamError(id, ErrCodeStreamClosed, "frame on evicted stream")
	}
	return nil, connError(ErrCodeProtocol, "frame on idle stream")
}

// handleHeaders HEADERS 帧布局如下
//
// +---------------+
// |Pad Length? (8)|
// +-+-------------+-----------------------------------------------+
// |E|                 Stream Dependency? (31)                     |
// +-+-------------+-----------------------------------------------+
// |  Weight? (8)  |
// +---------------+-----------------------------------------------+
// |                   Header Block Fragment (*)                 ...
// +---------------------------------------------------------------+
// |                           Padding (*)                       ...
// +---------------------------------------------------------------+
//
// PADDED / PRIORITY 标志决定可选字段是否存在 两者剥离后剩下的
// 才是头部块片段 优先级信息按 rfc9113 5.3.2 接受并忽略
func (c *Conn) handleHeaders(fh FrameHeader) error {
	if fh.StreamID == 0 {
		return connError(ErrCodeProtocol, "HEADERS on stream 0")
	}
	if fh.StreamID%2 == 0 {
		return connError(ErrCodeProtocol, "client initiated even-numbered stream")
	}

	c.scratch.Reset()
	if err := c.readPayload(int(fh.Length), c.scratch); err != nil {
		return err
	}
	b := c.scratch.B

	if fh.HasFlag(FlagPadded) {
		if len(b) < 1 {
			return connError(ErrCodeProtocol, "padded HEADERS without pad length")
		}
		padLen := int(b[0])
		b = b[1:]
		if padLen > len(b) {
			return connError(ErrCodeProtocol, "padding exceeds HEADERS payload")
		}
		b = b[:len(b)-padLen]
	}
	if fh.HasFlag(FlagPriority) {
		if len(b) < 5 {
			return connError(ErrCodeFrameSize, "HEADERS too short for priority field")
		}
		b = b[5:]
	}

	c.contBuf.Reset()
	_, _ = c.contBuf.Write(b)
	c.contStream = fh.StreamID
	c.contFlags = fh.Flags

	c.mut.Lock()
	_, exists := c.streams[fh.StreamID]
	c.mut.Unlock()
	c.contTrailers = exists

	if fh.HasFlag(FlagEndHeaders) {
		return c.finishHeaderBlock()
	}
	return nil
}

// handleContinuation CONTINUATION 帧 拼接未完成的头部块
func (c *Conn) handleContinuation(fh FrameHeader) error {
	if c.contStream == 0 {
		return connError(ErrCodeProtocol, "CONTINUATION without preceding HEADERS")
	}

	c.scratch.Reset()
	if err := c.readPayload(int(fh.Length), c.scratch); err != nil {
		return err
	}
	if c.contBuf.Len()+c.scratch.Len() > maxHeaderBlockSize {
		return connError(ErrCodeEnhanceYourCalm, "header block too large")
	}
	_, _ = c.contBuf.Write(c.scratch.B)

	if fh.HasFlag(FlagEndHeaders) {
		return c.finishHeaderBlock()
	}
	return nil
}

// finishHeaderBlock 头部块完整后解码并落到流语义
//
// 解码失败一律链接级 COMPRESSION_ERROR 两端动态表已无法同步
func (c *Conn) finishHeaderBlock() error {
	sid := c.contStream
	flags := c.contFlags
	trailers := c.contTrailers
	c.contStream = 0

	fields, err := c.fc.DecodeBlock(c.contBuf.B)
	if err != nil {
		if err == errHeaderListTooLarge {
			return connError(ErrCodeEnhanceYourCalm, "header list too large")
		}
		return connError(ErrCodeCompression, err.Error())
	}

	if trailers {
		return c.acceptTrailers(sid, flags)
	}
	return c.acceptRequest(sid, flags, fields)
}

// acceptTrailers 已建立流上的第二个头部块即 Trailers
//
// Trailers 必须携带 END_STREAM 且不允许伪头部
func (c *Conn) acceptTrailers(sid uint32, flags uint8) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	s, ok := c.streams[sid]
	if !ok {
		return streamError(sid, ErrCodeStreamClosed, "trailers on closed stream")
	}

	if flags&FlagEndStream == 0 {
		return connError(ErrCodeProtocol, "trailers without END_STREAM")
	}
	if err := s.applyEvent(evRecvHeadersEndStream); err != nil {
		return err
	}

	s.recvES = true
	c.finishBodyLocked(s)
	c.maybeRemoveStreamLocked(s, closedByEndStream)
	return nil
}

// handleSettings SETTINGS 帧 仅允许出现在流 0
func (c *Conn) handleSettings(fh FrameHeader) error {
	if fh.StreamID != 0 {
		return connError(ErrCodeProtocol, "SETTINGS on non-zero stream")
	}

	if fh.HasFlag(FlagAck) {
		if fh.Length != 0 {
			return connError(ErrCodeFrameSize, "SETTINGS ack with payload")
		}
		// 对端确认后本端声明才真正生效 此前新建流沿用旧值
		c.mut.Lock()
		c.oursAcked = true
		c.mut.Unlock()
		return nil
	}

	c.scratch.Reset()
	if err := c.readPayload(int(fh.Length), c.scratch); err != nil {
		return err
	}

	next := c.peer
	if err := next.Decode(c.scratch.B); err != nil {
		return err
	}

	c.applyPeerSettings(next)
	return c.sendSettingsAck()
}

// applyPeerSettings 应用对端 SETTINGS
//
// INITIAL_WINDOW_SIZE 的变化量要同步应用到所有已存在流的发送窗口
// 结果可以合法为负 发送在窗口转正前被门控
func (c *Conn) applyPeerSettings(next Settings) {
	c.mut.Lock()
	defer c.mut.Unlock()

	delta := int32(next.InitialWindowSize) - int32(c.peer.InitialWindowSize)
	if delta != 0 {
		for _, s := range c.streams {
			s.sendWindow += delta
			if delta > 0 {
				s.notifySend()
			}
		}
	}
	if next.HeaderTableSize != c.peer.HeaderTableSize {
		// 编码器可能正被 responder 使用 需与头部块编码互斥
		c.encMut.Lock()
		c.fc.SetPeerHeaderTableSize(next.HeaderTableSize)
		c.encMut.Unlock()
	}
	c.peer = next
}

// handlePing PING 帧 载荷固定 8 字节 非 ACK 时原样回显
func (c *Conn) handlePing(fh FrameHeader) error {
	if fh.StreamID != 0 {
		return connError(ErrCodeProtocol, "PING on non-zero stream")
	}
	if fh.Length != 8 {
		return connError(ErrCodeFrameSize, "PING length is not 8")
	}

	c.scratch.Reset()
	if err := c.readPayload(8, c.scratch); err != nil {
		return err
	}
	if fh.HasFlag(FlagAck) {
		return nil
	}
	return c.sendPingAck(c.scratch.B)
}

// handleWindowUpdate WINDOW_UPDATE 帧 载荷为 31 位增量
func (c *Conn) handleWindowUpdate(fh FrameHeader) error {
	if fh.Length != 4 {
		return connError(ErrCodeFrameSize, "WINDOW_UPDATE length is not 4")
	}

	c.scratch.Reset()
	if err := c.readPayload(4, c.scratch); err != nil {
		return err
	}
	inc := binary.BigEndian.Uint32(c.scratch.B) & streamIDMask

	if fh.StreamID == 0 {
		if inc == 0 {
			return connError(ErrCodeProtocol, "connection WINDOW_UPDATE with zero increment")
		}
		c.mut.Lock()
		defer c.mut.Unlock()

		if int64(c.connSendWindow)+int64(inc) > maxWindowSize {
			return connError(ErrCodeFlowControl, "connection window overflows")
		}
		c.connSendWindow += int32(inc)
		select {
		case c.connWake <- struct{}{}:
		default:
		}
		return nil
	}

	if inc == 0 {
		return streamError(fh.StreamID, ErrCodeProtocol, "stream WINDOW_UPDATE with zero increment")
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	s, err := c.lookupRecvStreamLocked(fh.StreamID)
	if err != nil {
		return err
	}
	if serr := s.applyEvent(evRecvWindowUpdate); serr != nil {
		return serr
	}
	if int64(s.sendWindow)+int64(inc) > maxWindowSize {
		s.state = StateClosed
		return streamError(fh.StreamID, ErrCodeFlowControl, "stream window overflows")
	}
	s.sendWindow += int32(inc)
	s.notifySend()
	return nil
}

// handleRSTStream RST_STREAM 帧 对端单方面终止流
func (c *Conn) handleRSTStream(fh FrameHeader) error {
	if fh.StreamID == 0 {
		return connError(ErrCodeProtocol, "RST_STREAM on stream 0")
	}
	if fh.Length != 4 {
		return connError(ErrCodeFrameSize, "RST_STREAM length is not 4")
	}

	c.scratch.Reset()
	if err := c.readPayload(4, c.scratch); err != nil {
		return err
	}
	code := ErrCode(binary.BigEndian.Uint32(c.scratch.B))

	c.mut.Lock()
	defer c.mut.Unlock()

	s, ok := c.streams[fh.StreamID]
	if !ok {
		if _, closed := c.closed.lookup(fh.StreamID); closed || fh.StreamID <= c.maxPeerID {
			// 不对 RST 回应 RST 避免重置风暴
			return nil
		}
		return connError(ErrCodeProtocol, "RST_STREAM on idle stream")
	}

	_ = s.applyEvent(evRecvRST)
	streamsResetTotal.Inc()
	c.log.Debugf("stream %d reset by peer: %s", fh.StreamID, code)

	c.abortBodyLocked(s, streamError(s.id, code, "stream reset by peer"))
	if s.cancel != nil {
		s.cancel()
	}
	c.removeStreamLocked(s, closedByRST)
	return nil
}

// handlePriority PRIORITY 帧 接受并忽略 rfc9113 5.3.2
//
// 任何状态的流上都允许出现 包括 idle 与 closed 不会创建流
func (c *Conn) handlePriority(fh FrameHeader) error {
	if fh.StreamID == 0 {
		return connError(ErrCodeProtocol, "PRIORITY on stream 0")
	}
	if fh.Length != 5 {
		if err := c.discardPayload(int(fh.Length)); err != nil {
			return err
		}
		return streamError(fh.StreamID, ErrCodeFrameSize, "PRIORITY length is not 5")
	}
	return c.discardPayload(5)
}

// handleGoAway GOAWAY 帧 对端宣告不再接受新流
func (c *Conn) handleGoAway(fh FrameHeader) error {
	if fh.StreamID != 0 {
		return connError(ErrCodeProtocol, "GOAWAY on non-zero stream")
	}
	if fh.Length < 8 {
		return connError(ErrCodeFrameSize, "GOAWAY too short")
	}

	c.scratch.Reset()
	if err := c.readPayload(int(fh.Length), c.scratch); err != nil {
		return err
	}
	code := ErrCode(binary.BigEndian.Uint32(c.scratch.B[4:8]))

	c.mut.Lock()
	c.goawayRecv = true
	active := len(c.streams)
	c.mut.Unlock()

	c.log.Debugf("GOAWAY received code=%s active=%d", code, active)
	if code != ErrCodeNo {
		return connError(ErrCodeNo, "peer reported "+code.String())
	}
	return nil
}

// ---- 流的建立与收尾 ----

// finishBodyLocked 请求体正常终结 已入队的分片仍可被消费
func (c *Conn) finishBodyLocked(s *stream) {
	if s.bodyClosed {
		return
	}
	s.bodyClosed = true
	s.bodyErr = io.EOF
	close(s.bodyCh)
}

// abortBodyLocked 请求体异常终结 未消费的分片直接丢弃
//
// serve goroutine 是唯一生产者 排空后关闭不会与写入竞争
func (c *Conn) abortBodyLocked(s *stream, err error) {
	if s.bodyClosed {
		return
	}
	s.bodyClosed = true
	s.bodyErr = err

	for {
		select {
		case chunk := <-s.bodyCh:
			chunk.Free()
			continue
		default:
		}
		break
	}
	close(s.bodyCh)
}

// maybeRemoveStreamLocked 两侧都闭合时移除流记录
func (c *Conn) maybeRemoveStreamLocked(s *stream, kind closedKind) {
	if s.state == StateClosed {
		c.removeStreamLocked(s, kind)
	}
}

func (c *Conn) removeStreamLocked(s *stream, kind closedKind) {
	if _, ok := c.streams[s.id]; !ok {
		return
	}
	delete(c.streams, s.id)
	c.openStreams--
	c.closed.add(s.id, kind)
}

// resetStream 以指定错误码重置流 作为流级错误的统一出口
func (c *Conn) resetStream(id uint32, code ErrCode) {
	c.mut.Lock()
	if s, ok := c.streams[id]; ok {
		_ = s.applyEvent(evSendRST)
		c.abortBodyLocked(s, streamError(id, code, "stream reset"))
		if s.cancel != nil {
			s.cancel()
		}
		c.removeStreamLocked(s, closedByRST)
	} else {
		c.closed.add(id, closedByRST)
	}
	c.mut.Unlock()

	streamsResetTotal.Inc()
	c.sendRSTStream(id, code)
}
