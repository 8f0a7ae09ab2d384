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
	"encoding/binary"

	"golang.org/x/net/http2/hpack"

	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/internal/rescue"
	"github.com/slabd/slabd/transport"
)

// wrun 出站帧组 作为一个整体进入写队列
//
// 一个响应的 HEADERS + CONTINUATION 片段必须在 wire 上连续
// 打包成一个 wrun 入队即可保证不被其他流的头部块插队
type wrun struct {
	sid    uint32
	data   bool
	frames []*bufpool.Buf
}

func (r wrun) free() {
	for _, buf := range r.frames {
		buf.Free()
	}
}

// writeLoop writer goroutine 主循环
//
// 控制帧 (SETTINGS ACK / PING ACK / WINDOW_UPDATE / RST / GOAWAY)
// 优先于 DATA 被重置流的遗留帧组在出队时丢弃 链接终止时排空
// 控制队列保证 GOAWAY 落到 wire 上
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer rescue.HandleCrash()

	failed := false
	writeBuf := func(buf *bufpool.Buf) {
		if !failed {
			if err := c.tr.WriteAll(buf.Bytes()); err != nil {
				c.log.Debugf("write failed: %v", err)
				failed = true
				c.cancel()
			}
		}
		buf.Free()
	}
	writeRun := func(run wrun) {
		if run.data && c.streamDropped(run.sid) {
			run.free()
			return
		}
		for _, buf := range run.frames {
			writeBuf(buf)
		}
	}

	for {
		select {
		case buf := <-c.writeCtl:
			writeBuf(buf)
			continue
		default:
		}

		select {
		case buf := <-c.writeCtl:
			writeBuf(buf)
		case run := <-c.writeData:
			writeRun(run)
		case <-c.ctx.Done():
			// 排空控制队列 丢弃数据队列
			for {
				select {
				case buf := <-c.writeCtl:
					writeBuf(buf)
					continue
				case run := <-c.writeData:
					run.free()
					continue
				default:
				}
				return
			}
		}
	}
}

// streamDropped 流是否已因 RST 终止 遗留的 DATA 帧组不再发送
func (c *Conn) streamDropped(sid uint32) bool {
	c.mut.Lock()
	defer c.mut.Unlock()

	if _, ok := c.streams[sid]; ok {
		return false
	}
	kind, ok := c.closed.lookup(sid)
	return ok && kind == closedByRST
}

// drainWriter 等待 writer 退出 此前入队的控制帧保证已写出
func (c *Conn) drainWriter() {
	<-c.writerDone
}

// maxOutboundPayload 出站帧载荷上限 调用方需持有 c.mut
//
// 同时受对端 SETTINGS_MAX_FRAME_SIZE 和单个 Slab 容量约束
// 每个出站帧完整落在一个 Slab 内 保证提交给 transport 的
// 地址在写完成前稳定
func (c *Conn) maxOutboundPayload() int {
	limit := c.pool.SlabSize() - frameHeaderLen
	if peer := int(c.peer.MaxFrameSize); peer < limit {
		limit = peer
	}
	return limit
}

// newFrameBuf 在一个 Slab 上序列化整帧 返回待写出的共享视图
func (c *Conn) newFrameBuf(fh FrameHeader, payload []byte) (*bufpool.Buf, error) {
	bm, err := c.pool.Alloc()
	if err != nil {
		return nil, connError(ErrCodeInternal, "buffer pool exhausted")
	}

	b := bm.Bytes()
	_ = fh.Append(b[:0])
	n := frameHeaderLen + copy(b[frameHeaderLen:], payload)

	buf := bm.FreezeSlice(0, n)
	bm.Free()

	framesSentTotal.WithLabelValues(FrameTypeName(fh.Type)).Inc()
	return buf, nil
}

// enqueueCtl 控制帧入队 队列已满且链接将亡时放弃
func (c *Conn) enqueueCtl(buf *bufpool.Buf) error {
	select {
	case c.writeCtl <- buf:
		return nil
	default:
	}

	select {
	case c.writeCtl <- buf:
		return nil
	case <-c.ctx.Done():
		buf.Free()
		return transport.ErrClosed
	}
}

// enqueueRun 帧组入队 受写队列容量背压
func (c *Conn) enqueueRun(ctx context.Context, run wrun) error {
	select {
	case c.writeData <- run:
		return nil
	case <-ctx.Done():
		run.free()
		return ctx.Err()
	case <-c.ctx.Done():
		run.free()
		return transport.ErrClosed
	}
}

// ---- 控制帧构造 ----

// writeSettingsDirect 在 writer 启动前直接写出本端 SETTINGS
func (c *Conn) writeSettingsDirect() error {
	c.scratch.Reset()
	payload := c.ours.Append(c.scratch.B[:0])

	buf, err := c.newFrameBuf(FrameHeader{
		Length: uint32(len(payload)),
		Type:   FrameSettings,
	}, payload)
	if err != nil {
		return err
	}
	werr := c.tr.WriteAll(buf.Bytes())
	buf.Free()
	return werr
}

// buildGoAwayDirect 前言失败时直接写出 GOAWAY 并关闭
func (c *Conn) buildGoAwayDirect(code ErrCode, reason string) error {
	buf, err := c.goAwayBuf(0, code, reason)
	if err != nil {
		return err
	}
	werr := c.tr.WriteAll(buf.Bytes())
	buf.Free()
	if werr != nil {
		return werr
	}
	return connError(code, reason)
}

func (c *Conn) goAwayBuf(last uint32, code ErrCode, reason string) (*bufpool.Buf, error) {
	if len(reason) > 256 {
		reason = reason[:256]
	}
	payload := make([]byte, 8, 8+len(reason))
	binary.BigEndian.PutUint32(payload[0:4], last&streamIDMask)
	binary.BigEndian.PutUint32(payload[4:8], uint32(code))
	payload = append(payload, reason...)

	return c.newFrameBuf(FrameHeader{
		Length: uint32(len(payload)),
		Type:   FrameGoAway,
	}, payload)
}

// sendGoAway 发送 GOAWAY 仅第一次生效 此后不再接受新流
func (c *Conn) sendGoAway(code ErrCode, reason string) {
	c.mut.Lock()
	if c.goawaySent {
		c.mut.Unlock()
		return
	}
	c.goawaySent = true
	last := c.lastProcessed
	c.mut.Unlock()

	buf, err := c.goAwayBuf(last, code, reason)
	if err != nil {
		return
	}
	if err := c.enqueueCtl(buf); err != nil {
		return
	}
	goawaySentTotal.WithLabelValues(code.String()).Inc()
	if code != ErrCodeNo {
		c.log.Warnf("goaway code=%s reason=%s", code, reason)
	}
}

func (c *Conn) sendSettingsAck() error {
	buf, err := c.newFrameBuf(FrameHeader{
		Type:  FrameSettings,
		Flags: FlagAck,
	}, nil)
	if err != nil {
		return err
	}
	return c.enqueueCtl(buf)
}

func (c *Conn) sendPingAck(opaque []byte) error {
	buf, err := c.newFrameBuf(FrameHeader{
		Length: 8,
		Type:   FramePing,
		Flags:  FlagAck,
	}, opaque)
	if err != nil {
		return err
	}
	return c.enqueueCtl(buf)
}

func (c *Conn) sendRSTStream(id uint32, code ErrCode) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))

	buf, err := c.newFrameBuf(FrameHeader{
		Length:   4,
		Type:     FrameRSTStream,
		StreamID: id,
	}, payload[:])
	if err != nil {
		return
	}
	_ = c.enqueueCtl(buf)
}

func (c *Conn) sendWindowUpdate(sid uint32, inc uint32) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], inc&streamIDMask)

	buf, err := c.newFrameBuf(FrameHeader{
		Length:   4,
		Type:     FrameWindowUpdate,
		StreamID: sid,
	}, payload[:])
	if err != nil {
		return
	}
	_ = c.enqueueCtl(buf)
}

// creditConnWindow 回填链接级接收窗口 用于没有消费方的字节
// (被丢弃的 DATA 载荷)
func (c *Conn) creditConnWindow(k int) {
	c.mut.Lock()
	c.creditPending += uint32(k)
	var connCredit uint32
	if c.creditPending > c.cfg.InitialWindowSize/2 {
		connCredit = c.creditPending
		c.connRecvWindow += int32(connCredit)
		c.creditPending = 0
	}
	c.mut.Unlock()

	if connCredit > 0 {
		c.sendWindowUpdate(0, connCredit)
	}
}

// creditRecvWindow 应用层消费 k 字节后回填接收窗口
//
// 流级窗口立即回填 链接级窗口按累计值回填 超过初始窗口
// 的一半才发送 WINDOW_UPDATE 避免小额更新刷屏
func (c *Conn) creditRecvWindow(s *stream, k int) {
	c.mut.Lock()

	var streamCredit uint32
	if !s.bodyClosed {
		s.recvWindow += int32(k)
		streamCredit = uint32(k)
	}

	c.creditPending += uint32(k)
	var connCredit uint32
	if c.creditPending > c.cfg.InitialWindowSize/2 {
		connCredit = c.creditPending
		c.connRecvWindow += int32(connCredit)
		c.creditPending = 0
	}
	c.mut.Unlock()

	if streamCredit > 0 {
		c.sendWindowUpdate(s.id, streamCredit)
	}
	if connCredit > 0 {
		c.sendWindowUpdate(0, connCredit)
	}
}

// ---- 头部块与响应体发送 ----

// writeHeaderBlock 编码并发送一个完整头部块
//
// encMut 保证 HPACK 编码顺序与 wire 顺序一致 片段按
// maxOutboundPayload 切割为 HEADERS + CONTINUATION
func (c *Conn) writeHeaderBlock(ctx context.Context, sid uint32, fields []hpack.HeaderField, endStream bool) error {
	c.encMut.Lock()
	defer c.encMut.Unlock()

	block, err := c.fc.EncodeBlock(fields)
	if err != nil {
		return connError(ErrCodeInternal, "hpack encode failed")
	}

	c.mut.Lock()
	limit := c.maxOutboundPayload()
	c.mut.Unlock()
	var frames []*bufpool.Buf

	first := true
	for {
		n := len(block)
		if n > limit {
			n = limit
		}
		fragment := block[:n]
		block = block[n:]

		fh := FrameHeader{
			Length:   uint32(len(fragment)),
			StreamID: sid,
		}
		if first {
			fh.Type = FrameHeaders
			if endStream {
				fh.Flags |= FlagEndStream
			}
		} else {
			fh.Type = FrameContinuation
		}
		if len(block) == 0 {
			fh.Flags |= FlagEndHeaders
		}

		buf, err := c.newFrameBuf(fh, fragment)
		if err != nil {
			wrun{frames: frames}.free()
			return err
		}
		frames = append(frames, buf)
		first = false

		if len(block) == 0 {
			break
		}
	}

	return c.enqueueRun(ctx, wrun{sid: sid, frames: frames})
}

// writeBody 发送响应体分片 受链接与流的双重窗口门控
//
// 窗口不足时挂起等待 WINDOW_UPDATE 唤醒 end 为真时最后一帧
// 携带 END_STREAM 零长度的结束帧不消耗窗口 不等待
func (c *Conn) writeBody(ctx context.Context, s *stream, p []byte, end bool) error {
	endPending := end

	for len(p) > 0 || endPending {
		c.mut.Lock()
		if _, ok := c.streams[s.id]; !ok {
			c.mut.Unlock()
			return newError("stream %d closed", s.id)
		}

		avail := c.connSendWindow
		if s.sendWindow < avail {
			avail = s.sendWindow
		}
		if limit := int32(c.maxOutboundPayload()); avail > limit {
			avail = limit
		}

		if avail <= 0 && len(p) > 0 {
			c.mut.Unlock()
			select {
			case <-s.wake:
			case <-c.connWake:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.ctx.Done():
				return transport.ErrClosed
			}
			continue
		}

		n := len(p)
		if int32(n) > avail {
			n = int(avail)
		}
		c.connSendWindow -= int32(n)
		s.sendWindow -= int32(n)
		c.mut.Unlock()

		fh := FrameHeader{
			Length:   uint32(n),
			Type:     FrameData,
			StreamID: s.id,
		}
		last := endPending && n == len(p)
		if last {
			fh.Flags |= FlagEndStream
		}

		buf, err := c.newFrameBuf(fh, p[:n])
		if err != nil {
			return err
		}
		if err := c.enqueueRun(ctx, wrun{sid: s.id, data: true, frames: []*bufpool.Buf{buf}}); err != nil {
			return err
		}
		p = p[n:]
		if last {
			endPending = false
		}
	}
	return nil
}
