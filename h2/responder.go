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
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/slabd/slabd/driver"
	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/internal/rescue"
	"github.com/slabd/slabd/internal/tracekit"
)

// 在 HTTP/2 请求中 必须包含以下伪头部
//
// rfc9113 8.3.1:
//  All HTTP/2 requests MUST include exactly one valid value for the :method, :scheme, and :path pseudo-header fields,
//  unless it is a CONNECT request [...] The :authority pseudo-header field MAY be omitted [...]
//  if the target URI includes an authority component.
//
// :method	定义 HTTP 方法 (如 GET POST)
// :scheme	定义协议类型 (如 http https)
// :path	定义请求路径和查询参数 (如 /index/users?page=1)
// :authority	(可选) 替代 HTTP/1.1 的 Host 头 包含域名和端口
//
// 伪头部字段必须位于常规头部字段之前 名称必须为小写且禁止重复
const (
	headerMethod    = ":method"
	headerScheme    = ":scheme"
	headerPath      = ":path"
	headerAuthority = ":authority"
	headerStatus    = ":status"
)

// acceptRequest 头部块落地为一条新流 并调度 handler
//
// 走到这里头部块已经完整解码 动态表保持同步 余下都是流语义检查
func (c *Conn) acceptRequest(sid uint32, flags uint8, fields []hpack.HeaderField) error {
	endStream := flags&FlagEndStream != 0

	c.mut.Lock()

	if kind, ok := c.closed.lookup(sid); ok {
		c.mut.Unlock()
		if kind == closedByRST {
			return streamError(sid, ErrCodeStreamClosed, "HEADERS on reset stream")
		}
		return connError(ErrCodeStreamClosed, "HEADERS on cleanly closed stream")
	}
	if sid <= c.maxPeerID {
		c.mut.Unlock()
		return connError(ErrCodeProtocol, "stream id is not monotonically increasing")
	}
	c.maxPeerID = sid

	// GOAWAY 之后不再接受新流 超出并发上限的流也一律拒绝
	if c.goawaySent || c.goawayRecv || c.openStreams >= int(c.cfg.MaxConcurrentStreams) {
		c.closed.add(sid, closedByRST)
		c.mut.Unlock()
		streamsResetTotal.Inc()
		c.sendRSTStream(sid, ErrCodeRefusedStream)
		return nil
	}

	c.lastProcessed = sid

	req, reqErr := c.buildRequest(fields)
	if reqErr != nil {
		c.closed.add(sid, closedByRST)
		c.mut.Unlock()
		return reqErr
	}

	initRecv := int32(defaultInitialWindowSize)
	if c.oursAcked {
		initRecv = int32(c.ours.InitialWindowSize)
	}
	s := newStream(sid, int32(c.peer.InitialWindowSize), initRecv, c.cfg.BodyChannelSize)

	ev := evRecvHeaders
	if endStream {
		ev = evRecvHeadersEndStream
	}
	if err := s.applyEvent(ev); err != nil {
		c.mut.Unlock()
		return err
	}

	c.streams[sid] = s
	c.openStreams++
	if endStream {
		s.recvES = true
		c.finishBodyLocked(s)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel
	c.mut.Unlock()

	streamsOpenedTotal.Inc()

	if sc, ok := tracekit.SpanContextFromHeader(req.Header); ok {
		ctx = tracekit.ContextWithSpanContext(ctx, sc)
	}

	c.handlers.Add(1)
	go c.runHandler(ctx, s, req)
	return nil
}

// buildRequest 伪头部与常规头部的合法性检查 调用方持有 c.mut
//
// 畸形请求按 rfc9113 8.1.1 判为流级 PROTOCOL_ERROR
func (c *Conn) buildRequest(fields []hpack.HeaderField) (*driver.Request, error) {
	malformed := func(reason string) (*driver.Request, error) {
		return nil, streamError(c.maxPeerID, ErrCodeProtocol, "malformed request: "+reason)
	}

	req := &driver.Request{
		Proto:      "HTTP/2",
		Header:     make(http.Header, len(fields)),
		RemoteAddr: c.tr.RemoteAddr(),
	}

	pseudoDone := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if pseudoDone {
				return malformed("pseudo header after regular header")
			}
			switch f.Name {
			case headerMethod:
				if req.Method != "" {
					return malformed("duplicated :method")
				}
				req.Method = f.Value
			case headerScheme:
				if req.Scheme != "" {
					return malformed("duplicated :scheme")
				}
				req.Scheme = f.Value
			case headerPath:
				if req.Path != "" {
					return malformed("duplicated :path")
				}
				req.Path = f.Value
			case headerAuthority:
				if req.Authority != "" {
					return malformed("duplicated :authority")
				}
				req.Authority = f.Value
			default:
				return malformed("unknown pseudo header " + f.Name)
			}
			continue
		}

		pseudoDone = true
		if f.Name != strings.ToLower(f.Name) {
			return malformed("upper-case header name")
		}
		switch f.Name {
		case "connection", "proxy-connection", "keep-alive", "transfer-encoding", "upgrade":
			return malformed("connection-specific header " + f.Name)
		case "te":
			if f.Value != "trailers" {
				return malformed("te header other than trailers")
			}
		}
		req.Header.Add(f.Name, f.Value)
	}

	if req.Method == "CONNECT" {
		if req.Scheme != "" || req.Path != "" {
			return malformed("CONNECT with :scheme or :path")
		}
		if req.Authority == "" {
			return malformed("CONNECT without :authority")
		}
		return req, nil
	}

	if req.Method == "" || req.Scheme == "" || req.Path == "" {
		return malformed("missing mandatory pseudo header")
	}
	return req, nil
}

// runHandler 在独立 goroutine 中驱动用户 handler
//
// handler 返回错误时 最终响应未发出则合成 500
// 响应体已经开始发送则以 INTERNAL_ERROR 重置流
func (c *Conn) runHandler(ctx context.Context, s *stream, req *driver.Request) {
	defer c.handlers.Done()
	defer rescue.HandleCrash()

	body := &bodyReader{c: c, s: s}
	rsp := &responder{c: c, s: s}

	err := c.handler.Handle(ctx, req, body, rsp)
	if err != nil {
		c.log.Warnf("stream %d handler: %v", s.id, err)
	}

	// 链接已经终止 没有补救响应的对象
	if c.ctx.Err() != nil {
		return
	}

	switch {
	case err == nil && rsp.finished:
		return
	case err == nil && rsp.sentFinal:
		// handler 忘记收尾 代为 Finish
		_ = rsp.Finish(ctx)
	case !rsp.sentFinal:
		ferr := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusInternalServerError})
		if ferr == nil {
			_ = rsp.Finish(ctx)
		}
	default:
		c.resetStream(s.id, ErrCodeInternal)
	}
}

// bodyReader 入站请求体读取器 实现 driver.Body
type bodyReader struct {
	c *Conn
	s *stream
}

// Next 取出下一个请求体分片 消费行为驱动接收窗口回填
//
// 通道关闭代表接收侧终结 结局 (EOF / 重置原因) 记录在流上
func (br *bodyReader) Next(ctx context.Context) (*bufpool.Buf, error) {
	select {
	case chunk, ok := <-br.s.bodyCh:
		if !ok {
			br.c.mut.Lock()
			err := br.s.bodyErr
			br.c.mut.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		br.c.creditRecvWindow(br.s, chunk.Len())
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// responder 响应发射器 实现 driver.Responder
//
// 所有写入都经过链接的写队列 头部块在 wire 上保持连续
type responder struct {
	c *Conn
	s *stream

	sentFinal bool
	finished  bool
}

func (r *responder) WriteInterim(ctx context.Context, status int, header http.Header) error {
	if status < 100 || status > 199 {
		return newError("interim status %d out of range", status)
	}
	if r.sentFinal {
		return newError("interim response after final response")
	}
	fields := responseFields(status, header)
	return r.c.writeHeaderBlock(ctx, r.s.id, fields, false)
}

func (r *responder) WriteResponse(ctx context.Context, rsp *driver.Response) error {
	if r.sentFinal {
		return newError("final response already sent")
	}
	if rsp.Status < 200 || rsp.Status > 599 {
		return newError("status %d out of range", rsp.Status)
	}

	r.c.mut.Lock()
	err := r.s.applyEvent(evSendHeaders)
	r.c.mut.Unlock()
	if err != nil {
		return err
	}

	fields := responseFields(rsp.Status, rsp.Header)
	if err := r.c.writeHeaderBlock(ctx, r.s.id, fields, false); err != nil {
		return err
	}
	r.sentFinal = true
	return nil
}

func (r *responder) WriteData(ctx context.Context, p []byte) error {
	if !r.sentFinal {
		return newError("body before final response")
	}
	if r.finished {
		return newError("body after finish")
	}
	return r.c.writeBody(ctx, r.s, p, false)
}

func (r *responder) WriteTrailers(ctx context.Context, trailers http.Header) error {
	if !r.sentFinal {
		return newError("trailers before final response")
	}
	if r.finished {
		return newError("trailers after finish")
	}

	fields := make([]hpack.HeaderField, 0, len(trailers))
	for k, vs := range trailers {
		name := strings.ToLower(k)
		for _, v := range vs {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}
	if err := r.c.writeHeaderBlock(ctx, r.s.id, fields, true); err != nil {
		return err
	}
	r.finishSendSide()
	return nil
}

func (r *responder) Finish(ctx context.Context) error {
	if !r.sentFinal {
		return newError("finish before final response")
	}
	if r.finished {
		return nil
	}
	if err := r.c.writeBody(ctx, r.s, nil, true); err != nil {
		return err
	}
	r.finishSendSide()
	return nil
}

// finishSendSide 本端半关 双向闭合时归档流记录
func (r *responder) finishSendSide() {
	r.finished = true

	r.c.mut.Lock()
	r.s.endStreamSent = true
	_ = r.s.applyEvent(evSendEndStream)
	r.c.maybeRemoveStreamLocked(r.s, closedByEndStream)
	r.c.mut.Unlock()
}

// responseFields 组装响应头部序列 :status 必须在常规头部之前
func responseFields(status int, header http.Header) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(header)+1)
	fields = append(fields, hpack.HeaderField{
		Name:  headerStatus,
		Value: strconv.Itoa(status),
	})
	for k, vs := range header {
		name := strings.ToLower(k)
		for _, v := range vs {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}
	return fields
}
