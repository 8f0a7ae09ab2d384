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

package h1

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/slabd/slabd/driver"
	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/internal/rollbuf"
	"github.com/slabd/slabd/logger"
	"github.com/slabd/slabd/transport"
)

func newError(format string, args ...any) error {
	format = "h1: " + format
	return errors.Errorf(format, args...)
}

var errHeadersTooLarge = newError("request head too large")

var crlfcrlf = []byte("\r\n\r\n")

// Conn 单条 HTTP/1.1 服务端链接 请求串行处理
//
// 请求头通过 http.ReadRequest 解析 请求体仅支持 Content-Length
// 模式 chunked 请求直接以 501 拒绝 响应体在 Finish 时一次性
// 带 Content-Length 发出 与 HTTP/2 共用同一套 driver 契约
type Conn struct {
	id      string
	log     logger.Logger
	tr      transport.Transport
	pool    *bufpool.Pool
	handler driver.Handler

	roll *rollbuf.RollMut
}

// NewConn 创建并返回链接实例
func NewConn(tr transport.Transport, pool *bufpool.Pool, handler driver.Handler) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:      id,
		log:     logger.With("conn", id, "peer", tr.RemoteAddr()),
		tr:      tr,
		pool:    pool,
		handler: handler,
	}
}

// Serve 驱动链接直至对端关闭 请求之间复用链接
func (c *Conn) Serve(ctx context.Context) error {
	defer func() {
		_ = c.tr.Close()
		if c.roll != nil {
			c.roll.Free()
		}
	}()

	var err error
	c.roll, err = rollbuf.Alloc(c.pool)
	if err != nil {
		return err
	}

	for {
		lastReq, err := c.serveOne(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if lastReq {
			return nil
		}
	}
}

// serveOne 处理一次完整的请求与响应 返回是否应该关闭链接
func (c *Conn) serveOne(ctx context.Context) (bool, error) {
	head, err := c.readHead()
	if err != nil {
		if err == errHeadersTooLarge {
			c.writeSimpleResponse(http.StatusRequestHeaderFieldsTooLarge, "header fields too large")
			return true, nil
		}
		return true, err
	}

	req, err := http.ReadRequest(bufio.NewReaderSize(bytes.NewReader(head), len(head)))
	if err != nil {
		c.writeSimpleResponse(http.StatusBadRequest, "malformed request")
		return true, nil
	}

	if len(req.TransferEncoding) > 0 {
		// 与上游语义保持一致 不做 chunked 请求体的透传
		c.writeSimpleResponse(http.StatusNotImplemented, "chunked request body not supported")
		return true, nil
	}

	contentLength := int(req.ContentLength)
	if contentLength < 0 {
		contentLength = 0
	}

	dreq := &driver.Request{
		Method:     req.Method,
		Scheme:     "http",
		Path:       req.URL.RequestURI(),
		Authority:  req.Host,
		Proto:      req.Proto,
		Header:     req.Header,
		RemoteAddr: c.tr.RemoteAddr(),
	}

	body := &bodyReader{conn: c, remaining: contentLength}
	rsp := &responder{conn: c, body: bytebufferpool.Get()}
	defer bytebufferpool.Put(rsp.body)

	if err := c.handler.Handle(ctx, dreq, body, rsp); err != nil {
		c.log.Warnf("handler: %v", err)
		if !rsp.sentFinal {
			c.writeSimpleResponse(http.StatusInternalServerError, "internal error")
			return true, nil
		}
		return true, nil
	}
	if !rsp.finished {
		if !rsp.sentFinal {
			c.writeSimpleResponse(http.StatusInternalServerError, "handler did not respond")
			return true, nil
		}
		if err := rsp.Finish(ctx); err != nil {
			return true, err
		}
	}

	// handler 未读完的请求体要排空 否则残余字节会污染下一个请求
	if err := body.drain(); err != nil {
		return true, err
	}

	connHeader := strings.ToLower(req.Header.Get("Connection"))
	if connHeader == "close" || req.Proto == "HTTP/1.0" {
		return true, nil
	}
	return false, nil
}

// readHead 读取完整的请求头 以空行为界
//
// 请求头必须容纳在一个 Slab 内 超限以 431 拒绝
func (c *Conn) readHead() ([]byte, error) {
	searched := 0
	for {
		if i := bytes.Index(c.roll.Filled()[searched:], crlfcrlf); i >= 0 {
			end := searched + i + len(crlfcrlf)
			head := c.roll.Filled()[:end]
			out := append([]byte{}, head...)
			c.roll.Keep(end)
			return out, nil
		}
		if n := c.roll.Len() - len(crlfcrlf) + 1; n > 0 {
			searched = n
		}

		if c.roll.Cap() == 0 {
			if err := c.roll.Grow(); err != nil {
				return nil, errHeadersTooLarge
			}
		}
		n, err := c.tr.Read(c.roll.Reserve())
		if err != nil {
			return nil, err
		}
		c.roll.Advance(n)
	}
}

// fill 读入一批请求体字节
func (c *Conn) fill() error {
	if c.roll.Cap() == 0 {
		if err := c.roll.Grow(); err != nil {
			return err
		}
	}
	n, err := c.tr.Read(c.roll.Reserve())
	if err != nil {
		return err
	}
	c.roll.Advance(n)
	return nil
}

// writeSimpleResponse 发送简短的文本响应 用于框架代答的错误场景
func (c *Conn) writeSimpleResponse(status int, msg string) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	_, _ = bb.WriteString("HTTP/1.1 ")
	_, _ = bb.WriteString(strconv.Itoa(status))
	_, _ = bb.WriteString(" ")
	_, _ = bb.WriteString(http.StatusText(status))
	_, _ = bb.WriteString("\r\ncontent-type: text/plain\r\ncontent-length: ")
	_, _ = bb.WriteString(strconv.Itoa(len(msg)))
	_, _ = bb.WriteString("\r\nconnection: close\r\n\r\n")
	_, _ = bb.WriteString(msg)

	if err := c.tr.WriteAll(bb.B); err != nil {
		c.log.Debugf("write response failed: %v", err)
	}
}

// bodyReader 入站请求体读取器 实现 driver.Body
type bodyReader struct {
	conn      *Conn
	remaining int
}

// Next 返回下一块请求体 分片直接冻结自解析缓冲 零拷贝
func (br *bodyReader) Next(ctx context.Context) (*bufpool.Buf, error) {
	if br.remaining <= 0 {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	roll := br.conn.roll
	if roll.Len() == 0 {
		if err := br.conn.fill(); err != nil {
			return nil, err
		}
	}

	k := roll.Len()
	if k > br.remaining {
		k = br.remaining
	}
	chunk := roll.FilledBuf(k)
	roll.Keep(k)
	br.remaining -= k
	return chunk, nil
}

// drain 丢弃剩余的请求体
func (br *bodyReader) drain() error {
	roll := br.conn.roll
	for br.remaining > 0 {
		if roll.Len() == 0 {
			if err := br.conn.fill(); err != nil {
				return err
			}
		}
		k := roll.Len()
		if k > br.remaining {
			k = br.remaining
		}
		roll.Keep(k)
		br.remaining -= k
	}
	return nil
}

// responder 响应发射器 实现 driver.Responder
//
// HTTP/1.1 下响应体聚合后带 Content-Length 一次性发出
// 中间响应 (1xx) 即时写出
type responder struct {
	conn *Conn

	status int
	header http.Header
	body   *bytebufferpool.ByteBuffer

	sentFinal bool
	finished  bool
}

func (r *responder) WriteInterim(_ context.Context, status int, header http.Header) error {
	if status < 100 || status > 199 {
		return newError("interim status %d out of range", status)
	}
	if r.sentFinal {
		return newError("interim response after final response")
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	writeStatusLine(bb, status)
	writeHeader(bb, header)
	_, _ = bb.WriteString("\r\n")
	return r.conn.tr.WriteAll(bb.B)
}

func (r *responder) WriteResponse(_ context.Context, rsp *driver.Response) error {
	if r.sentFinal {
		return newError("final response already sent")
	}
	if rsp.Status < 200 || rsp.Status > 599 {
		return newError("status %d out of range", rsp.Status)
	}
	r.status = rsp.Status
	r.header = rsp.Header
	r.sentFinal = true
	return nil
}

func (r *responder) WriteData(_ context.Context, p []byte) error {
	if !r.sentFinal {
		return newError("body before final response")
	}
	if r.finished {
		return newError("body after finish")
	}
	_, _ = r.body.Write(p)
	return nil
}

func (r *responder) WriteTrailers(_ context.Context, _ http.Header) error {
	// Content-Length 模式下没有 Trailers 的位置
	return newError("trailers unsupported")
}

func (r *responder) Finish(_ context.Context) error {
	if !r.sentFinal {
		return newError("finish before final response")
	}
	if r.finished {
		return nil
	}
	r.finished = true

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	writeStatusLine(bb, r.status)
	writeHeader(bb, r.header)
	_, _ = bb.WriteString("content-length: ")
	_, _ = bb.WriteString(strconv.Itoa(r.body.Len()))
	_, _ = bb.WriteString("\r\n\r\n")
	_, _ = bb.Write(r.body.B)

	return r.conn.tr.WriteAll(bb.B)
}

func writeStatusLine(bb *bytebufferpool.ByteBuffer, status int) {
	_, _ = bb.WriteString("HTTP/1.1 ")
	_, _ = bb.WriteString(strconv.Itoa(status))
	_, _ = bb.WriteString(" ")
	_, _ = bb.WriteString(http.StatusText(status))
	_, _ = bb.WriteString("\r\n")
}

func writeHeader(bb *bytebufferpool.ByteBuffer, header http.Header) {
	for k, vs := range header {
		name := strings.ToLower(k)
		if name == "content-length" {
			continue
		}
		for _, v := range vs {
			_, _ = bb.WriteString(name)
			_, _ = bb.WriteString(": ")
			_, _ = bb.WriteString(v)
			_, _ = bb.WriteString("\r\n")
		}
	}
}
