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
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/slabd/slabd/driver"
	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/transport"
)

// trRW 将 Transport 适配为 io.Reader / io.Writer 供测试客户端使用
type trRW struct {
	tr transport.Transport
}

func (rw trRW) Read(p []byte) (int, error) {
	return rw.tr.Read(p)
}

func (rw trRW) Write(p []byte) (int, error) {
	if err := rw.tr.WriteAll(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// testClient 基于 golang.org/x/net/http2 Framer 的对照客户端
//
// 服务端经内存管道对接 帧的构造与解析完全走另一套实现
type testClient struct {
	t  *testing.T
	tr transport.Transport
	fr *http2.Framer

	hbuf bytes.Buffer
	henc *hpack.Encoder

	errCh    chan error
	once     sync.Once
	serveErr error
}

func newTestConn(t *testing.T, handler driver.Handler, cfg Config) *testClient {
	serverTr, clientTr := transport.Pipe()
	pool := bufpool.New(4096, 1024)

	conn := NewConn(serverTr, pool, handler, cfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Serve(context.Background())
	}()

	tc := &testClient{
		t:     t,
		tr:    clientTr,
		errCh: errCh,
	}
	tc.fr = http2.NewFramer(trRW{clientTr}, trRW{clientTr})
	tc.fr.ReadMetaHeaders = hpack.NewDecoder(defaultHeaderTableSize, nil)
	tc.henc = hpack.NewEncoder(&tc.hbuf)

	t.Cleanup(func() {
		_ = clientTr.Close()
		tc.waitServe()
		assert.NoError(t, pool.Release())
	})
	return tc
}

// waitServe 等待服务端 Serve 返回 结果只取一次
func (tc *testClient) waitServe() error {
	tc.once.Do(func() {
		select {
		case tc.serveErr = <-tc.errCh:
		case <-time.After(3 * time.Second):
			tc.serveErr = errors.New("serve did not exit")
			tc.t.Error("serve did not exit in time")
		}
	})
	return tc.serveErr
}

// handshake 完成前言与 SETTINGS 交换
func (tc *testClient) handshake(settings ...http2.Setting) {
	require.NoError(tc.t, tc.tr.WriteAll(clientPreface))
	require.NoError(tc.t, tc.fr.WriteSettings(settings...))

	fr := tc.readFrame()
	_, ok := fr.(*http2.SettingsFrame)
	require.True(tc.t, ok, "expect server SETTINGS, got %T", fr)
	require.NoError(tc.t, tc.fr.WriteSettingsAck())
}

func (tc *testClient) readFrame() http2.Frame {
	type result struct {
		f   http2.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := tc.fr.ReadFrame()
		ch <- result{f: f, err: err}
	}()

	select {
	case r := <-ch:
		require.NoError(tc.t, r.err)
		return r.f
	case <-time.After(3 * time.Second):
		tc.t.Fatal("timed out waiting for frame")
		return nil
	}
}

// waitGoAway 读取帧直至 GOAWAY 校验错误码
func (tc *testClient) waitGoAway(code ErrCode) {
	for {
		switch fr := tc.readFrame().(type) {
		case *http2.GoAwayFrame:
			assert.Equal(tc.t, uint32(code), uint32(fr.ErrCode))
			return
		default:
		}
	}
}

// waitRST 读取帧直至指定流的 RST_STREAM 校验错误码
func (tc *testClient) waitRST(streamID uint32, code ErrCode) {
	for {
		switch fr := tc.readFrame().(type) {
		case *http2.RSTStreamFrame:
			if fr.StreamID != streamID {
				continue
			}
			assert.Equal(tc.t, uint32(code), uint32(fr.ErrCode))
			return
		case *http2.GoAwayFrame:
			tc.t.Fatalf("unexpected GOAWAY code=%d", fr.ErrCode)
			return
		default:
		}
	}
}

func (tc *testClient) encodeHeaders(pairs [][2]string) []byte {
	tc.hbuf.Reset()
	for _, kv := range pairs {
		require.NoError(tc.t, tc.henc.WriteField(hpack.HeaderField{Name: kv[0], Value: kv[1]}))
	}
	return append([]byte{}, tc.hbuf.Bytes()...)
}

func reqHeaders(path string) [][2]string {
	return [][2]string{
		{":method", "POST"},
		{":scheme", "http"},
		{":path", path},
		{":authority", "slabd.test"},
	}
}

// readResponse 读取一条流的完整响应 返回状态码与响应体
func (tc *testClient) readResponse(streamID uint32) (string, []byte) {
	var status string
	var body []byte

	for {
		switch fr := tc.readFrame().(type) {
		case *http2.MetaHeadersFrame:
			if fr.StreamID != streamID {
				continue
			}
			for _, f := range fr.Fields {
				if f.Name == ":status" {
					status = f.Value
				}
			}
			if fr.StreamEnded() {
				return status, body
			}
		case *http2.DataFrame:
			if fr.StreamID != streamID {
				continue
			}
			body = append(body, fr.Data()...)
			if fr.StreamEnded() {
				return status, body
			}
		case *http2.GoAwayFrame:
			tc.t.Fatalf("unexpected GOAWAY code=%d", fr.ErrCode)
			return status, body
		default:
		}
	}
}

// echoTestHandler 回显请求体
var echoTestHandler = driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
	header := make(http.Header)
	header.Set("content-type", "application/octet-stream")
	if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusOK, Header: header}); err != nil {
		return err
	}

	for {
		chunk, err := body.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		werr := rsp.WriteData(ctx, chunk.Bytes())
		chunk.Free()
		if werr != nil {
			return werr
		}
	}
	return rsp.Finish(ctx)
})

// idleTestHandler 不读请求体也不响应 直到流被取消
var idleTestHandler = driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
	<-ctx.Done()
	return ctx.Err()
})

func TestConnBadPreface(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})

	require.NoError(t, tc.tr.WriteAll(bytes.Repeat([]byte{'x'}, 24)))
	tc.waitGoAway(ErrCodeProtocol)
	assert.Error(t, tc.waitServe())
}

func TestConnFirstFrameNotSettings(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})

	require.NoError(t, tc.tr.WriteAll(clientPreface))
	require.NoError(t, tc.fr.WritePing(false, [8]byte{}))

	for {
		if _, ok := tc.readFrame().(*http2.GoAwayFrame); ok {
			break
		}
	}
	assert.Error(t, tc.waitServe())
}

func TestConnDataOnIdleStream(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteData(1, false, []byte("boom")))
	tc.waitGoAway(ErrCodeProtocol)
}

func TestConnInterruptedHeaderBlock(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	block := tc.encodeHeaders(reqHeaders("/"))
	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    false,
	}))
	// 头部块未结束 任何其他帧都是链接错误
	require.NoError(t, tc.fr.WritePriority(1, http2.PriorityParam{Weight: 10}))
	tc.waitGoAway(ErrCodeProtocol)
}

func TestConnDataAfterCleanClose(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/")),
		EndHeaders:    true,
		EndStream:     true,
	}))

	status, _ := tc.readResponse(1)
	assert.Equal(t, "200", status)

	// 双向 END_STREAM 之后流已经干净关闭 事后 DATA 是链接错误
	require.NoError(t, tc.fr.WriteData(1, false, []byte("late")))
	tc.waitGoAway(ErrCodeStreamClosed)
}

func TestConnHeadersAfterReset(t *testing.T) {
	tc := newTestConn(t, idleTestHandler, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/")),
		EndHeaders:    true,
	}))
	require.NoError(t, tc.fr.WriteRSTStream(1, http2.ErrCodeCancel))

	// 重置后的流上再次 HEADERS 是流级错误 链接必须存活
	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/")),
		EndHeaders:    true,
	}))
	tc.waitRST(1, ErrCodeStreamClosed)

	require.NoError(t, tc.fr.WritePing(false, [8]byte{9, 9, 9}))
	for {
		if fr, ok := tc.readFrame().(*http2.PingFrame); ok && fr.IsAck() {
			break
		}
	}
}

func TestConnOversizeFrameOnStream(t *testing.T) {
	tc := newTestConn(t, idleTestHandler, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/")),
		EndHeaders:    true,
	}))

	// DATA 超长是流级 FRAME_SIZE_ERROR
	require.NoError(t, tc.fr.WriteData(1, false, make([]byte, defaultMaxFrameSize+1)))
	tc.waitRST(1, ErrCodeFrameSize)
}

func TestConnOversizeFrameConnLevel(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	// CONTINUATION 超长是链接级 FRAME_SIZE_ERROR
	require.NoError(t, tc.fr.WriteRawFrame(
		http2.FrameContinuation, 0, 1, make([]byte, defaultMaxFrameSize+1),
	))
	tc.waitGoAway(ErrCodeFrameSize)
}

func TestConnCorruptHPACK(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	// 0x40 是被截断的 literal 字段 解码必然失败
	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: []byte{0x40},
		EndHeaders:    true,
		EndStream:     true,
	}))
	tc.waitGoAway(ErrCodeCompression)
}

func TestConnFlowControlViolation(t *testing.T) {
	tc := newTestConn(t, idleTestHandler, Config{BodyChannelSize: 64})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/upload")),
		EndHeaders:    true,
	}))

	// handler 不消费 窗口不会回填 4 帧共 65536 字节超出 65535
	payload := make([]byte, defaultMaxFrameSize)
	for i := 0; i < 4; i++ {
		require.NoError(t, tc.fr.WriteData(1, false, payload))
	}
	tc.waitGoAway(ErrCodeFlowControl)
}

func TestConnEchoRoundTrip(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	body := bytes.Repeat([]byte("0123456789abcdef"), 640) // 10240 bytes

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/echo")),
		EndHeaders:    true,
	}))
	require.NoError(t, tc.fr.WriteData(1, false, body[:4096]))
	require.NoError(t, tc.fr.WriteData(1, true, body[4096:]))

	status, got := tc.readResponse(1)
	assert.Equal(t, "200", status)
	assert.Equal(t, body, got)
}

func TestConnPingEchoAndUnknownFrame(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	// 未知帧类型对任何状态都是 no-op
	require.NoError(t, tc.fr.WriteRawFrame(http2.FrameType(0xBB), 0, 0, []byte("whatever")))

	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, tc.fr.WritePing(false, data))

	for {
		if fr, ok := tc.readFrame().(*http2.PingFrame); ok {
			assert.True(t, fr.IsAck())
			assert.Equal(t, data, fr.Data)
			return
		}
	}
}

func TestConnPingOnStream(t *testing.T) {
	tc := newTestConn(t, echoTestHandler, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteRawFrame(http2.FramePing, 0, 1, make([]byte, 8)))
	tc.waitGoAway(ErrCodeProtocol)
}

func TestConnWindowUpdateAdditive(t *testing.T) {
	const responseSize = 200 * 1024

	big := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusOK, Header: make(http.Header)}); err != nil {
			return err
		}
		if err := rsp.WriteData(ctx, make([]byte, responseSize)); err != nil {
			return err
		}
		return rsp.Finish(ctx)
	})

	tc := newTestConn(t, big, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/big")),
		EndHeaders:    true,
		EndStream:     true,
	}))

	// 响应远大于初始窗口 多次 WINDOW_UPDATE 的增量必须叠加生效
	for i := 0; i < 3; i++ {
		require.NoError(t, tc.fr.WriteWindowUpdate(0, 50*1024))
		require.NoError(t, tc.fr.WriteWindowUpdate(1, 50*1024))
	}

	var got int
	for {
		fr := tc.readFrame()
		df, ok := fr.(*http2.DataFrame)
		if !ok {
			continue
		}
		got += len(df.Data())
		if df.StreamEnded() {
			break
		}
	}
	assert.Equal(t, responseSize, got)
}

func TestConnMaxConcurrentStreams(t *testing.T) {
	tc := newTestConn(t, idleTestHandler, Config{MaxConcurrentStreams: 1})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/a")),
		EndHeaders:    true,
	}))
	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      3,
		BlockFragment: tc.encodeHeaders(reqHeaders("/b")),
		EndHeaders:    true,
	}))
	tc.waitRST(3, ErrCodeRefusedStream)
}

func TestConnSettingsInitialWindowDelta(t *testing.T) {
	const responseSize = 30 * 1024

	big := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusOK, Header: make(http.Header)}); err != nil {
			return err
		}
		if err := rsp.WriteData(ctx, make([]byte, responseSize)); err != nil {
			return err
		}
		return rsp.Finish(ctx)
	})

	tc := newTestConn(t, big, Config{})
	// 初始流窗口为 0 响应体被完全扣住
	tc.handshake(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/big")),
		EndHeaders:    true,
		EndStream:     true,
	}))

	// SETTINGS 增量会同步应用到已存在流的发送窗口
	require.NoError(t, tc.fr.WriteSettings(http2.Setting{
		ID: http2.SettingInitialWindowSize, Val: 65535,
	}))

	var got int
	for {
		fr := tc.readFrame()
		df, ok := fr.(*http2.DataFrame)
		if !ok {
			continue
		}
		got += len(df.Data())
		if df.StreamEnded() {
			break
		}
	}
	assert.Equal(t, responseSize, got)
}

func TestConnTrailers(t *testing.T) {
	withTrailers := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusOK, Header: make(http.Header)}); err != nil {
			return err
		}
		if err := rsp.WriteData(ctx, []byte("partial")); err != nil {
			return err
		}
		trailers := make(http.Header)
		trailers.Set("x-checksum", "deadbeef")
		return rsp.WriteTrailers(ctx, trailers)
	})

	tc := newTestConn(t, withTrailers, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/trailers")),
		EndHeaders:    true,
		EndStream:     true,
	}))

	var sawTrailers bool
	var body []byte
loop:
	for {
		switch fr := tc.readFrame().(type) {
		case *http2.DataFrame:
			body = append(body, fr.Data()...)
		case *http2.MetaHeadersFrame:
			for _, f := range fr.Fields {
				if f.Name == "x-checksum" {
					assert.Equal(t, "deadbeef", f.Value)
					sawTrailers = true
				}
			}
			if fr.StreamEnded() {
				break loop
			}
		}
	}
	assert.True(t, sawTrailers)
	assert.Equal(t, []byte("partial"), body)
}

func TestConnInterimResponse(t *testing.T) {
	interim := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		if err := rsp.WriteInterim(ctx, http.StatusContinue, make(http.Header)); err != nil {
			return err
		}
		if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusNoContent, Header: make(http.Header)}); err != nil {
			return err
		}
		return rsp.Finish(ctx)
	})

	tc := newTestConn(t, interim, Config{})
	tc.handshake()

	require.NoError(t, tc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: tc.encodeHeaders(reqHeaders("/interim")),
		EndHeaders:    true,
		EndStream:     true,
	}))

	var statuses []string
loop:
	for {
		switch fr := tc.readFrame().(type) {
		case *http2.MetaHeadersFrame:
			for _, f := range fr.Fields {
				if f.Name == ":status" {
					statuses = append(statuses, f.Value)
				}
			}
			if fr.StreamEnded() {
				break loop
			}
		case *http2.DataFrame:
			if fr.StreamEnded() {
				break loop
			}
		}
	}
	assert.Equal(t, []string{"100", "204"}, statuses)
}
