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
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabd/slabd/driver"
	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/transport"
)

var echoTestHandler = driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
	header := make(http.Header)
	header.Set("content-type", "text/plain")
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

type testServer struct {
	tr    transport.Transport
	br    *bufio.Reader
	errCh chan error
}

func newTestConn(t *testing.T, handler driver.Handler) *testServer {
	serverTr, clientTr := transport.Pipe()
	pool := bufpool.New(4096, 64)

	conn := NewConn(serverTr, pool, handler)
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Serve(context.Background())
	}()

	t.Cleanup(func() {
		_ = clientTr.Close()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Error("serve did not exit in time")
		}
		assert.NoError(t, pool.Release())
	})

	return &testServer{
		tr:    clientTr,
		br:    bufio.NewReader(trReader{clientTr}),
		errCh: errCh,
	}
}

type trReader struct {
	tr transport.Transport
}

func (r trReader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

func (ts *testServer) roundTrip(t *testing.T, raw string) *http.Response {
	require.NoError(t, ts.tr.WriteAll([]byte(raw)))

	rsp, err := http.ReadResponse(ts.br, nil)
	require.NoError(t, err)
	return rsp
}

func TestServeEcho(t *testing.T) {
	ts := newTestConn(t, echoTestHandler)

	body := "hello slabd"
	raw := fmt.Sprintf("POST /echo HTTP/1.1\r\nhost: slabd.test\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	rsp := ts.roundTrip(t, raw)
	defer rsp.Body.Close()

	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	got, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestServeKeepAlive(t *testing.T) {
	ts := newTestConn(t, echoTestHandler)

	for i := 0; i < 3; i++ {
		body := strings.Repeat("x", 100*(i+1))
		raw := fmt.Sprintf("POST / HTTP/1.1\r\nhost: a\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

		rsp := ts.roundTrip(t, raw)
		got, err := io.ReadAll(rsp.Body)
		rsp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, body, string(got))
	}
}

func TestServeChunkedRejected(t *testing.T) {
	ts := newTestConn(t, echoTestHandler)

	raw := "POST / HTTP/1.1\r\nhost: a\r\ntransfer-encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	rsp := ts.roundTrip(t, raw)
	defer rsp.Body.Close()

	assert.Equal(t, http.StatusNotImplemented, rsp.StatusCode)
}

func TestServeMalformedRequest(t *testing.T) {
	ts := newTestConn(t, echoTestHandler)

	rsp := ts.roundTrip(t, "NOT A REQUEST\r\n\r\n")
	defer rsp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestServeConnectionClose(t *testing.T) {
	ts := newTestConn(t, echoTestHandler)

	raw := "GET / HTTP/1.1\r\nhost: a\r\nconnection: close\r\n\r\n"
	rsp := ts.roundTrip(t, raw)
	rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	select {
	case err := <-ts.errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestServeUnconsumedBody(t *testing.T) {
	// handler 不读请求体 框架必须代为排空 保证下一个请求不被污染
	noRead := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusAccepted, Header: make(http.Header)}); err != nil {
			return err
		}
		return rsp.Finish(ctx)
	})
	ts := newTestConn(t, noRead)

	body := strings.Repeat("y", 500)
	raw := fmt.Sprintf("POST / HTTP/1.1\r\nhost: a\r\ncontent-length: %d\r\n\r\n%s", len(body), body)
	rsp := ts.roundTrip(t, raw)
	rsp.Body.Close()
	assert.Equal(t, http.StatusAccepted, rsp.StatusCode)

	rsp = ts.roundTrip(t, "GET / HTTP/1.1\r\nhost: a\r\n\r\n")
	rsp.Body.Close()
	assert.Equal(t, http.StatusAccepted, rsp.StatusCode)
}
