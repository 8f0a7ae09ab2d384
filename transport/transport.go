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

package transport

import (
	"io"
	"net"

	"github.com/pkg/errors"
)

// ErrClosed transport 已关闭
var ErrClosed = errors.New("transport: closed")

// Transport 链接两端的字节传输契约
//
// 这是 completion 型 I/O 的显式约定 Read / WriteAll 在调用期间
// 持有传入缓冲区的所有权 缓冲区地址必须在调用返回前保持稳定
// 传入 Pool Slab 上的窗口即可满足该要求
//
// Read 至少读取一个字节才返回 对端关闭返回 io.EOF
// WriteAll 写完整个缓冲区才返回 部分写入视为错误
type Transport interface {
	Read(p []byte) (int, error)
	WriteAll(p []byte) error
	Close() error
	RemoteAddr() string
}

type netTransport struct {
	conn net.Conn
}

// NewNetTransport 基于 net.Conn 创建 Transport
func NewNetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn}
}

func (t *netTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if n == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

func (t *netTransport) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := t.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}

func (t *netTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
