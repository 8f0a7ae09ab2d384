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

package driver

import (
	"context"
	"net/http"

	"github.com/slabd/slabd/internal/bufpool"
)

// Request 到达的请求 头部已经完整解析 请求体通过 Body 流式读取
type Request struct {
	Method     string
	Scheme     string
	Path       string
	Authority  string
	Proto      string
	Header     http.Header
	RemoteAddr string
}

// Body 入站请求体读取器
//
// Next 返回的视图由调用方负责 Free 消费行为同时驱动流量控制窗口的回填
// 流正常结束返回 io.EOF 被对端重置返回包含重置原因的错误
type Body interface {
	Next(ctx context.Context) (*bufpool.Buf, error)
}

// Response 最终响应的状态行与头部
type Response struct {
	Status int
	Header http.Header
}

// Responder 响应发射器
//
// 时序约束 零个或多个 WriteInterim (1xx) 在前 恰好一个 WriteResponse
// 其后零个或多个 WriteData 可选一次 WriteTrailers 最后 Finish 收尾
// 违反时序的调用返回错误 发送受写队列与流量控制窗口的双重背压
// 窗口耗尽时阻塞等待 ctx 取消时提前返回
type Responder interface {
	WriteInterim(ctx context.Context, status int, header http.Header) error
	WriteResponse(ctx context.Context, rsp *Response) error
	WriteData(ctx context.Context, p []byte) error
	WriteTrailers(ctx context.Context, trailers http.Header) error
	Finish(ctx context.Context) error
}

// Handler 用户侧请求处理器 每条流调用一次
//
// 返回错误时 若最终响应还未发出则由框架合成 500 响应
// 若响应体已经开始发送则以 INTERNAL_ERROR 重置流
type Handler interface {
	Handle(ctx context.Context, req *Request, body Body, rsp Responder) error
}

// HandlerFunc 函数式 Handler 适配器
type HandlerFunc func(ctx context.Context, req *Request, body Body, rsp Responder) error

func (f HandlerFunc) Handle(ctx context.Context, req *Request, body Body, rsp Responder) error {
	return f(ctx, req, body, rsp)
}
