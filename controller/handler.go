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

package controller

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/slabd/slabd/common"
	"github.com/slabd/slabd/driver"
)

// builtinHandlers 内置 handler 注册表
//
// 二进制形态下通过配置选择 库形态下使用方直接注入 driver.Handler
var builtinHandlers = map[string]func(opts common.Options) (driver.Handler, error){
	"echo":  newEchoHandler,
	"hello": newHelloHandler,
}

func buildHandler(hc HandlerConfig) (driver.Handler, error) {
	name := hc.Name
	if name == "" {
		name = "hello"
	}
	f, ok := builtinHandlers[name]
	if !ok {
		return nil, errors.Errorf("controller: handler (%s) not found", name)
	}
	return f(hc.Options)
}

// newEchoHandler 回显请求体 流式转发 不缓冲整个 body
func newEchoHandler(_ common.Options) (driver.Handler, error) {
	h := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		header := make(http.Header)
		if ct := req.Header.Get("content-type"); ct != "" {
			header.Set("content-type", ct)
		} else {
			header.Set("content-type", "application/octet-stream")
		}

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
	return h, nil
}

// newHelloHandler 固定文本响应 可配置响应内容
func newHelloHandler(opts common.Options) (driver.Handler, error) {
	text, err := opts.GetString("text")
	if err != nil || text == "" {
		text = common.App + " is serving\n"
	}

	h := driver.HandlerFunc(func(ctx context.Context, req *driver.Request, body driver.Body, rsp driver.Responder) error {
		header := make(http.Header)
		header.Set("content-type", "text/plain")

		if err := rsp.WriteResponse(ctx, &driver.Response{Status: http.StatusOK, Header: header}); err != nil {
			return err
		}
		if err := rsp.WriteData(ctx, []byte(text)); err != nil {
			return err
		}
		return rsp.Finish(ctx)
	})
	return h, nil
}
