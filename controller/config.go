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
	"time"

	"github.com/slabd/slabd/common"
	"github.com/slabd/slabd/logger"
	"github.com/slabd/slabd/server"
)

// AdminConfig 管控面 HTTP 服务配置
type AdminConfig struct {
	Enabled bool          `config:"enabled"`
	Address string        `config:"address"`
	Pprof   bool          `config:"pprof"`
	Timeout time.Duration `config:"timeout"`
}

// Config controller 根配置
type Config struct {
	Logger  logger.Options `config:"logger"`
	Server  server.Config  `config:"server"`
	Admin   AdminConfig    `config:"admin"`
	Handler HandlerConfig  `config:"handler"`
}

// HandlerConfig 内置 handler 选择与参数
type HandlerConfig struct {
	Name    string         `config:"name"`
	Options common.Options `config:"options"`
}
