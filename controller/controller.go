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
	"github.com/hashicorp/go-multierror"

	"github.com/slabd/slabd/confengine"
	"github.com/slabd/slabd/logger"
	"github.com/slabd/slabd/server"
)

// Controller 进程级编排 负责数据面与管控面的生命周期
type Controller struct {
	config Config
	server *server.Server
	admin  *adminServer
}

// New 创建并返回 Controller 实例
func New(conf *confengine.Config) (*Controller, error) {
	var config Config
	if err := conf.Unpack(&config); err != nil {
		return nil, err
	}
	logger.SetOptions(config.Logger)

	handler, err := buildHandler(config.Handler)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(config.Server, handler)
	if err != nil {
		return nil, err
	}

	ctr := &Controller{
		config: config,
		server: srv,
	}
	if config.Admin.Enabled {
		ctr.admin = newAdminServer(config.Admin)
	}
	return ctr, nil
}

// Start 启动数据面与管控面
func (c *Controller) Start() error {
	if err := c.server.Start(); err != nil {
		return err
	}
	if c.admin != nil {
		go func() {
			if err := c.admin.ListenAndServe(); err != nil {
				logger.Warnf("admin server exited: %v", err)
			}
		}()
	}
	return nil
}

// Stop 停止服务 聚合清理过程中的所有错误
func (c *Controller) Stop() error {
	var errs *multierror.Error

	c.server.Stop()
	if c.admin != nil {
		if err := c.admin.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Reload 重新加载配置 目前仅日志配置支持热更新
//
// 其余字段的变更需要重启进程生效 reload 失败保持原配置运行
func (c *Controller) Reload(conf *confengine.Config) error {
	var config Config
	if err := conf.Unpack(&config); err != nil {
		return err
	}

	c.config.Logger = config.Logger
	logger.SetOptions(config.Logger)
	return nil
}
