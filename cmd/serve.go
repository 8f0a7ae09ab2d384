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

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slabd/slabd/common"
	"github.com/slabd/slabd/confengine"
	"github.com/slabd/slabd/controller"
	"github.com/slabd/slabd/internal/sigs"
	"github.com/slabd/slabd/logger"
)

var configPath string

// serveCmd 启动数据面与管控面 监听配置中的所有端口直至收到终止信号
//
// SIGHUP 触发日志配置热更新 监听与协议参数的变更需要重启进程
// (listener 的 rebind 与存量链接上的 SETTINGS 重协商都不是热更新能
// 覆盖的事情)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve HTTP/1.1 and HTTP/2 listeners",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := confengine.LoadConfigPath(configPath)
		if err != nil {
			fatalf("load config %s: %v", configPath, err)
		}

		ctr, err := controller.New(cfg)
		if err != nil {
			fatalf("build controller: %v", err)
		}
		if err := ctr.Start(); err != nil {
			fatalf("start listeners: %v", err)
		}
		logger.Infof("%s %s serving (pid=%d config=%s)", common.App, common.Version, os.Getpid(), configPath)

		term := sigs.Terminate()
		reload := sigs.Reload()
		for {
			select {
			case sig := <-term:
				logger.Infof("received %s, draining connections", sig)
				if err := ctr.Stop(); err != nil {
					logger.Errorf("shutdown finished with errors: %v", err)
				}
				return

			case <-reload:
				applyReload(ctr)
			}
		}
	},
	Example: "# slabd serve --config slabd.yaml",
}

// applyReload 重新读取配置文件并应用可热更新的部分
// 任何一步失败都保持当前配置继续服务
func applyReload(ctr *controller.Controller) {
	cfg, err := confengine.LoadConfigPath(configPath)
	if err != nil {
		logger.Errorf("reload: config %s unreadable, keeping current: %v", configPath, err)
		return
	}
	if err := ctr.Reload(cfg); err != nil {
		logger.Errorf("reload: apply failed, keeping current: %v", err)
		return
	}
	logger.Infof("reload: logger options applied")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "slabd.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}
