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
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slabd/slabd/common"
	"github.com/slabd/slabd/internal/fasttime"
	"github.com/slabd/slabd/logger"
)

// adminServer 管控面 HTTP 服务 暴露指标 构建信息与 pprof
type adminServer struct {
	config AdminConfig
	router *mux.Router
	server *http.Server
}

func newAdminServer(config AdminConfig) *adminServer {
	router := mux.NewRouter()
	s := &adminServer{
		config: config,
		router: router,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
	}

	s.RegisterGetRoute("/metrics", promhttp.Handler().ServeHTTP)
	s.RegisterGetRoute("/-/buildinfo", s.buildInfoRoute)
	s.RegisterGetRoute("/-/stats", s.statsRoute)
	if config.Pprof {
		s.registerPprofRoutes()
	}
	return s
}

func (s *adminServer) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	logger.Infof("admin server listening on %s", s.config.Address)
	return s.server.Serve(l)
}

func (s *adminServer) Close() error {
	return s.server.Close()
}

func (s *adminServer) RegisterGetRoute(path string, f http.HandlerFunc) {
	s.router.Methods(http.MethodGet).Path(path).HandlerFunc(f)
}

func (s *adminServer) buildInfoRoute(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(common.GetBuildInfo())
}

func (s *adminServer) statsRoute(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"app":     common.App,
		"version": common.Version,
		"uptime":  fasttime.UnixTimestamp() - common.Started(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *adminServer) registerPprofRoutes() {
	s.RegisterGetRoute("/debug/pprof/cmdline", pprof.Cmdline)
	s.RegisterGetRoute("/debug/pprof/profile", pprof.Profile)
	s.RegisterGetRoute("/debug/pprof/symbol", pprof.Symbol)
	s.RegisterGetRoute("/debug/pprof/trace", pprof.Trace)
	s.RegisterGetRoute("/debug/pprof/{other}", pprof.Index)
}
