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

package server

import (
	"context"
	"net"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/slabd/slabd/common"
	"github.com/slabd/slabd/driver"
	"github.com/slabd/slabd/h1"
	"github.com/slabd/slabd/h2"
	"github.com/slabd/slabd/internal/bufpool"
	"github.com/slabd/slabd/internal/rescue"
	"github.com/slabd/slabd/logger"
	"github.com/slabd/slabd/transport"
)

const (
	ProtoH1 = "h1"
	ProtoH2 = "h2"
)

// ListenerConfig 单个监听端口的配置
type ListenerConfig struct {
	Address string    `config:"address"`
	Proto   string    `config:"proto"`
	H2      h2.Config `config:"h2"`
}

// Config 数据面配置
type Config struct {
	Shards    int              `config:"shards"`
	Listeners []ListenerConfig `config:"listeners"`
}

// Validate 归一化配置
func (c *Config) Validate() error {
	if c.Shards <= 0 {
		c.Shards = common.Concurrency()
	}
	if len(c.Listeners) == 0 {
		return errors.New("server: no listeners configured")
	}
	for i := range c.Listeners {
		lc := &c.Listeners[i]
		switch lc.Proto {
		case ProtoH1, ProtoH2:
		case "":
			lc.Proto = ProtoH2
		default:
			return errors.Errorf("server: unknown proto (%s)", lc.Proto)
		}
	}
	return nil
}

// shard accept 分片 持有独立的 Slab Pool
//
// 链接按对端地址哈希落到固定分片 分片内的所有视图都来自
// 同一个 Pool 不跨分片流动
type shard struct {
	pool *bufpool.Pool

	mut   sync.Mutex
	conns map[*h2.Conn]struct{}
}

func newShard() *shard {
	return &shard{
		pool:  bufpool.Default(),
		conns: make(map[*h2.Conn]struct{}),
	}
}

func (sd *shard) track(conn *h2.Conn) {
	sd.mut.Lock()
	sd.conns[conn] = struct{}{}
	sd.mut.Unlock()
}

func (sd *shard) untrack(conn *h2.Conn) {
	sd.mut.Lock()
	delete(sd.conns, conn)
	sd.mut.Unlock()
}

// shutdown 对分片内所有链接发起优雅下线
func (sd *shard) shutdown() {
	sd.mut.Lock()
	for conn := range sd.conns {
		conn.Shutdown()
	}
	sd.mut.Unlock()
}

// Server 数据面入口 负责监听 accept 与链接分发
type Server struct {
	config  Config
	handler driver.Handler

	shards    []*shard
	listeners []net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建并返回 Server 实例
func New(config Config, handler driver.Handler) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	shards := make([]*shard, config.Shards)
	for i := range shards {
		shards[i] = newShard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		handler: handler,
		shards:  shards,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start 建立所有监听并启动 accept 循环
func (s *Server) Start() error {
	for _, lc := range s.config.Listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ln)
		logger.Infof("server listening on %s proto=%s", lc.Address, lc.Proto)

		s.wg.Add(1)
		go s.acceptLoop(ln, lc)
	}
	return nil
}

// Stop 停止监听 对存量链接发起优雅下线并释放分片资源
func (s *Server) Stop() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for _, sd := range s.shards {
		sd.shutdown()
	}
	s.cancel()
	s.wg.Wait()

	for _, sd := range s.shards {
		if err := sd.pool.Release(); err != nil {
			logger.Warnf("release shard pool failed: %v", err)
		}
	}
}

// pickShard 按对端地址哈希选择分片
func (s *Server) pickShard(remoteAddr string) *shard {
	idx := xxhash.Sum64String(remoteAddr) % uint64(len(s.shards))
	return s.shards[idx]
}

func (s *Server) acceptLoop(ln net.Listener, lc ListenerConfig) {
	defer s.wg.Done()
	defer rescue.HandleCrash()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			logger.Warnf("accept on %s failed: %v", lc.Address, err)
			return
		}

		connsAcceptedTotal.Inc()
		sd := s.pickShard(conn.RemoteAddr().String())

		s.wg.Add(1)
		go s.serveConn(sd, conn, lc)
	}
}

func (s *Server) serveConn(sd *shard, conn net.Conn, lc ListenerConfig) {
	defer s.wg.Done()
	defer rescue.HandleCrash()

	tr := transport.NewNetTransport(conn)

	switch lc.Proto {
	case ProtoH1:
		hc := h1.NewConn(tr, sd.pool, s.handler)
		if err := hc.Serve(s.ctx); err != nil {
			logger.Debugf("h1 conn %s: %v", conn.RemoteAddr(), err)
		}

	case ProtoH2:
		hc := h2.NewConn(tr, sd.pool, s.handler, lc.H2)
		sd.track(hc)
		err := hc.Serve(s.ctx)
		sd.untrack(hc)
		if err != nil {
			logger.Debugf("h2 conn %s: %v", conn.RemoteAddr(), err)
		}
	}
}
