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

// Config HTTP/2 服务配置
//
// 零值字段回落到协议默认值 经 Validate 归一化后使用
type Config struct {
	MaxConcurrentStreams uint32 `config:"maxConcurrentStreams" mapstructure:"maxConcurrentStreams"`
	MaxFrameSize         uint32 `config:"maxFrameSize" mapstructure:"maxFrameSize"`
	MaxHeaderListSize    uint32 `config:"maxHeaderListSize" mapstructure:"maxHeaderListSize"`
	HeaderTableSize      uint32 `config:"headerTableSize" mapstructure:"headerTableSize"`
	InitialWindowSize    uint32 `config:"initialWindowSize" mapstructure:"initialWindowSize"`
	BodyChannelSize      int    `config:"bodyChannelSize" mapstructure:"bodyChannelSize"`
}

// Validate 归一化配置 非法取值回落为默认值
func (c *Config) Validate() {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if c.MaxFrameSize < defaultMaxFrameSize || c.MaxFrameSize > maxPayloadSize {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = defaultHeaderTableSize
	}
	if c.InitialWindowSize == 0 || c.InitialWindowSize > maxWindowSize {
		c.InitialWindowSize = defaultInitialWindowSize
	}
	if c.BodyChannelSize <= 0 {
		c.BodyChannelSize = 8
	}
}

// settings 返回配置对应的 SETTINGS 声明
func (c Config) settings() Settings {
	return Settings{
		HeaderTableSize:      c.HeaderTableSize,
		EnablePush:           false,
		MaxConcurrentStreams: c.MaxConcurrentStreams,
		InitialWindowSize:    c.InitialWindowSize,
		MaxFrameSize:         c.MaxFrameSize,
		MaxHeaderListSize:    c.MaxHeaderListSize,
	}
}
