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

package common

import (
	"fmt"
	"runtime"
)

// 由构建脚本通过 -ldflags -X 注入 本地 go build 时为空
var (
	buildVersion string
	buildTime    string
	buildHash    string
)

// BuildInfo 程序构建信息
type BuildInfo struct {
	Version   string `json:"version"`
	GitHash   string `json:"gitHash"`
	Time      string `json:"time"`
	GoVersion string `json:"goVersion"`
}

// GetBuildInfo 返回构建信息 未注入的字段回落到默认值
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   buildVersion,
		GitHash:   buildHash,
		Time:      buildTime,
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = Version
	}
	if info.GitHash == "" {
		info.GitHash = "unknown"
	}
	return info
}

func (bi BuildInfo) String() string {
	return fmt.Sprintf("%s %s (git=%s built=%s %s)", App, bi.Version, bi.GitHash, bi.Time, bi.GoVersion)
}
