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

const (
	// App 应用程序名称
	App = "slabd"

	// Version 应用程序版本
	Version = "v0.0.1"

	// SlabSize 单个 Slab 的字节数
	//
	// 与内核页大小对齐 一次 transport Read 最多填充一个 Slab
	// 过大的 Slab 会放大单链接的内存占用 4K 是页对齐的折中选择
	SlabSize = 4096

	// NumSlabs 每个 Pool 持有的 Slab 数量
	//
	// Pool 容量固定 不支持动态扩容 Slab 耗尽时 Alloc 返回错误
	// 由上层决定降级行为
	NumSlabs = 64 * 1024
)
