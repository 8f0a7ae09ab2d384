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

package rollbuf

import (
	"github.com/pkg/errors"

	"github.com/slabd/slabd/internal/bufpool"
)

// ErrOverflow 数据超出单个 Slab 的容量
//
// RollMut 不做多 Slab 级联 超长的待解析数据由上层判为协议错误
var ErrOverflow = errors.New("rollbuf: data overflows slab")

// RollMut 解析缓冲 由 Pool Slab 支撑
//
// 窗口布局
//
//	|<----- 已填充 (Filled) ----->|<----- 可写尾部 (Reserve) ----->|
//	^                            ^
//	视图起点                      filled
//
// transport 读入可写尾部后 Advance 提交 解析器消费已填充区的前缀后
// Keep 保留未解析的后缀 当 Keep 之后尾部空间不足以继续读取时
// Grow 迁移到新 Slab 拷贝保留的后缀并释放旧视图
//
// 已经通过 FilledBuf 交出的共享视图不受迁移影响 引用计数保证旧 Slab 存活
type RollMut struct {
	pool   *bufpool.Pool
	view   *bufpool.BufMut
	filled int
}

// Alloc 创建并返回 RollMut 实例
func Alloc(pool *bufpool.Pool) (*RollMut, error) {
	view, err := pool.Alloc()
	if err != nil {
		return nil, err
	}
	return &RollMut{
		pool: pool,
		view: view,
	}, nil
}

// Len 返回已填充区长度
func (rm *RollMut) Len() int {
	return rm.filled
}

// Cap 返回可写尾部长度
func (rm *RollMut) Cap() int {
	return rm.view.Len() - rm.filled
}

// Reserve 返回可写尾部 供 transport 直接读入
//
// 返回的切片地址稳定 可提交给 completion 型 I/O 读取完成后调用 Advance
func (rm *RollMut) Reserve() []byte {
	return rm.view.Bytes()[rm.filled:]
}

// Advance 提交 n 字节为已填充
func (rm *RollMut) Advance(n int) {
	if n < 0 || rm.filled+n > rm.view.Len() {
		panic(errors.New("rollbuf: advance out of range"))
	}
	rm.filled += n
}

// Filled 返回已填充区
func (rm *RollMut) Filled() []byte {
	return rm.view.Bytes()[:rm.filled]
}

// FilledBuf 冻结已填充区的 [0, n) 前缀为共享视图
//
// 视图独立持有引用计数 生命周期与 RollMut 解耦
func (rm *RollMut) FilledBuf(n int) *bufpool.Buf {
	return rm.view.FreezeSlice(0, n)
}

// Keep 丢弃已填充区前 n 字节 保留其后缀
func (rm *RollMut) Keep(n int) {
	if n < 0 || n > rm.filled {
		panic(errors.New("rollbuf: keep out of range"))
	}
	rm.view.Skip(n)
	rm.filled -= n
}

// Put 追加数据 尾部不足时迁移 仍不足则返回 ErrOverflow
func (rm *RollMut) Put(b []byte) error {
	if len(b) > rm.Cap() {
		if err := rm.Grow(); err != nil {
			return err
		}
	}
	if len(b) > rm.Cap() {
		return ErrOverflow
	}
	copy(rm.Reserve(), b)
	rm.filled += len(b)
	return nil
}

// Grow 迁移到新 Slab 拷贝已填充的后缀并释放旧视图
//
// 已填充区大于等于整个 Slab 时无法迁移 返回 ErrOverflow
func (rm *RollMut) Grow() error {
	if rm.filled >= rm.pool.SlabSize() {
		return ErrOverflow
	}

	next, err := rm.pool.Alloc()
	if err != nil {
		return err
	}
	copy(next.Bytes(), rm.Filled())

	rm.view.Free()
	rm.view = next
	return nil
}

// Free 释放底层视图 调用后请勿再次使用
func (rm *RollMut) Free() {
	rm.view.Free()
}
