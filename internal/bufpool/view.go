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

package bufpool

// BufMut Slab 上的独占可写视图 窗口为 [off, off+n)
//
// Go 没有仿射类型 独占性靠约定维护 BufMut 不提供 Clone
// Freeze / SplitAt 会消耗接收者 被消耗或已 Free 的视图再次使用会 panic
// 同一个 Slab 上不允许同时存在可写视图和共享视图的重叠窗口
//
// 越界的 Skip / SplitAt 属于调用方错误 一律 panic 不作为运行时错误返回
type BufMut struct {
	pool *Pool
	idx  uint32
	off  uint32
	n    uint32
	dead bool
}

// Len 返回窗口长度
func (bm *BufMut) Len() int {
	return int(bm.n)
}

// Bytes 返回窗口的可写字节切片
//
// 切片直接落在 arena 上 在所有同 Slab 视图释放前地址保持稳定
// 可安全提交给 completion 型 I/O
func (bm *BufMut) Bytes() []byte {
	bm.ensureAlive()
	return bm.pool.slab(bm.idx)[bm.off : bm.off+bm.n]
}

// Skip 跳过窗口前 n 字节
func (bm *BufMut) Skip(n int) {
	bm.ensureAlive()
	if n < 0 || uint32(n) > bm.n {
		panic(newError("skip out of range"))
	}
	bm.off += uint32(n)
	bm.n -= uint32(n)
}

// SplitAt 将视图一分为二 两个返回视图窗口不相交 接收者被消耗
//
// 新增了一个句柄 引用计数加一
func (bm *BufMut) SplitAt(n int) (*BufMut, *BufMut) {
	bm.ensureAlive()
	if n < 0 || uint32(n) > bm.n {
		panic(newError("split out of range"))
	}

	left := &BufMut{pool: bm.pool, idx: bm.idx, off: bm.off, n: uint32(n)}
	right := &BufMut{pool: bm.pool, idx: bm.idx, off: bm.off + uint32(n), n: bm.n - uint32(n)}

	bm.dead = true
	bm.pool.incRef(bm.idx)
	return left, right
}

// Freeze 将可写视图转为只读共享视图 接收者被消耗 引用计数不变
func (bm *BufMut) Freeze() *Buf {
	bm.ensureAlive()
	bm.dead = true
	return &Buf{pool: bm.pool, idx: bm.idx, off: bm.off, n: bm.n}
}

// FreezeSlice 冻结窗口的 [i, j) 子区间为共享视图 接收者保持有效
//
// 调用方必须保证该区间之后不再被写入 引用计数加一
func (bm *BufMut) FreezeSlice(i, j int) *Buf {
	bm.ensureAlive()
	if i < 0 || i > j || uint32(j) > bm.n {
		panic(newError("freeze slice out of range"))
	}
	bm.pool.incRef(bm.idx)
	return &Buf{pool: bm.pool, idx: bm.idx, off: bm.off + uint32(i), n: uint32(j - i)}
}

// Free 释放视图 引用计数减一
func (bm *BufMut) Free() {
	bm.ensureAlive()
	bm.dead = true
	bm.pool.decRef(bm.idx)
}

func (bm *BufMut) ensureAlive() {
	if bm.dead {
		panic(newError("use of moved or freed BufMut"))
	}
}

// Buf Slab 上的只读共享视图 可复制
//
// 每个 Clone / Slice / SplitAt 产生的句柄各持有一个引用计数
// 已 Free 或被 SplitAt 消耗的视图再次使用会 panic
type Buf struct {
	pool *Pool
	idx  uint32
	off  uint32
	n    uint32
	dead bool
}

// Len 返回窗口长度
func (b *Buf) Len() int {
	return int(b.n)
}

// Bytes 返回窗口的字节切片 调用方不得修改
func (b *Buf) Bytes() []byte {
	b.ensureAlive()
	return b.pool.slab(b.idx)[b.off : b.off+b.n]
}

// Clone 复制视图 引用计数加一
func (b *Buf) Clone() *Buf {
	b.ensureAlive()
	b.pool.incRef(b.idx)
	return &Buf{pool: b.pool, idx: b.idx, off: b.off, n: b.n}
}

// Slice 返回 [i, j) 子区间的新视图 接收者保持有效 引用计数加一
func (b *Buf) Slice(i, j int) *Buf {
	b.ensureAlive()
	if i < 0 || i > j || uint32(j) > b.n {
		panic(newError("slice out of range"))
	}
	b.pool.incRef(b.idx)
	return &Buf{pool: b.pool, idx: b.idx, off: b.off + uint32(i), n: uint32(j - i)}
}

// SplitAt 将视图一分为二 接收者被消耗 引用计数加一
func (b *Buf) SplitAt(n int) (*Buf, *Buf) {
	b.ensureAlive()
	if n < 0 || uint32(n) > b.n {
		panic(newError("split out of range"))
	}

	left := &Buf{pool: b.pool, idx: b.idx, off: b.off, n: uint32(n)}
	right := &Buf{pool: b.pool, idx: b.idx, off: b.off + uint32(n), n: b.n - uint32(n)}

	b.dead = true
	b.pool.incRef(b.idx)
	return left, right
}

// Free 释放视图 引用计数减一
func (b *Buf) Free() {
	b.ensureAlive()
	b.dead = true
	b.pool.decRef(b.idx)
}

func (b *Buf) ensureAlive() {
	if b.dead {
		panic(newError("use of moved or freed Buf"))
	}
}
