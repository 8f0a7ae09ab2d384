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

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/slabd/slabd/common"
)

func newError(format string, args ...any) error {
	format = "bufpool: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrOutOfMemory Pool 中已无空闲 Slab
	//
	// Pool 容量固定 不阻塞等待也不扩容 调用方自行决定降级策略
	ErrOutOfMemory = newError("out of memory")

	// ErrReleased Pool 已被释放
	ErrReleased = newError("pool released")
)

// Pool Slab 内存池
//
// Pool 持有一块匿名映射 切分为 numSlabs 个定长 Slab 首次 Alloc 时惰性建立映射
// Release 时解除 每个 Slab 维护一个带符号引用计数 初始为 0 每个存活的视图
// (BufMut / Buf) 持有一个计数 计数归零时 Slab 回到空闲队列尾部
//
// 提交给内核的 I/O 操作要求地址在完成前保持稳定 Pool 从不搬移字节
// 只要还有视图存活 对应 Slab 的地址就有效
//
// Pool 归属于单个 accept 分片 由链接处理器显式传递 不做跨分片共享
// 同分片内的 goroutine 可能同时归还视图 因此内部用一把小锁保护
// 引用计数与空闲队列
type Pool struct {
	slabSize int
	numSlabs int

	mut      sync.Mutex
	arena    []byte
	refs     []int32
	free     []uint32 // 环形队列 插入有序
	head     int
	count    int
	released bool
}

// New 创建并返回 Pool 实例 映射推迟到首次 Alloc
func New(slabSize int, numSlabs int) *Pool {
	if slabSize <= 0 || numSlabs <= 0 {
		panic(newError("invalid pool geometry"))
	}
	return &Pool{
		slabSize: slabSize,
		numSlabs: numSlabs,
	}
}

// Default 创建并返回默认规格的 Pool 实例
func Default() *Pool {
	return New(common.SlabSize, common.NumSlabs)
}

// SlabSize 返回单个 Slab 的字节数
func (p *Pool) SlabSize() int {
	return p.slabSize
}

// NumFree 返回当前空闲 Slab 数量
func (p *Pool) NumFree() int {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.arena == nil {
		return p.numSlabs
	}
	return p.count
}

// Alloc 从空闲队列头部取出一个 Slab 返回覆盖整个 Slab 的独占视图
//
// 空闲队列为空时返回 ErrOutOfMemory 首次调用时建立匿名映射
// 映射失败则原样包装错误返回
func (p *Pool) Alloc() (*BufMut, error) {
	p.mut.Lock()
	defer p.mut.Unlock()

	if err := p.ensureArenaLocked(); err != nil {
		return nil, err
	}

	if p.count == 0 {
		return nil, ErrOutOfMemory
	}

	idx := p.free[p.head]
	p.head = (p.head + 1) % p.numSlabs
	p.count--
	p.refs[idx]++

	return &BufMut{
		pool: p,
		idx:  idx,
		off:  0,
		n:    uint32(p.slabSize),
	}, nil
}

// Release 解除匿名映射 之后任何视图操作均为未定义行为
//
// 生命周期随分片退出 由 server 在关闭时调用
func (p *Pool) Release() error {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.arena == nil {
		p.released = true
		return nil
	}

	arena := p.arena
	p.arena = nil
	p.refs = nil
	p.free = nil
	p.count = 0
	p.released = true
	return unix.Munmap(arena)
}

func (p *Pool) ensureArenaLocked() error {
	if p.arena != nil {
		return nil
	}
	if p.released {
		return ErrReleased
	}

	size := p.slabSize * p.numSlabs
	arena, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return errors.WithMessage(err, "bufpool: mmap arena failed")
	}

	p.arena = arena
	p.refs = make([]int32, p.numSlabs)
	p.free = make([]uint32, p.numSlabs)
	for i := 0; i < p.numSlabs; i++ {
		p.free[i] = uint32(i)
	}
	p.head = 0
	p.count = p.numSlabs
	return nil
}

// incRef 为 Slab 增加一个引用
func (p *Pool) incRef(idx uint32) {
	p.mut.Lock()
	p.refs[idx]++
	p.mut.Unlock()
}

// decRef 为 Slab 减少一个引用 归零时 Slab 回到空闲队列尾部
func (p *Pool) decRef(idx uint32) {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.refs[idx]--
	if p.refs[idx] == 0 {
		tail := (p.head + p.count) % p.numSlabs
		p.free[tail] = idx
		p.count++
	}
}

// slab 返回 idx 对应 Slab 的完整字节窗口
func (p *Pool) slab(idx uint32) []byte {
	start := int(idx) * p.slabSize
	return p.arena[start : start+p.slabSize]
}
