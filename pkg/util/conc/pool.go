// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"fmt"
	"sync"

	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

// Pool 是对 ants 协程池的泛型封装，提交任务后返回 Future。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建容量为 cap 的协程池，cap 必须为正。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交任务；池已关闭时返回的 Future 直接携带错误。
// 任务 panic 时 Future 也会完成，错误为 ErrServiceInternal。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	var once sync.Once
	finish := func() { once.Do(func() { close(future.ch) }) }

	err := pool.inner.Submit(func() {
		defer finish()
		defer func() {
			if x := recover(); x != nil {
				future.err = merr.WrapErrServiceInternal(fmt.Sprintf("task panicked: %v", x))
				if !pool.opt.concealPanic {
					panic(x)
				}
			}
		}()
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		future.value, future.err = method()
	})
	if err != nil {
		future.err = err
		finish()
	}
	return future
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回当前正在执行任务的 worker 数。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 释放协程池，之后提交的任务会立即失败。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

// Resize 调整协程池容量。
func (pool *Pool[T]) Resize(size int) error {
	if size <= 0 {
		return merr.WrapErrParameterInvalidMsg("pool size must be positive, got %d", size)
	}
	pool.inner.Tune(size)
	return nil
}
