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
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

func TestPool(t *testing.T) {
	pool := NewPool[int](4)
	defer pool.Release()

	futures := make([]*Future[int], 0, 16)
	for i := 0; i < 16; i++ {
		res := i
		futures = append(futures, pool.Submit(func() (int, error) {
			time.Sleep(time.Millisecond)
			return res, nil
		}))
	}

	assert.NoError(t, AwaitAll(futures...))
	for i, future := range futures {
		assert.True(t, future.Done())
		assert.Equal(t, i, future.Value())
	}
	assert.Equal(t, 4, pool.Cap())
}

func TestPoolError(t *testing.T) {
	pool := NewPool[any](2)
	defer pool.Release()

	boom := errors.New("boom")
	f1 := pool.Submit(func() (any, error) { return nil, nil })
	f2 := pool.Submit(func() (any, error) { return nil, boom })
	assert.ErrorIs(t, AwaitAll(f1, f2), boom)
}

func TestPoolPanicConcealed(t *testing.T) {
	pool := NewPool[any](1, WithConcealPanic(true))
	defer pool.Release()

	future := pool.Submit(func() (any, error) {
		panic("bad task")
	})
	assert.ErrorIs(t, future.Err(), merr.ErrServiceInternal)

	// the worker survives
	ok := pool.Submit(func() (any, error) { return 1, nil })
	assert.NoError(t, ok.Err())
}

func TestPoolPreHandlerAndResize(t *testing.T) {
	var calls atomic.Int32
	pool := NewPool[any](1, WithPreHandler(func() { calls.Add(1) }))
	defer pool.Release()

	assert.NoError(t, pool.Submit(func() (any, error) { return nil, nil }).Err())
	assert.Equal(t, int32(1), calls.Load())

	assert.NoError(t, pool.Resize(3))
	assert.Equal(t, 3, pool.Cap())
	err := pool.Resize(0)
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
	assert.Equal(t, 3, pool.Cap())
}

func TestSubmitAfterRelease(t *testing.T) {
	pool := NewPool[any](1)
	pool.Release()
	assert.Error(t, pool.Submit(func() (any, error) { return nil, nil }).Err())
}

func TestGo(t *testing.T) {
	future := Go(func() (string, error) { return "ok", nil })
	v, err := future.Await()
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
	<-future.Inner()
}
