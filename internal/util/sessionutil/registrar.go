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

package sessionutil

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/retry"
)

const (
	// DefaultInstanceRoot 为网关实例在 etcd 中的子目录。
	DefaultInstanceRoot = "instances/"

	defaultTTL        int64 = 10
	defaultRetryTimes uint  = 10
)

// Version 为当前网关的版本号，写入实例记录。
var Version = semver.MustParse("1.0.0")

// Instance 为写入 etcd 的网关实例记录。
type Instance struct {
	ServerID  string            `json:"ServerID"`
	Address   string            `json:"Address"`
	Version   string            `json:"Version"`
	StartedAt time.Time         `json:"StartedAt"`
	HostName  string            `json:"HostName,omitempty"`
	LeaseID   *clientv3.LeaseID `json:"LeaseID,omitempty"`
}

// SemVer 解析实例记录中的版本号。
func (i *Instance) SemVer() (semver.Version, error) {
	return semver.Parse(i.Version)
}

// Registrar 把当前网关实例以租约形式注册到 etcd，租约失效时自动重新注册。
// 实例记录只用于运维侧发现，不参与会话路由。
type Registrar struct {
	log.Binder

	ctx    context.Context
	cancel context.CancelFunc

	Instance

	etcdCli    *clientv3.Client
	metaRoot   string
	ttl        int64
	retryTimes uint

	registered atomic.Bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

type RegistrarOption func(r *Registrar)

func WithTTL(ttl int64) RegistrarOption {
	return func(r *Registrar) { r.ttl = ttl }
}

func WithRetryTimes(n uint) RegistrarOption {
	return func(r *Registrar) { r.retryTimes = n }
}

// NewRegistrar 创建实例注册器，serverID 与会话 ID 一样使用 uuid。
func NewRegistrar(ctx context.Context, metaRoot string, client *clientv3.Client, serverID, address string, opts ...RegistrarOption) *Registrar {
	ctx, cancel := context.WithCancel(ctx)
	hostName, _ := os.Hostname()
	r := &Registrar{
		ctx:    ctx,
		cancel: cancel,
		Instance: Instance{
			ServerID:  serverID,
			Address:   address,
			Version:   Version.String(),
			StartedAt: time.Now(),
			HostName:  hostName,
		},
		etcdCli:    client,
		metaRoot:   metaRoot,
		ttl:        defaultTTL,
		retryTimes: defaultRetryTimes,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.SetLogger(log.With(log.FieldComponent("registrar"), zap.String("serverID", serverID)))
	return r
}

// Key 返回当前实例在 etcd 中的完整键。
func (r *Registrar) Key() string {
	return path.Join(r.metaRoot, DefaultInstanceRoot, r.ServerID)
}

// Register 写入实例记录并启动租约保活。
func (r *Registrar) Register() error {
	if err := r.registerInstance(); err != nil {
		r.Logger().Error("register failed", zap.Error(err))
		return err
	}
	r.registered.Store(true)
	r.wg.Add(1)
	go r.keepAliveLoop()
	return nil
}

func (r *Registrar) Registered() bool {
	return r.registered.Load()
}

func (r *Registrar) registerInstance() error {
	key := r.Key()
	registerFn := func() error {
		resp, err := r.etcdCli.Grant(r.ctx, r.ttl)
		if err != nil {
			r.Logger().Warn("register instance: failed to grant lease from etcd", zap.Error(err))
			return err
		}
		leaseID := resp.ID
		r.LeaseID = &leaseID

		value, err := json.Marshal(&r.Instance)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		txnResp, err := r.etcdCli.Txn(r.ctx).If(
			clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, string(value), clientv3.WithLease(leaseID))).Commit()
		if err != nil {
			r.Logger().Warn("register on etcd error, check the availability of etcd", zap.Error(err))
			return err
		}
		if !txnResp.Succeeded {
			return retry.Unrecoverable(errors.Newf("instance key already exists: %s", key))
		}
		r.Logger().Info("instance registered", zap.String("key", key), zap.Int64("leaseID", int64(leaseID)))
		return nil
	}
	return retry.Do(r.ctx, registerFn, retry.Attempts(r.retryTimes))
}

// keepAliveLoop 持续保活租约；KeepAlive 通道关闭后按指数退避重建，
// 租约已过期时重新注册实例记录。
func (r *Registrar) keepAliveLoop() {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for {
		if r.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			next := bo.NextBackOff()
			r.Logger().Warn("keep alive failed, wait for retry", zap.Error(lastErr), zap.Duration("nextBackoffInterval", next))
			select {
			case <-time.After(next):
			case <-r.ctx.Done():
				return
			}
		}

		ch, err := r.etcdCli.KeepAlive(r.ctx, *r.LeaseID)
		if err != nil {
			if errors.Is(err, v3rpc.ErrLeaseNotFound) {
				lastErr = r.reRegister()
				continue
			}
			lastErr = errors.Wrap(err, "failed to keep alive")
			continue
		}
		r.Logger().Info("keep alive...", zap.Int64("leaseID", int64(*r.LeaseID)))

		// 阻塞直到通道关闭：ctx 结束或租约失效。
		for range ch {
		}
		if r.ctx.Err() != nil {
			return
		}
		lastErr = r.reRegister()
		if lastErr == nil {
			bo.Reset()
		}
	}
}

func (r *Registrar) reRegister() error {
	ctx, cancel := context.WithTimeout(r.ctx, time.Duration(r.ttl)*time.Second)
	defer cancel()
	resp, err := r.etcdCli.TimeToLive(ctx, *r.LeaseID)
	if err == nil && resp.TTL > 0 {
		return nil
	}
	r.Logger().Warn("lease expired, register instance again")
	return r.registerInstance()
}

// GetInstances 列出 etcd 中全部已注册的网关实例及当前 revision。
func GetInstances(ctx context.Context, client *clientv3.Client, metaRoot string) (map[string]*Instance, int64, error) {
	prefix := path.Join(metaRoot, DefaultInstanceRoot) + "/"
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	res := make(map[string]*Instance, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst := &Instance{}
		if err := json.Unmarshal(kv.Value, inst); err != nil {
			return nil, 0, errors.Wrapf(err, "decode instance %s", kv.Key)
		}
		res[inst.ServerID] = inst
	}
	return res, resp.Header.Revision, nil
}

// GetInstancesWithVersionRange 只返回版本落在 rg 内的实例。
func GetInstancesWithVersionRange(ctx context.Context, client *clientv3.Client, metaRoot string, rg semver.Range) (map[string]*Instance, int64, error) {
	all, rev, err := GetInstances(ctx, client, metaRoot)
	if err != nil {
		return nil, 0, err
	}
	for id, inst := range all {
		v, err := inst.SemVer()
		if err != nil || !rg(v) {
			delete(all, id)
		}
	}
	return all, rev, nil
}

// Stop 停止保活并撤销租约，实例记录随租约一起删除。
func (r *Registrar) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		if !r.registered.Load() || r.LeaseID == nil {
			return
		}
		// r.ctx 已结束，撤销租约需要独立的超时 context。
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := r.etcdCli.Revoke(ctx, *r.LeaseID); err != nil {
			r.Logger().Warn("failed to revoke lease", zap.Error(err), zap.Int64("leaseID", int64(*r.LeaseID)))
			return
		}
		r.registered.Store(false)
		r.Logger().Info("lease revoked", zap.Int64("leaseID", int64(*r.LeaseID)))
	})
}
