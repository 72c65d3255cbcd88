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
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/etcd"
)

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "registrar-etcd")
	if err != nil {
		panic(err)
	}
	clientPort, err := freePort()
	if err != nil {
		panic(err)
	}
	peerPort, err := freePort()
	if err != nil {
		panic(err)
	}
	err = etcd.InitEtcdServer(etcd.EmbedConfig{
		DataDir:   dir,
		LogOutput: "stderr",
		LogLevel:  "error",
		ClientURL: fmt.Sprintf("http://127.0.0.1:%d", clientPort),
		PeerURL:   fmt.Sprintf("http://127.0.0.1:%d", peerPort),
	})
	if err != nil {
		panic(err)
	}
	code := m.Run()
	etcd.StopEtcdServer()
	os.RemoveAll(dir)
	os.Exit(code)
}

type RegistrarSuite struct {
	suite.Suite
	cli  *clientv3.Client
	root string
}

func (s *RegistrarSuite) SetupTest() {
	cli, err := etcd.GetEmbedEtcdClient()
	s.Require().NoError(err)
	s.cli = cli
	s.root = fmt.Sprintf("jiscord-test/%d/", time.Now().UnixNano())
}

func (s *RegistrarSuite) TestRegisterAndStop() {
	ctx := context.Background()
	r := NewRegistrar(ctx, s.root, s.cli, "gw-1", "127.0.0.1:3002", WithTTL(5))
	s.Require().NoError(r.Register())
	s.True(r.Registered())

	instances, _, err := GetInstances(ctx, s.cli, s.root)
	s.Require().NoError(err)
	s.Require().Contains(instances, "gw-1")
	s.Equal("127.0.0.1:3002", instances["gw-1"].Address)
	s.Equal(Version.String(), instances["gw-1"].Version)

	r.Stop()
	s.False(r.Registered())
	instances, _, err = GetInstances(ctx, s.cli, s.root)
	s.Require().NoError(err)
	s.NotContains(instances, "gw-1")

	// idempotent
	r.Stop()
}

func (s *RegistrarSuite) TestDuplicateServerID() {
	ctx := context.Background()
	first := NewRegistrar(ctx, s.root, s.cli, "gw-dup", "a:1", WithTTL(5))
	s.Require().NoError(first.Register())
	defer first.Stop()

	second := NewRegistrar(ctx, s.root, s.cli, "gw-dup", "b:1", WithTTL(5), WithRetryTimes(1))
	s.Error(second.Register())
	s.False(second.Registered())
	second.Stop()
}

func (s *RegistrarSuite) TestVersionRange() {
	ctx := context.Background()
	r := NewRegistrar(ctx, s.root, s.cli, "gw-v", "a:1", WithTTL(5))
	s.Require().NoError(r.Register())
	defer r.Stop()

	matched, _, err := GetInstancesWithVersionRange(ctx, s.cli, s.root, semver.MustParseRange(">=1.0.0"))
	s.Require().NoError(err)
	s.Contains(matched, "gw-v")

	matched, _, err = GetInstancesWithVersionRange(ctx, s.cli, s.root, semver.MustParseRange(">=2.0.0"))
	s.Require().NoError(err)
	s.NotContains(matched, "gw-v")
}

func TestRegistrar(t *testing.T) {
	suite.Run(t, new(RegistrarSuite))
}
