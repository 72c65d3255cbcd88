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

package merr

import (
	"context"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSessionNotFound("s-1")
	err = errors.Wrap(err, "failed to touch session")
	s.ErrorIs(err, ErrSessionNotFound)
	s.Equal(Code(ErrSessionNotFound), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(io.EOF))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newGatewayError("new error", ErrSessionNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrSessionNotFound))
}

func (s *ErrSuite) TestWrap() {
	// Service 相关错误。
	s.ErrorIs(WrapErrServiceNotReady("gateway", "initializing"), ErrServiceNotReady)
	s.ErrorIs(WrapErrServiceUnavailable("broker down", "health"), ErrServiceUnavailable)
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)

	// 参数相关错误。
	s.ErrorIs(WrapErrParameterInvalid(8, 1, "failed to create"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidRange(1, 1<<16, 0, "size should be in range"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("bad %s", "value"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("auth.url", "no auth service"), ErrParameterMissing)

	// Session 相关错误。
	s.ErrorIs(WrapErrSessionNotFound("s-1", "bind"), ErrSessionNotFound)
	s.ErrorIs(WrapErrSessionClosed("s-1"), ErrSessionClosed)
	s.ErrorIs(WrapErrSendQueueFull("s-1", 16), ErrSendQueueFull)

	// 鉴权相关错误。
	s.ErrorIs(WrapErrIdentityRejected("status 401"), ErrIdentityRejected)
	s.ErrorIs(WrapErrTokenMissing(), ErrTokenMissing)

	// 协议相关错误。
	s.ErrorIs(WrapErrProtocolMalformed("bad json"), ErrProtocolMalformed)
	s.ErrorIs(WrapErrProtocolUnknownOp("RESUME"), ErrProtocolUnknownOp)
	s.ErrorIs(WrapErrProtocolViolation("SEND_MESSAGE", "CONNECTED"), ErrProtocolViolation)

	// 协作服务相关错误。
	s.ErrorIs(WrapErrStoreFailed(io.ErrUnexpectedEOF), ErrStoreFailed)
	s.ErrorIs(WrapErrStoreFailed(io.ErrUnexpectedEOF), io.ErrUnexpectedEOF)
	s.ErrorIs(WrapErrBrokerUnavailable(io.EOF, "ping"), ErrBrokerUnavailable)
	s.ErrorIs(WrapErrBrokerPublish("jiscord:channel:c1", io.EOF), ErrBrokerPublish)
	s.Nil(WrapErrStoreFailed(nil))
	s.Nil(WrapErrBrokerUnavailable(nil))
	s.Nil(WrapErrBrokerPublish("t", nil))
}

func (s *ErrSuite) TestRetryable() {
	s.True(IsRetryableErr(ErrSendQueueFull))
	s.True(IsRetryableErr(WrapErrBrokerUnavailable(io.EOF)))
	s.False(IsRetryableErr(WrapErrStoreFailed(io.EOF)))
	s.False(IsRetryableErr(io.EOF))
}

func (s *ErrSuite) TestErrorType() {
	s.Equal(InputError, GetErrorType(WrapErrProtocolUnknownOp("X")))
	s.Equal(SystemError, GetErrorType(ErrServiceInternal))
	s.Equal(SystemError, GetErrorType(io.EOF))
	s.Equal("input_error", InputError.String())
}

func (s *ErrSuite) TestCanceledOrTimeout() {
	s.True(IsCanceledOrTimeout(errors.Wrap(context.Canceled, "verify")))
	s.True(IsCanceledOrTimeout(context.DeadlineExceeded))
	s.False(IsCanceledOrTimeout(io.EOF))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrSessionClosed("s-1"), WrapErrSessionNotFound("s-1"))
	s.Equal(Code(ErrSessionNotFound), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
