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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady    = newGatewayError("service not ready", 1, true)
	ErrServiceUnavailable = newGatewayError("service unavailable", 2, true)
	ErrServiceInternal    = newGatewayError("service internal error", 5, false)

	// Parameter related
	ErrParameterInvalid = newGatewayError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing = newGatewayError("missing parameter", 1101, false, WithErrorType(InputError))

	// Session related
	ErrSessionNotFound = newGatewayError("session not found", 3100, false)
	ErrSessionClosed   = newGatewayError("session closed", 3101, false)
	ErrSendQueueFull   = newGatewayError("session send queue full", 3102, true)

	// Identity related
	ErrIdentityRejected = newGatewayError("identity rejected", 3200, false, WithErrorType(InputError))
	ErrTokenMissing     = newGatewayError("token missing", 3201, false, WithErrorType(InputError))

	// Protocol related
	ErrProtocolMalformed = newGatewayError("malformed frame", 3300, false, WithErrorType(InputError))
	ErrProtocolUnknownOp = newGatewayError("unknown op", 3301, false, WithErrorType(InputError))
	ErrProtocolViolation = newGatewayError("protocol violation", 3302, false, WithErrorType(InputError))

	// Collaborator related
	ErrStoreFailed       = newGatewayError("message store failed", 3400, false)
	ErrBrokerUnavailable = newGatewayError("broker unavailable", 3401, true)
	ErrBrokerPublish     = newGatewayError("broker publish failed", 3402, true)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to gatewayError
	errUnexpected = newGatewayError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*gatewayError)

func WithDetail(detail string) errorOption {
	return func(err *gatewayError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *gatewayError) {
		err.errType = etype
	}
}

type gatewayError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newGatewayError(msg string, code int32, retriable bool, options ...errorOption) gatewayError {
	err := gatewayError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e gatewayError) code() int32 {
	return e.errCode
}

func (e gatewayError) Error() string {
	return e.msg
}

func (e gatewayError) Detail() string {
	return e.detail
}

func (e gatewayError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(gatewayError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// the cause of multi errors is the last one
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
