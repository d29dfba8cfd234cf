// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

// Kind classifies softphone errors. Callers match kinds with errors.Is
// against the sentinel values below.
type Kind string

const (
	KindConfiguration          Kind = "configuration"
	KindInsecureContext        Kind = "insecure_context"
	KindUnsupportedEnvironment Kind = "unsupported_environment"
	KindPermissionDenied       Kind = "permission_denied"
	KindStateConflict          Kind = "state_conflict"
	KindNotRegistered          Kind = "not_registered"
	KindInvalidTarget          Kind = "invalid_target"
	KindSignaling              Kind = "signaling"
	KindNetwork                Kind = "network"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an *Error of the same kind with no message,
// which makes the package sentinels usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

var (
	ErrConfiguration          = &Error{Kind: KindConfiguration}
	ErrInsecureContext        = &Error{Kind: KindInsecureContext}
	ErrUnsupportedEnvironment = &Error{Kind: KindUnsupportedEnvironment}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrStateConflict          = &Error{Kind: KindStateConflict}
	ErrNotRegistered          = &Error{Kind: KindNotRegistered}
	ErrInvalidTarget          = &Error{Kind: KindInvalidTarget}
	ErrSignaling              = &Error{Kind: KindSignaling}
	ErrNetwork                = &Error{Kind: KindNetwork}

	ErrNoConfig = Configuration("missing config")
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	msg := format
	if len(args) != 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Configuration(format string, args ...any) error {
	return newError(KindConfiguration, nil, format, args...)
}

func ErrCouldNotParseConfig(err error) error {
	return newError(KindConfiguration, err, "could not parse config")
}

func InsecureContext(format string, args ...any) error {
	return newError(KindInsecureContext, nil, format, args...)
}

func UnsupportedEnvironment(format string, args ...any) error {
	return newError(KindUnsupportedEnvironment, nil, format, args...)
}

func PermissionDenied(err error) error {
	return newError(KindPermissionDenied, err, "microphone access denied")
}

func StateConflict(format string, args ...any) error {
	return newError(KindStateConflict, nil, format, args...)
}

func NotRegistered() error {
	return newError(KindNotRegistered, nil, "signaling agent is not registered")
}

func InvalidTarget(format string, args ...any) error {
	return newError(KindInvalidTarget, nil, format, args...)
}

func Signaling(err error, format string, args ...any) error {
	return newError(KindSignaling, err, format, args...)
}

func Network(err error, format string, args ...any) error {
	return newError(KindNetwork, err, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
