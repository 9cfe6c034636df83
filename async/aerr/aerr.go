// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package aerr defines the stable error taxonomy shared by the loop, node
// and driver packages.
package aerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies what went wrong, independent of the message text.
type Kind int

const (
	OK Kind = iota
	IO
	OOM
	EOF
	Protocol
	Other
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case IO:
		return "IO"
	case OOM:
		return "OOM"
	case EOF:
		return "EOF"
	case Protocol:
		return "PROTOCOL"
	case Other:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// Error carries a Kind plus a human-readable message.
type Error struct {
	Kind Kind
	err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: pkgerrors.New(msg)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: pkgerrors.Wrap(err, msg)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, for callers that want to branch on the taxonomy rather than on a
// specific sentinel.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return OK, false
}

var (
	ErrNoMoreNodes     = New(Other, "no more node")
	ErrEmptyNodes      = New(Other, "node list is empty")
	ErrAlreadyAttached = New(Other, "context already attached")
	ErrNotAttached     = New(Other, "context not attached")
	ErrDisconnecting   = New(Other, "context is disconnecting")
	ErrRegistryFull    = New(Other, "no free file-event slot")
)
