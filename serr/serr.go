// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

// Package serr provides a structured error type: a message plus a flat set
// of key/value attributes that loggers can emit without string mangling.
package serr

import (
	"errors"
	"strings"

	"golang.org/x/exp/slog"
)

// Error is an error with structured attributes attached.
type Error struct {
	Msg     string
	Attrs   map[string]any
	Wrapped error
}

// New creates a new structured error object using the supplied message and
// alternating key/value attribute pairs.
func New(msg string, pairs ...any) *Error {
	attrs := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		attrs[pairs[i].(string)] = pairs[i+1]
	}
	return &Error{Msg: msg, Attrs: attrs}
}

// Error returns the error message. It is either the exact supplied message,
// or the serialized attributes if the supplied message was blank.
func (e *Error) Error() string {
	if e.Msg == "" {
		var buf strings.Builder
		args := make([]any, 0, 2*len(e.Attrs))
		for key, val := range e.Attrs {
			args = append(args, key, val)
		}
		l := slog.New(slog.NewTextHandler(&buf, nil))
		l.Info("", args...)
		return strings.TrimSpace(buf.String())
	}
	return e.Msg
}

// Unwrap returns the inner error, if it exists.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Wrap wraps err in a structured error carrying the given message and
// attributes. errors.Is/As still see err.
func Wrap(err error, msg string, pairs ...any) error {
	serr := New(msg, pairs...)
	serr.Wrapped = err
	return serr
}

// Extend adds additional attributes to an existing error. If the supplied
// error is nil, a new structured error is created with the given attributes
// and no message. If the error is not a structured error, it is wrapped in
// one using its existing message and the new attributes.
func Extend(err error, pairs ...any) error {
	if err == nil {
		return New("", pairs...)
	}
	var serr *Error
	if errors.As(err, &serr) {
		for i := 0; i+1 < len(pairs); i += 2 {
			serr.Attrs[pairs[i].(string)] = pairs[i+1]
		}
		return err
	}
	return Wrap(err, err.Error(), pairs...)
}

// Attributes returns the attribute map of a structured error, or nil if the
// error is not structured.
func Attributes(err error) map[string]any {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Attrs
	}
	return nil
}
