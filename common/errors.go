// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package common carries the small set of cross-package plumbing every
// component in ftsexec shares: the error taxonomy, a fatal-error helper, and
// an assertion helper for invariant violations.
package common

import (
	"fmt"
	"os"

	"github.com/couchbase/goutils/logging"
)

// ErrorCategory groups errors by the subsystem that raised them.
type ErrorCategory int

const (
	POOL ErrorCategory = iota
	DISPATCH
	SEARCHCTX
	ASYNCINDEX
)

func (c ErrorCategory) String() string {
	switch c {
	case POOL:
		return "POOL"
	case DISPATCH:
		return "DISPATCH"
	case SEARCHCTX:
		return "SEARCHCTX"
	case ASYNCINDEX:
		return "ASYNCINDEX"
	default:
		return "UNKNOWN"
	}
}

// ErrorSeverity classifies how the caller should react to an Error.
type ErrorSeverity int

const (
	// INFO is not really an error; logged only.
	INFO ErrorSeverity = iota
	// WARN is a recoverable condition, handled by the caller.
	WARN
	// FATAL means the process cannot safely continue.
	FATAL
)

// Error is the shape every ftsexec component returns: a category, the
// underlying cause, and a severity the caller can switch on. This mirrors
// the anonymous category/cause/severity struct literals used throughout the
// teacher's indexer package (settings.go, cluster_manager_agent.go,
// storage_manager.go).
type Error struct {
	category ErrorCategory
	cause    error
	severity ErrorSeverity
}

func NewError(category ErrorCategory, severity ErrorSeverity, cause error) *Error {
	return &Error{category: category, cause: cause, severity: severity}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.category, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Category() ErrorCategory { return e.category }

func (e *Error) Severity() ErrorSeverity { return e.severity }

// CrashOnError aborts the process for invariant violations and allocation
// failures that §7 of the design classifies as programmer error or fatal.
// Grounded on the teacher's common.CrashOnError(err) calls in
// secondary/indexer/util.go.
func CrashOnError(err error) {
	if err == nil {
		return
	}
	logging.Fatalf("ftsexec: fatal error, crashing: %v", err)
	os.Exit(1)
}

// Assert panics with a descriptive message if cond is false. Used for the
// "double lock", "pool id out of range" style invariant violations that §7
// calls assertion failures.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("ftsexec: assertion failed: "+format, args...))
	}
}
