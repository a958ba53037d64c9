// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package voting

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrInvalidVoteFormat indicates a payload that is not a well formed
	// vote for the poll it was checked against.  Callers scanning the
	// chain skip such transactions.
	ErrInvalidVoteFormat ErrorCode = iota

	// ErrInvalidPollDefinition indicates a structurally broken poll.  It
	// is fatal and must stop any address derivation or tallying.
	ErrInvalidPollDefinition

	// ErrInfrastructure indicates a failure or timeout of one of the
	// external chain data sources.  The operation may be retried.
	ErrInfrastructure

	// ErrIneligibleVoter indicates a vote cast from an account type that
	// may not vote.  It is a filtering outcome, not a failure.
	ErrIneligibleVoter

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidVoteFormat:     "ErrInvalidVoteFormat",
	ErrInvalidPollDefinition: "ErrInvalidPollDefinition",
	ErrInfrastructure:        "ErrInfrastructure",
	ErrIneligibleVoter:       "ErrIneligibleVoter",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising while encoding, decoding or
// counting votes.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is, or wraps, an Error with the given code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ErrorCode == code
}

func voteFormatError(format string, args ...interface{}) Error {
	return NewError(ErrInvalidVoteFormat, fmt.Sprintf(format, args...), nil)
}

func pollError(format string, args ...interface{}) Error {
	return NewError(ErrInvalidPollDefinition, fmt.Sprintf(format, args...),
		nil)
}
