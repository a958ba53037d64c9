// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBlocks is returned when the explorer reports no head block.
	ErrNoBlocks = errors.New("explorer returned no blocks")

	// ErrClientStopped is returned for requests after Stop.
	ErrClientStopped = errors.New("explorer client stopped")
)

// StatusError is returned when the explorer answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	URL        string

	// Body holds the start of the response body.
	Body string
}

// Error returns a human readable description of the failed request.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.StatusCode, e.Body)
}
