// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestExpectedHeight checks height estimation from wall clock times.
func TestExpectedHeight(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &MainNetParams

	tests := []struct {
		name string
		at   time.Time
		want uint32
	}{
		{"now", now, 1000},
		{"one day later", now.Add(24 * time.Hour), 1000 + 1440},
		{"partial block", now.Add(90 * time.Second), 1001},
		{"one hour earlier", now.Add(-time.Hour), 940},
		{"partial block earlier", now.Add(-30 * time.Second), 999},
		{"before genesis", now.Add(-24 * time.Hour), 0},
	}

	for _, tc := range tests {
		require.Equal(t, tc.want, p.ExpectedHeight(1000, now, tc.at),
			tc.name)
	}
}

// TestBlockTimeAt checks block time estimation.
func TestBlockTimeAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &TestNetParams

	require.Equal(t, now, p.BlockTimeAt(500, 500, now))
	require.Equal(t, now.Add(2*time.Hour), p.BlockTimeAt(620, 500, now))
	require.Equal(t, now.Add(-10*time.Minute), p.BlockTimeAt(490, 500, now))

	// Both estimates agree.
	at := p.BlockTimeAt(923198, 900000, now)
	require.Equal(t, uint32(923198), p.ExpectedHeight(900000, now, at))
}
