// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"math"
	"time"

	"github.com/nimvote/nimvote/address"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	// Name is used as the network's directory name below the data and
	// log directories.
	Name string

	// CountryCode is the two letter code starting every address.
	CountryCode string

	// ExplorerURL is the base URL of the default block explorer API.
	ExplorerURL string

	// BlockTime is the targeted time between two blocks.
	BlockTime time.Duration
}

// MainNetParams contains parameters specific to the main network.
var MainNetParams = Params{
	Name:        "mainnet",
	CountryCode: address.CountryCode,
	ExplorerURL: "https://api.nimiqwatch.com/",
	BlockTime:   time.Minute,
}

// TestNetParams contains parameters specific to the test network.
var TestNetParams = Params{
	Name:        "testnet",
	CountryCode: address.CountryCode,
	ExplorerURL: "https://test-api.nimiqwatch.com/",
	BlockTime:   time.Minute,
}

// ExpectedHeight estimates the height of the chain at time at, given the
// chain is at height head at time now.  Times before the genesis block
// yield zero.
func (p *Params) ExpectedHeight(head uint32, now, at time.Time) uint32 {
	delta := math.Floor(float64(at.Sub(now)) / float64(p.BlockTime))
	height := float64(head) + delta

	switch {
	case height < 0:
		return 0
	case height > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(height)
}

// BlockTimeAt estimates when the block at height is or was produced, given
// the chain is at height head at time now.
func (p *Params) BlockTimeAt(height, head uint32, now time.Time) time.Time {
	delta := int64(height) - int64(head)
	return now.Add(time.Duration(delta) * p.BlockTime)
}
