// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tally

import (
	"context"
	"fmt"

	"github.com/nimvote/nimvote/address"
	"github.com/nimvote/nimvote/voting"
)

// AccountType is the type of an account on chain.  Only basic accounts may
// vote, contracts such as vesting accounts could misrepresent the funds
// available to their owner.
type AccountType uint8

const (
	// AccountBasic is a plain account controlled by a single key.
	AccountBasic AccountType = iota

	// AccountVesting is a vesting contract releasing funds over time.
	AccountVesting

	// AccountHTLC is a hashed time-locked contract.
	AccountHTLC

	// AccountStaking is the staking contract.
	AccountStaking
)

// String returns a human readable name of the account type.
func (t AccountType) String() string {
	switch t {
	case AccountBasic:
		return "basic"
	case AccountVesting:
		return "vesting"
	case AccountHTLC:
		return "htlc"
	case AccountStaking:
		return "staking"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Transaction is a transaction as reported by a TransactionSource.  Values
// are in the smallest unit of the chain.
type Transaction struct {
	Hash      string
	Sender    string
	Recipient string
	Value     int64
	Fee       int64

	// Data is the payload of the transaction as plain text.
	Data string

	Height uint32
}

// Account is the current state of an account.
type Account struct {
	Address string
	Balance int64
	Type    AccountType
}

// Reward is a block production or staking reward credited to an account.
type Reward struct {
	Height uint32
	Amount int64
}

// TransactionSource provides the transactions sent from or to an address.
type TransactionSource interface {
	// FetchTransactions returns the transactions of address with heights
	// in [minHeight, maxHeight].  No particular order is required.
	FetchTransactions(ctx context.Context, address string, minHeight,
		maxHeight uint32) ([]Transaction, error)
}

// AccountSource provides the current state of accounts.
type AccountSource interface {
	// FetchAccounts returns the accounts of the given addresses.
	// Accounts unknown to the source may be left out.
	FetchAccounts(ctx context.Context, addresses []string) ([]Account,
		error)
}

// RewardSource provides the rewards credited to an address.
type RewardSource interface {
	// FetchRewardsSince returns the rewards credited to address at
	// heights strictly above height.
	FetchRewardsSince(ctx context.Context, address string,
		height uint32) ([]Reward, error)
}

// HeightSource provides the height of the chain's head.
type HeightSource interface {
	CurrentHeight(ctx context.Context) (uint32, error)
}

// ChainSource groups all chain data a tally needs.
type ChainSource interface {
	TransactionSource
	AccountSource
	RewardSource
	HeightSource
}

// CacheKey identifies a tally result: the voting address of the poll and
// the last block height whose votes were counted.
type CacheKey struct {
	Address address.Address
	Height  uint32
}

// String returns a human readable form of the key.
func (k CacheKey) String() string {
	return fmt.Sprintf("%v@%d", k.Address, k.Height)
}

// ResultCache stores the results of finished tallies.
type ResultCache interface {
	// FetchResult returns the result stored under key, or nil if there
	// is none.
	FetchResult(key CacheKey) (*Result, error)

	// PutResult stores result under key.
	PutResult(key CacheKey, result *Result) error
}

// CastVote is a valid vote bound to the transaction that carried it.
type CastVote struct {
	Vote    *voting.Vote
	Payload string
	Sender  string
	TxHash  string
	Height  uint32
	TxValue int64

	// WeightValue is the balance of the sender at the end of the poll.
	// It is filled in while tallying.
	WeightValue int64
}
