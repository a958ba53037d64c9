// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tally

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/nimvote/nimvote/address"
	"github.com/nimvote/nimvote/voting"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of accounts requested at once.
	DefaultBatchSize = 100

	// DefaultMaxConcurrency is the number of chain requests in flight.
	DefaultMaxConcurrency = 8

	// DefaultCallTimeout bounds every single chain request.
	DefaultCallTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of times a failed tally is retried.
	DefaultMaxRetries = 5

	// DefaultRetryInterval is the delay before the first retry.
	DefaultRetryInterval = time.Second
)

// Config holds the dependencies and limits of an Engine.
type Config struct {
	// Chain provides transactions, accounts, rewards and the current
	// height.
	Chain ChainSource

	// Codec decodes vote payloads.  The zero value selects the default
	// codec.
	Codec voting.Codec

	BatchSize      int
	MaxConcurrency int
	CallTimeout    time.Duration
	RetryInterval  time.Duration

	// MaxRetries is the number of times a failed tally is retried.  Zero
	// selects DefaultMaxRetries and a negative value disables retries.
	MaxRetries int

	// Cache stores finished tallies.  It is optional.
	Cache ResultCache
}

// Engine counts the votes of polls.  It is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates an Engine, filling unset limits with their defaults.
func New(cfg Config) *Engine {
	if cfg.Codec.Separator == 0 {
		cfg.Codec = voting.DefaultCodec()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return &Engine{cfg: cfg}
}

// Tally counts the votes cast for poll up to the current height of the
// chain.  Past the end of the poll the result is final and balances are
// those at its end height.  Chain failures are retried; when all attempts
// fail an ErrInfrastructure error and no result are returned.
func (e *Engine) Tally(ctx context.Context, poll *voting.PollDefinition) (
	*Result, error) {

	if err := e.cfg.Codec.ValidatePoll(poll); err != nil {
		return nil, err
	}
	addr, err := voting.VotingAddress(poll)
	if err != nil {
		return nil, err
	}

	var result *Result
	attempt := func() error {
		r, err := e.tallyOnce(ctx, poll, addr)
		if err != nil {
			if voting.IsError(err, voting.ErrInfrastructure) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warnf("Tally of poll %q failed, retrying in %v: %v",
			poll.Name, next, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	retries := uint64(max(e.cfg.MaxRetries, 0))
	retry := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	err = backoff.RetryNotify(attempt, retry, notify)
	if err != nil {
		if !voting.IsError(err, voting.ErrInfrastructure) &&
			ctx.Err() != nil {

			err = voting.NewError(voting.ErrInfrastructure,
				"tally aborted", err)
		}
		return nil, err
	}

	return result, nil
}

// tallyOnce runs a single tally attempt of poll.
func (e *Engine) tallyOnce(ctx context.Context, poll *voting.PollDefinition,
	addr address.Address) (*Result, error) {

	var height uint32
	err := e.call(ctx, "fetch current height", func(ctx context.Context) error {
		var err error
		height, err = e.cfg.Chain.CurrentHeight(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Only final results are cached.  Preliminary ones change with every
	// block.
	last := min(poll.End, height)
	key := CacheKey{Address: addr, Height: last}
	cache := e.cfg.Cache
	if !poll.IsPast(height) {
		cache = nil
	}
	if cache != nil {
		cached, err := cache.FetchResult(key)
		switch {
		case err != nil:
			log.Warnf("Unable to read cached result %v: %v", key, err)
		case cached != nil:
			log.Debugf("Using cached result %v", key)
			return cached, nil
		}
	}

	var txs []Transaction
	if last >= poll.Start {
		err := e.call(ctx, "fetch votes", func(ctx context.Context) error {
			var err error
			txs, err = e.cfg.Chain.FetchTransactions(
				ctx, addr.String(), poll.Start, last,
			)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	result, err := e.TallyTransactions(ctx, poll, txs, height)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if err := cache.PutResult(key, result); err != nil {
			log.Warnf("Unable to cache result %v: %v", key, err)
		}
	}

	return result, nil
}

// TallyTransactions counts the votes for poll found in txs, the
// transactions sent to the poll's voting address, with the chain at
// currentHeight.  Accounts and, past the end of the poll, the activity of
// voters since the end are looked up through the engine's chain source.
func (e *Engine) TallyTransactions(ctx context.Context,
	poll *voting.PollDefinition, txs []Transaction,
	currentHeight uint32) (*Result, error) {

	if err := e.cfg.Codec.ValidatePoll(poll); err != nil {
		return nil, err
	}
	addr, err := voting.VotingAddress(poll)
	if err != nil {
		return nil, err
	}

	votes := e.collectVotes(poll, addr, txs, currentHeight)
	log.Debugf("Found %d votes for poll %q", len(votes), poll.Name)

	votes, err = e.weighVotes(ctx, poll, votes, currentHeight)
	if err != nil {
		return nil, err
	}

	return aggregate(poll, votes), nil
}

// collectVotes returns the valid votes in txs, newest first.  Only the
// newest valid vote of every sender is kept.
func (e *Engine) collectVotes(poll *voting.PollDefinition,
	addr address.Address, txs []Transaction,
	currentHeight uint32) []*CastVote {

	last := min(poll.End, currentHeight)

	window := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Height < poll.Start || tx.Height > last {
			continue
		}
		if tx.Recipient != "" &&
			address.Normalize(tx.Recipient) != addr.String() {

			continue
		}
		window = append(window, tx)
	}
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Height > window[j].Height
	})

	seen := fn.NewSet[string]()
	votes := make([]*CastVote, 0, len(window))
	for _, tx := range window {
		sender := address.Normalize(tx.Sender)
		if seen.Contains(sender) {
			log.Tracef("Ignoring older transaction %v of %v",
				tx.Hash, tx.Sender)
			continue
		}

		vote, err := e.cfg.Codec.Parse(tx.Data, poll)
		if err != nil {
			log.Tracef("Ignoring transaction %v: %v", tx.Hash, err)
			continue
		}
		seen.Add(sender)

		votes = append(votes, &CastVote{
			Vote:    vote,
			Payload: tx.Data,
			Sender:  tx.Sender,
			TxHash:  tx.Hash,
			Height:  tx.Height,
			TxValue: tx.Value,
		})
	}

	return votes
}

// weighVotes drops the votes of ineligible accounts and sets the weight
// value of the others to the balance of the voter at the end of the poll.
func (e *Engine) weighVotes(ctx context.Context, poll *voting.PollDefinition,
	votes []*CastVote, currentHeight uint32) ([]*CastVote, error) {

	if len(votes) == 0 {
		return votes, nil
	}

	senders := make([]string, len(votes))
	for i, v := range votes {
		senders[i] = address.Normalize(v.Sender)
	}
	accounts, err := e.fetchAccounts(ctx, senders)
	if err != nil {
		return nil, err
	}

	eligible := make([]*CastVote, 0, len(votes))
	for i, v := range votes {
		acct, ok := accounts[senders[i]]
		if !ok {
			log.Debugf("Account %v unknown, treating it as empty",
				v.Sender)
			acct = Account{Address: v.Sender, Type: AccountBasic}
		}
		if acct.Type != AccountBasic {
			log.Debugf("Skipping vote %v: %v", v.TxHash,
				voting.NewError(voting.ErrIneligibleVoter,
					fmt.Sprintf("%v is a %v account",
						v.Sender, acct.Type), nil))
			continue
		}

		v.WeightValue = acct.Balance
		eligible = append(eligible, v)
	}

	if currentHeight > poll.End {
		err := e.reconstructBalances(ctx, eligible, poll.End,
			currentHeight)
		if err != nil {
			return nil, err
		}
	}

	for _, v := range eligible {
		if v.WeightValue < 0 {
			log.Warnf("Balance of %v at height %d is negative (%d), "+
				"using zero", v.Sender, poll.End, v.WeightValue)
			v.WeightValue = 0
		}
	}

	return eligible, nil
}

// fetchAccounts looks up the accounts of addresses in concurrent batches and
// returns them by normalized address.
func (e *Engine) fetchAccounts(ctx context.Context,
	addresses []string) (map[string]Account, error) {

	var mu sync.Mutex
	accounts := make(map[string]Account, len(addresses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)

	for start := 0; start < len(addresses); start += e.cfg.BatchSize {
		batch := addresses[start:min(start+e.cfg.BatchSize,
			len(addresses))]

		g.Go(func() error {
			var fetched []Account
			err := e.call(gctx, "fetch accounts",
				func(ctx context.Context) error {
					var err error
					fetched, err = e.cfg.Chain.FetchAccounts(
						ctx, batch,
					)
					return err
				})
			if err != nil {
				return err
			}

			mu.Lock()
			for _, acct := range fetched {
				accounts[address.Normalize(acct.Address)] = acct
			}
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return accounts, nil
}

// reconstructBalances turns the current balances of the voters into their
// balances at height end by undoing their activity in (end, current].
func (e *Engine) reconstructBalances(ctx context.Context, votes []*CastVote,
	end, current uint32) error {

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)

	for _, v := range votes {
		g.Go(func() error {
			delta, err := e.balanceDelta(gctx, v.Sender, end, current)
			if err != nil {
				return err
			}
			if delta != 0 {
				log.Tracef("Balance of %v changed by %d since "+
					"height %d", v.Sender, delta, end)
			}
			v.WeightValue -= delta
			return nil
		})
	}

	return g.Wait()
}

// balanceDelta returns the change of the balance of addr over the blocks
// (end, current].
func (e *Engine) balanceDelta(ctx context.Context, addr string, end,
	current uint32) (int64, error) {

	var (
		txs     []Transaction
		rewards []Reward
	)
	err := e.call(ctx, "fetch voter transactions",
		func(ctx context.Context) error {
			var err error
			txs, err = e.cfg.Chain.FetchTransactions(
				ctx, addr, end+1, current,
			)
			return err
		})
	if err != nil {
		return 0, err
	}
	err = e.call(ctx, "fetch voter rewards", func(ctx context.Context) error {
		var err error
		rewards, err = e.cfg.Chain.FetchRewardsSince(ctx, addr, end)
		return err
	})
	if err != nil {
		return 0, err
	}

	self := address.Normalize(addr)

	var delta int64
	for _, tx := range txs {
		if tx.Height <= end || tx.Height > current {
			continue
		}
		if address.Normalize(tx.Recipient) == self {
			delta += tx.Value
		}
		if address.Normalize(tx.Sender) == self {
			delta -= tx.Value + tx.Fee
		}
	}
	for _, r := range rewards {
		if r.Height <= end || r.Height > current {
			continue
		}
		delta += r.Amount
	}

	return delta, nil
}

// call runs a single chain request bounded by the call timeout.  Failures
// are reported as ErrInfrastructure.
func (e *Engine) call(ctx context.Context, desc string,
	f func(ctx context.Context) error) error {

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if err := f(callCtx); err != nil {
		return voting.NewError(voting.ErrInfrastructure, desc, err)
	}
	return nil
}

// aggregate sums the weighted votes per choice of poll.
func aggregate(poll *voting.PollDefinition, votes []*CastVote) *Result {
	result := &Result{
		Label:   poll.DisplayLabel(),
		Choices: make([]ChoiceResult, len(poll.Choices)),
	}

	index := make(map[string]int, len(poll.Choices))
	for i, c := range poll.Choices {
		index[c.Name] = i
		result.Choices[i] = ChoiceResult{
			Label: c.DisplayLabel(),
			Votes: []Contribution{},
		}
	}

	for _, v := range votes {
		result.Stats.Votes++
		result.Stats.Value += v.WeightValue

		total := v.Vote.TotalWeight()
		if total <= 0 {
			log.Debugf("Vote %v of %v assigns no weight, counting "+
				"it as abstention", v.TxHash, v.Sender)
			continue
		}

		for _, c := range v.Vote.Choices {
			i, ok := index[c.Name]
			if !ok {
				continue
			}

			value := c.Weight * float64(v.WeightValue) / total
			result.Choices[i].Value += value
			result.Choices[i].Votes = append(result.Choices[i].Votes,
				Contribution{
					Sender: v.Sender,
					Height: v.Height,
					Value:  value,
				})
		}
	}

	result.sortChoices()

	return result
}
