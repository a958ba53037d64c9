// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tally

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/nimvote/nimvote/address"
	"github.com/nimvote/nimvote/voting"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory ChainSource.
type fakeChain struct {
	mu sync.Mutex

	height   uint32
	txs      []Transaction
	accounts map[string]Account
	rewards  map[string][]Reward

	batches  []int
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func newFakeChain(height uint32) *fakeChain {
	return &fakeChain{
		height:   height,
		accounts: make(map[string]Account),
		rewards:  make(map[string][]Reward),
	}
}

func (c *fakeChain) CurrentHeight(context.Context) (uint32, error) {
	return c.height, nil
}

func (c *fakeChain) FetchTransactions(_ context.Context, addr string,
	minHeight, maxHeight uint32) ([]Transaction, error) {

	addr = address.Normalize(addr)

	var txs []Transaction
	for _, tx := range c.txs {
		if tx.Height < minHeight || tx.Height > maxHeight {
			continue
		}
		if address.Normalize(tx.Sender) == addr ||
			address.Normalize(tx.Recipient) == addr {

			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (c *fakeChain) FetchAccounts(ctx context.Context,
	addresses []string) ([]Account, error) {

	c.mu.Lock()
	c.batches = append(c.batches, len(addresses))
	c.inFlight++
	c.maxSeen = max(c.maxSeen, c.inFlight)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var accounts []Account
	for _, addr := range addresses {
		if acct, ok := c.accounts[address.Normalize(addr)]; ok {
			accounts = append(accounts, acct)
		}
	}
	return accounts, nil
}

func (c *fakeChain) FetchRewardsSince(_ context.Context, addr string,
	height uint32) ([]Reward, error) {

	var rewards []Reward
	for _, r := range c.rewards[address.Normalize(addr)] {
		if r.Height > height {
			rewards = append(rewards, r)
		}
	}
	return rewards, nil
}

func (c *fakeChain) addAccount(addr string, balance int64, t AccountType) {
	c.accounts[addr] = Account{Address: addr, Balance: balance, Type: t}
}

// voter returns a distinct valid address for every n.
func voter(t *testing.T, n int) string {
	t.Helper()

	payload := []byte(fmt.Sprintf("%032d", n))
	for i := range payload {
		payload[i] = address.Alphabet[payload[i]-'0']
	}
	addr, err := address.FromPayload(address.CountryCode, string(payload))
	require.NoError(t, err)
	return addr.String()
}

func testPoll(t voting.VotingType) *voting.PollDefinition {
	return &voting.PollDefinition{
		Name:  "icecream",
		Label: "Best ice cream?",
		Start: 100,
		End:   1000,
		Type:  t,
		Choices: []voting.Choice{
			{Name: "vanilla", Label: "Vanilla"},
			{Name: "chocolate", Label: "Chocolate"},
			{Name: "strawberry"},
		},
	}
}

func pollAddress(t *testing.T, poll *voting.PollDefinition) string {
	t.Helper()

	addr, err := voting.VotingAddress(poll)
	require.NoError(t, err)
	return addr.String()
}

func voteTx(poll string, sender, data string, height uint32) Transaction {
	return Transaction{
		Hash:      fmt.Sprintf("%s-%d", sender, height),
		Sender:    sender,
		Recipient: poll,
		Value:     1,
		Data:      data,
		Height:    height,
	}
}

func requireValue(t *testing.T, r *Result, label string, want float64) {
	t.Helper()

	c, ok := r.Choice(label)
	require.True(t, ok, "no choice %q in %v", label, spew.Sdump(r))
	require.InDelta(t, want, c.Value, 1e-9, spew.Sdump(r))
}

// TestTallyWeightedAggregation checks votes are split by their weights and
// scaled by the balance of the voter.
func TestTallyWeightedAggregation(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.WeightedChoices)
	pollAddr := pollAddress(t, poll)
	v1, v2 := voter(t, 1), voter(t, 2)

	chain := newFakeChain(500)
	chain.addAccount(v1, 100, AccountBasic)
	chain.addAccount(v2, 300, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla:30_chocolate:70",
			200),
		voteTx(pollAddr, v2, "Vote_icecream_vanilla:99", 300),
	}

	engine := New(Config{Chain: chain})
	result, err := engine.Tally(context.Background(), poll)
	require.NoError(t, err)

	require.Equal(t, "Best ice cream?", result.Label)
	require.Len(t, result.Choices, 3)
	require.Equal(t, "Vanilla", result.Choices[0].Label)
	require.Equal(t, "Chocolate", result.Choices[1].Label)
	require.Equal(t, "strawberry", result.Choices[2].Label)

	requireValue(t, result, "Vanilla", 330)
	requireValue(t, result, "Chocolate", 70)
	requireValue(t, result, "strawberry", 0)
	require.Empty(t, result.Choices[2].Votes)

	require.Equal(t, Stats{Votes: 2, Value: 400}, result.Stats)

	// Contributions are bounded by the balance of their voter.
	for _, c := range result.Choices {
		for _, vote := range c.Votes {
			require.LessOrEqual(t, vote.Value,
				float64(chain.accounts[vote.Sender].Balance))
		}
	}
}

// TestTallyLatestVoteWins checks only the newest valid vote of a sender is
// counted.
func TestTallyLatestVoteWins(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1 := voter(t, 1)

	chain := newFakeChain(2000)
	chain.addAccount(v1, 50, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla", 200),
		voteTx(pollAddr, v1, "Vote_icecream_chocolate", 400),
		voteTx(pollAddr, v1, "not a vote", 500),

		// Outside of the voting window.
		voteTx(pollAddr, v1, "Vote_icecream_strawberry", 1001),
	}

	engine := New(Config{Chain: chain})
	result, err := engine.TallyTransactions(
		context.Background(), poll, chain.txs, 999,
	)
	require.NoError(t, err)

	requireValue(t, result, "Chocolate", 50)
	requireValue(t, result, "Vanilla", 0)
	requireValue(t, result, "strawberry", 0)
	require.Equal(t, 1, result.Stats.Votes)
	require.Equal(t, "Chocolate", result.Choices[0].Label)
	require.Equal(t, uint32(400), result.Choices[0].Votes[0].Height)
}

// TestTallyInputOrder checks the result does not depend on the order of
// the transactions.
func TestTallyInputOrder(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.Ranking)
	pollAddr := pollAddress(t, poll)

	chain := newFakeChain(900)
	var txs []Transaction
	for i := 0; i < 10; i++ {
		v := voter(t, i)
		chain.addAccount(v, int64(100*(i+1)), AccountBasic)
		ranking := "Vote_icecream_vanilla_chocolate_strawberry"
		if i%3 == 0 {
			ranking = "Vote_icecream_strawberry_vanilla_chocolate"
		}
		txs = append(txs, voteTx(pollAddr, v, ranking, uint32(150+i)))
	}

	engine := New(Config{Chain: chain})
	want, err := engine.TallyTransactions(
		context.Background(), poll, txs, 900,
	)
	require.NoError(t, err)

	reversed := make([]Transaction, len(txs))
	for i, tx := range txs {
		reversed[len(txs)-1-i] = tx
	}
	got, err := engine.TallyTransactions(
		context.Background(), poll, reversed, 900,
	)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Vanilla is ranked first by the largest share of the balance.
	require.Equal(t, "Vanilla", want.Choices[0].Label)
}

// TestTallyIneligibleAccounts checks votes from contracts are not counted.
func TestTallyIneligibleAccounts(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.MultipleChoice)
	pollAddr := pollAddress(t, poll)
	basic, vesting, htlc, unknown := voter(t, 1), voter(t, 2),
		voter(t, 3), voter(t, 4)

	chain := newFakeChain(500)
	chain.addAccount(basic, 10, AccountBasic)
	chain.addAccount(vesting, 1000, AccountVesting)
	chain.addAccount(htlc, 1000, AccountHTLC)
	chain.txs = []Transaction{
		voteTx(pollAddr, basic, "Vote_icecream_vanilla_strawberry", 150),
		voteTx(pollAddr, vesting, "Vote_icecream_chocolate", 160),
		voteTx(pollAddr, htlc, "Vote_icecream_chocolate", 170),
		voteTx(pollAddr, unknown, "Vote_icecream_chocolate", 180),
	}

	result, err := New(Config{Chain: chain}).Tally(
		context.Background(), poll,
	)
	require.NoError(t, err)

	requireValue(t, result, "Vanilla", 5)
	requireValue(t, result, "strawberry", 5)
	requireValue(t, result, "Chocolate", 0)

	// The unknown account counts as an empty basic account.
	require.Equal(t, Stats{Votes: 2, Value: 10}, result.Stats)
	choc, _ := result.Choice("Chocolate")
	require.Len(t, choc.Votes, 1)
	require.Equal(t, unknown, choc.Votes[0].Sender)
}

// TestTallyBalanceReconstruction checks balances are rolled back to the end
// of the poll once it is over.
func TestTallyBalanceReconstruction(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1, other := voter(t, 1), voter(t, 2)

	// v1 held 100 at height 1000.  Afterwards it received 50, sent 30
	// with a fee of 1 and was rewarded 10.
	chain := newFakeChain(1500)
	chain.addAccount(v1, 100+50-30-1+10, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla", 500),
		{Hash: "in", Sender: other, Recipient: v1, Value: 50,
			Height: 1100},
		{Hash: "out", Sender: v1, Recipient: other, Value: 30, Fee: 1,
			Height: 1200},
		{Hash: "early", Sender: other, Recipient: v1, Value: 1000,
			Height: 900},
	}
	chain.rewards[v1] = []Reward{
		{Height: 1000, Amount: 7},
		{Height: 1300, Amount: 10},
	}

	engine := New(Config{Chain: chain})
	result, err := engine.Tally(context.Background(), poll)
	require.NoError(t, err)
	requireValue(t, result, "Vanilla", 100)
	require.Equal(t, int64(100), result.Stats.Value)

	// Order of the activity does not matter.
	for i, j := 0, len(chain.txs)-1; i < j; i, j = i+1, j-1 {
		chain.txs[i], chain.txs[j] = chain.txs[j], chain.txs[i]
	}
	result, err = engine.Tally(context.Background(), poll)
	require.NoError(t, err)
	requireValue(t, result, "Vanilla", 100)

	// While the poll runs the current balance counts.
	result, err = engine.TallyTransactions(
		context.Background(), poll, chain.txs[len(chain.txs)-1:], 1000,
	)
	require.NoError(t, err)
	requireValue(t, result, "Vanilla", 129)
}

// TestTallyNegativeBalance checks reconstructed balances are clamped.
func TestTallyNegativeBalance(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1, other := voter(t, 1), voter(t, 2)

	chain := newFakeChain(1500)
	chain.addAccount(v1, 10, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_chocolate", 500),
		{Hash: "in", Sender: other, Recipient: v1, Value: 50,
			Height: 1100},
	}

	result, err := New(Config{Chain: chain}).Tally(
		context.Background(), poll,
	)
	require.NoError(t, err)
	requireValue(t, result, "Chocolate", 0)
	require.Equal(t, Stats{Votes: 1, Value: 0}, result.Stats)
}

// TestTallyAbstention checks a weighted vote without weight is counted in
// the statistics only.
func TestTallyAbstention(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.WeightedChoices)
	pollAddr := pollAddress(t, poll)
	v1 := voter(t, 1)

	chain := newFakeChain(500)
	chain.addAccount(v1, 100, AccountBasic)
	txs := []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla:0_chocolate:0", 150),
	}

	result, err := New(Config{Chain: chain}).TallyTransactions(
		context.Background(), poll, txs, 500,
	)
	require.NoError(t, err)
	for _, c := range result.Choices {
		require.Zero(t, c.Value)
		require.Empty(t, c.Votes)
	}
	require.Equal(t, Stats{Votes: 1, Value: 100}, result.Stats)
}

// TestTallyIgnoresOtherRecipients checks only transactions sent to the
// voting address are votes.
func TestTallyIgnoresOtherRecipients(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	v1, v2 := voter(t, 1), voter(t, 2)

	chain := newFakeChain(500)
	chain.addAccount(v1, 100, AccountBasic)
	txs := []Transaction{
		voteTx(v2, v1, "Vote_icecream_vanilla", 150),
	}

	result, err := New(Config{Chain: chain}).TallyTransactions(
		context.Background(), poll, txs, 500,
	)
	require.NoError(t, err)
	require.Zero(t, result.Stats.Votes)
}

// TestTallyBatching checks account lookups are batched and bounded.
func TestTallyBatching(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)

	chain := newFakeChain(500)
	chain.delay = 5 * time.Millisecond
	var txs []Transaction
	for i := 0; i < 250; i++ {
		v := voter(t, i)
		chain.addAccount(v, 1, AccountBasic)
		txs = append(txs, voteTx(pollAddr, v, "Vote_icecream_vanilla",
			uint32(101+i)))
	}

	engine := New(Config{Chain: chain, MaxConcurrency: 2})
	result, err := engine.TallyTransactions(
		context.Background(), poll, txs, 500,
	)
	require.NoError(t, err)
	requireValue(t, result, "Vanilla", 250)

	sort.Ints(chain.batches)
	require.Equal(t, []int{50, 100, 100}, chain.batches)
	require.LessOrEqual(t, chain.maxSeen, 2)
}

// TestTallyCallTimeout checks a hanging source fails the tally without a
// partial result.
func TestTallyCallTimeout(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1 := voter(t, 1)

	chain := newFakeChain(500)
	chain.delay = time.Minute
	chain.addAccount(v1, 100, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla", 150),
	}

	engine := New(Config{
		Chain:         chain,
		CallTimeout:   10 * time.Millisecond,
		RetryInterval: time.Millisecond,
		MaxRetries:    1,
	})
	result, err := engine.Tally(context.Background(), poll)
	require.Nil(t, result)
	require.True(t, voting.IsError(err, voting.ErrInfrastructure), err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestTallyInvalidPoll checks an invalid poll fails before any chain access.
func TestTallyInvalidPoll(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	poll.Choices = append(poll.Choices, voting.Choice{Name: "bad_name"})

	chain := &mockChain{}
	engine := New(Config{Chain: chain})

	result, err := engine.Tally(context.Background(), poll)
	require.Nil(t, result)
	require.True(t, voting.IsError(err, voting.ErrInvalidPollDefinition),
		err)

	_, err = engine.TallyTransactions(context.Background(), poll, nil, 0)
	require.True(t, voting.IsError(err, voting.ErrInvalidPollDefinition),
		err)

	chain.AssertNotCalled(t, "CurrentHeight", mock.Anything)
}

// mockChain is a ChainSource recording calls.
type mockChain struct {
	mock.Mock
}

func (m *mockChain) CurrentHeight(ctx context.Context) (uint32, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *mockChain) FetchTransactions(ctx context.Context, addr string,
	minHeight, maxHeight uint32) ([]Transaction, error) {

	args := m.Called(ctx, addr, minHeight, maxHeight)
	return args.Get(0).([]Transaction), args.Error(1)
}

func (m *mockChain) FetchAccounts(ctx context.Context,
	addresses []string) ([]Account, error) {

	args := m.Called(ctx, addresses)
	return args.Get(0).([]Account), args.Error(1)
}

func (m *mockChain) FetchRewardsSince(ctx context.Context, addr string,
	height uint32) ([]Reward, error) {

	args := m.Called(ctx, addr, height)
	return args.Get(0).([]Reward), args.Error(1)
}

// TestTallyRetries checks failed attempts are retried.
func TestTallyRetries(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1 := voter(t, 1)

	chain := &mockChain{}
	chain.On("CurrentHeight", mock.Anything).
		Return(uint32(0), errors.New("connection refused")).Twice()
	chain.On("CurrentHeight", mock.Anything).Return(uint32(500), nil)
	chain.On("FetchTransactions", mock.Anything, pollAddr,
		uint32(100), uint32(500)).
		Return([]Transaction{
			voteTx(pollAddr, v1, "Vote_icecream_strawberry", 120),
		}, nil)
	chain.On("FetchAccounts", mock.Anything, []string{v1}).
		Return([]Account{{Address: v1, Balance: 42}}, nil)

	engine := New(Config{
		Chain:         chain,
		RetryInterval: time.Millisecond,
		MaxRetries:    2,
	})
	result, err := engine.Tally(context.Background(), poll)
	require.NoError(t, err)
	requireValue(t, result, "strawberry", 42)

	chain.AssertNumberOfCalls(t, "CurrentHeight", 3)
	chain.AssertNotCalled(t, "FetchRewardsSince", mock.Anything,
		mock.Anything, mock.Anything)
	chain.AssertExpectations(t)
}

// TestTallyRetriesExhausted checks no result is returned once all attempts
// failed.
func TestTallyRetriesExhausted(t *testing.T) {
	t.Parallel()

	chain := &mockChain{}
	chain.On("CurrentHeight", mock.Anything).
		Return(uint32(0), errors.New("connection refused"))

	engine := New(Config{
		Chain:         chain,
		RetryInterval: time.Millisecond,
		MaxRetries:    3,
	})
	result, err := engine.Tally(
		context.Background(), testPoll(voting.SingleChoice),
	)
	require.Nil(t, result)
	require.True(t, voting.IsError(err, voting.ErrInfrastructure), err)
	chain.AssertNumberOfCalls(t, "CurrentHeight", 4)
}

// TestTallyRetryLimits checks unset retry limits default to
// DefaultMaxRetries and negative ones disable retrying.
func TestTallyRetryLimits(t *testing.T) {
	t.Parallel()

	engine := New(Config{Chain: &mockChain{}})
	require.Equal(t, DefaultMaxRetries, engine.cfg.MaxRetries)

	chain := &mockChain{}
	chain.On("CurrentHeight", mock.Anything).
		Return(uint32(0), errors.New("connection refused"))

	engine = New(Config{
		Chain:         chain,
		RetryInterval: time.Millisecond,
		MaxRetries:    -1,
	})
	result, err := engine.Tally(
		context.Background(), testPoll(voting.SingleChoice),
	)
	require.Nil(t, result)
	require.True(t, voting.IsError(err, voting.ErrInfrastructure), err)
	chain.AssertNumberOfCalls(t, "CurrentHeight", 1)
}

// TestTallyNotStarted checks a poll without votes yields an empty result.
func TestTallyNotStarted(t *testing.T) {
	t.Parallel()

	chain := &mockChain{}
	chain.On("CurrentHeight", mock.Anything).Return(uint32(50), nil)

	result, err := New(Config{Chain: chain}).Tally(
		context.Background(), testPoll(voting.Ranking),
	)
	require.NoError(t, err)
	require.Zero(t, result.Stats.Votes)
	require.Len(t, result.Choices, 3)

	// Without votes the poll order is kept.
	require.Equal(t, "Vanilla", result.Choices[0].Label)
	chain.AssertExpectations(t)
}

// memCache is an in-memory ResultCache.
type memCache struct {
	mu      sync.Mutex
	results map[CacheKey]*Result
}

func (c *memCache) FetchResult(key CacheKey) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[key], nil
}

func (c *memCache) PutResult(key CacheKey, r *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = r
	return nil
}

// TestTallyCache checks final results are served from the cache.
func TestTallyCache(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1 := voter(t, 1)

	chain := newFakeChain(1000)
	chain.addAccount(v1, 100, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla", 150),
	}

	cache := &memCache{results: make(map[CacheKey]*Result)}
	engine := New(Config{Chain: chain, Cache: cache})

	first, err := engine.Tally(context.Background(), poll)
	require.NoError(t, err)

	addr, err := voting.VotingAddress(poll)
	require.NoError(t, err)
	require.Contains(t, cache.results, CacheKey{Address: addr, Height: 1000})

	// Later heights map to the same final result.
	chain.height = 5000
	chain.accounts[v1] = Account{Address: v1, Balance: 1}
	second, err := engine.Tally(context.Background(), poll)
	require.NoError(t, err)
	require.Same(t, first, second)
}

// TestTallyCachePreliminary checks results of running polls are not
// cached.
func TestTallyCachePreliminary(t *testing.T) {
	t.Parallel()

	poll := testPoll(voting.SingleChoice)
	pollAddr := pollAddress(t, poll)
	v1 := voter(t, 1)

	chain := newFakeChain(500)
	chain.addAccount(v1, 100, AccountBasic)
	chain.txs = []Transaction{
		voteTx(pollAddr, v1, "Vote_icecream_vanilla", 150),
	}

	cache := &memCache{results: make(map[CacheKey]*Result)}
	engine := New(Config{Chain: chain, Cache: cache})

	for _, height := range []uint32{500, 501, 502} {
		chain.height = height
		result, err := engine.Tally(context.Background(), poll)
		require.NoError(t, err)
		requireValue(t, result, "vanilla", 100)
	}
	require.Empty(t, cache.results)

	chain.height = 1000
	_, err := engine.Tally(context.Background(), poll)
	require.NoError(t, err)
	require.Len(t, cache.results, 1)
}
