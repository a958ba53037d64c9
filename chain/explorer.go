// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nimvote/nimvote/address"
	"github.com/nimvote/nimvote/tally"
)

const (
	// DefaultRequestInterval spaces requests to the explorer, which
	// allows five requests per second.
	DefaultRequestInterval = 200 * time.Millisecond

	// DefaultPageSize is the largest page of transactions the explorer
	// serves.
	DefaultPageSize = 50

	// maxErrorBody is the amount of an error response kept for the error
	// message.
	maxErrorBody = 256
)

// ExplorerConfig holds the settings of an ExplorerClient.
type ExplorerConfig struct {
	// URL is the base URL of the explorer API.
	URL string

	// HTTPClient performs the requests.  http.DefaultClient is used when
	// nil.
	HTTPClient *http.Client

	// RequestInterval is the minimum time between two requests.
	RequestInterval time.Duration

	// PageSize is the number of transactions requested per page.
	PageSize int
}

// ExplorerClient reads chain data from a block explorer's JSON API.  It
// implements tally.ChainSource.
type ExplorerClient struct {
	baseURL  *url.URL
	http     *http.Client
	pageSize int

	mu       sync.Mutex
	throttle ticker.Ticker

	quit     chan struct{}
	stopOnce sync.Once
}

// Ensure ExplorerClient can be used by the tally engine.
var _ tally.ChainSource = (*ExplorerClient)(nil)

// NewExplorerClient creates a client for the explorer at cfg.URL.  Requests
// are throttled until Stop is called.
func NewExplorerClient(cfg ExplorerConfig) (*ExplorerClient, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid explorer URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid explorer URL %q: unsupported "+
			"scheme", cfg.URL)
	}
	if len(base.Path) == 0 || base.Path[len(base.Path)-1] != '/' {
		base.Path += "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = DefaultRequestInterval
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	throttle := ticker.New(interval)
	throttle.Resume()

	return &ExplorerClient{
		baseURL:  base,
		http:     httpClient,
		pageSize: pageSize,
		throttle: throttle,
		quit:     make(chan struct{}),
	}, nil
}

// Stop stops the client.  Pending and later requests fail with
// ErrClientStopped.
func (c *ExplorerClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)

		c.mu.Lock()
		c.throttle.Stop()
		c.mu.Unlock()
	})
}

// waitTurn blocks until the throttle allows the next request.
func (c *ExplorerClient) waitTurn(ctx context.Context) error {
	select {
	case <-c.quit:
		return ErrClientStopped
	default:
	}

	c.mu.Lock()
	ticks := c.throttle.Ticks()
	c.mu.Unlock()

	select {
	case <-ticks:
		return nil
	case <-c.quit:
		return ErrClientStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do performs a request against the API path and decodes the JSON response
// into v.
func (c *ExplorerClient) do(ctx context.Context, method, path string,
	body interface{}, v interface{}) error {

	if err := c.waitTurn(ctx); err != nil {
		return err
	}

	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	u := c.baseURL.ResolveReference(ref).String()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Tracef("%s %s", method, u)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			URL:        u,
			Body:       string(bytes.TrimSpace(msg)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response of %s: %w", u, err)
	}

	log.Tracef("Response of %s: %v", u, spewClosure(v))

	return nil
}

// block is a block as listed by the explorer.
type block struct {
	Height uint32 `json:"height"`
}

// CurrentHeight returns the height of the newest block.
func (c *ExplorerClient) CurrentHeight(ctx context.Context) (uint32, error) {
	var blocks []block
	if err := c.do(ctx, http.MethodGet, "latest/1", nil, &blocks); err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, ErrNoBlocks
	}

	return blocks[0].Height, nil
}

// transaction is a transaction as listed by the explorer.  Data is base64
// encoded.
type transaction struct {
	Hash        string `json:"hash"`
	Sender      string `json:"sender_address"`
	Recipient   string `json:"receiver_address"`
	Value       int64  `json:"value"`
	Fee         int64  `json:"fee"`
	Data        string `json:"data"`
	BlockHeight uint32 `json:"block_height"`
}

func (t *transaction) decode() tally.Transaction {
	tx := tally.Transaction{
		Hash:      t.Hash,
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Value:     t.Value,
		Fee:       t.Fee,
		Height:    t.BlockHeight,
	}

	if t.Data != "" {
		data, err := base64.StdEncoding.DecodeString(t.Data)
		if err != nil {
			log.Debugf("Transaction %v carries undecodable data: %v",
				t.Hash, err)
		} else {
			tx.Data = string(data)
		}
	}

	return tx
}

// FetchTransactions returns the transactions of addr with heights in
// [minHeight, maxHeight].  The explorer lists transactions newest first, so
// pages are requested until one reaches below minHeight.
func (c *ExplorerClient) FetchTransactions(ctx context.Context, addr string,
	minHeight, maxHeight uint32) ([]tally.Transaction, error) {

	account := url.PathEscape(address.Normalize(addr))

	var txs []tally.Transaction
	for skip := 0; ; skip += c.pageSize {
		path := fmt.Sprintf("account-transactions/%s/%d/%d", account,
			c.pageSize, skip)

		var page []transaction
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		oldest := uint32(0)
		for i := range page {
			h := page[i].BlockHeight
			if i == 0 || h < oldest {
				oldest = h
			}
			if h < minHeight || h > maxHeight {
				continue
			}
			txs = append(txs, page[i].decode())
		}

		if len(page) < c.pageSize || oldest < minHeight {
			break
		}
	}

	log.Debugf("Fetched %d transactions of %v in [%d, %d]", len(txs), addr,
		minHeight, maxHeight)

	return txs, nil
}

// account is an account as listed by the explorer.
type account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Type    uint8  `json:"type"`
}

// accountsRequest is the body of an accounts request.
type accountsRequest struct {
	Addresses []string `json:"addresses"`
}

// FetchAccounts returns the accounts of addresses known to the explorer.
func (c *ExplorerClient) FetchAccounts(ctx context.Context,
	addresses []string) ([]tally.Account, error) {

	req := accountsRequest{Addresses: make([]string, len(addresses))}
	for i, addr := range addresses {
		req.Addresses[i] = address.Normalize(addr)
	}

	var resp []account
	if err := c.do(ctx, http.MethodPost, "accounts", req, &resp); err != nil {
		return nil, err
	}

	accounts := make([]tally.Account, len(resp))
	for i, a := range resp {
		accounts[i] = tally.Account{
			Address: a.Address,
			Balance: a.Balance,
			Type:    tally.AccountType(a.Type),
		}
	}

	return accounts, nil
}

// reward is a reward as listed by the explorer.
type reward struct {
	Height uint32 `json:"height"`
	Amount int64  `json:"amount"`
}

// FetchRewardsSince returns the rewards credited to addr above height.
func (c *ExplorerClient) FetchRewardsSince(ctx context.Context, addr string,
	height uint32) ([]tally.Reward, error) {

	path := fmt.Sprintf("account-rewards/%s/%s",
		url.PathEscape(address.Normalize(addr)),
		strconv.FormatUint(uint64(height), 10))

	var resp []reward
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	rewards := make([]tally.Reward, 0, len(resp))
	for _, r := range resp {
		if r.Height <= height {
			continue
		}
		rewards = append(rewards, tally.Reward{
			Height: r.Height,
			Amount: r.Amount,
		})
	}

	return rewards, nil
}
