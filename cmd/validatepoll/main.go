// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/nimvote/nimvote/chain"
	"github.com/nimvote/nimvote/internal/cfgutil"
	"github.com/nimvote/nimvote/netparams"
	"github.com/nimvote/nimvote/voting"
)

var (
	nimvoteHomeDir = btcutil.AppDataDir("nimvote", false)
	newlineBytes   = []byte{'\n'}
)

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Stderr.Write(newlineBytes)
	os.Exit(1)
}

func errContext(err error, context string) error {
	return fmt.Errorf("%s: %v", context, err)
}

// Flags.
var opts = struct {
	PollsFile string           `long:"polls" description:"Path to the poll configuration file"`
	TestNet   bool             `long:"testnet" description:"Use the test network"`
	Height    uint32           `long:"height" description:"Chain height used to estimate poll dates (default: queried from the explorer)"`
	Offline   bool             `long:"offline" description:"Do not query the explorer; dates are only printed when --height is set"`
	Explorer  *cfgutil.URLFlag `long:"explorer" description:"Base URL of the block explorer API"`
}{
	PollsFile: filepath.Join(nimvoteHomeDir, "polls.json"),
	Explorer:  cfgutil.NewURLFlag(""),
}

var activeNet = &netparams.MainNetParams

// parseFlags parses and validates the command line.
func parseFlags() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	if opts.TestNet {
		activeNet = &netparams.TestNetParams
	}
	if !opts.Explorer.ExplicitlySet() {
		opts.Explorer.Value = activeNet.ExplorerURL
	}
	opts.PollsFile = cfgutil.CleanAndExpandPath(opts.PollsFile,
		filepath.Dir(nimvoteHomeDir))

	exists, err := cfgutil.FileExists(opts.PollsFile)
	if err != nil {
		fatalf("%v", err)
	}
	if !exists {
		fatalf("Poll configuration file `%s` not found", opts.PollsFile)
	}
}

func main() {
	parseFlags()

	err := run()
	if err != nil {
		fatalf("%v", err)
	}
}

func run() error {
	f, err := os.Open(opts.PollsFile)
	if err != nil {
		return err
	}
	defer f.Close()

	polls, err := voting.DecodeConfig(f)
	if err != nil {
		return errContext(err, "failed to decode polls")
	}

	height := opts.Height
	if height == 0 && !opts.Offline {
		height, err = fetchHeight()
		if err != nil {
			return errContext(err, "failed to fetch chain height")
		}
	}

	return describePolls(os.Stdout, polls, voting.DefaultCodec(), height,
		time.Now())
}

// fetchHeight asks the explorer for the height of the chain's head.
func fetchHeight() (uint32, error) {
	client, err := chain.NewExplorerClient(chain.ExplorerConfig{
		URL: opts.Explorer.Value,
	})
	if err != nil {
		return 0, err
	}
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return client.CurrentHeight(ctx)
}

// describePolls validates every poll and writes its voting address, the
// size of its largest vote and, when head is known, its estimated dates.
// The first invalid poll is returned as an error after all polls are
// described.
func describePolls(w io.Writer, polls []*voting.PollDefinition,
	codec voting.Codec, head uint32, now time.Time) error {

	var firstErr error
	for _, p := range polls {
		fmt.Fprintf(w, "%s (%s, blocks %d-%d)\n", p.DisplayLabel(),
			p.Type, p.Start, p.End)

		if err := codec.ValidatePoll(p); err != nil {
			fmt.Fprintf(w, "  invalid: %v\n", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		addr, err := voting.VotingAddress(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  address:  %s\n", addr.Formatted())
		fmt.Fprintf(w, "  max vote: %d of %d bytes\n",
			codec.MaxVoteSize(p), voting.MaxPayloadSize)

		if head == 0 {
			continue
		}
		fmt.Fprintf(w, "  starts:   %s\n", activeNet.BlockTimeAt(p.Start,
			head, now).UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "  ends:     %s\n", activeNet.BlockTimeAt(p.End,
			head, now).UTC().Format(time.RFC3339))
		switch {
		case p.IsActive(head):
			fmt.Fprintf(w, "  state:    active\n")
		case p.IsPast(head):
			fmt.Fprintf(w, "  state:    finished\n")
		default:
			fmt.Fprintf(w, "  state:    upcoming\n")
		}
	}

	return firstErr
}
