// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"

	"github.com/nimvote/nimvote/chain"
	"github.com/nimvote/nimvote/netparams"
	"github.com/nimvote/nimvote/resultdb"
	"github.com/nimvote/nimvote/tally"
	"github.com/nimvote/nimvote/voting"
)

// watchJitter spreads the head checks of several watchers.
const watchJitter = 0.1

var (
	cfg       *config
	activeNet = &netparams.MainNetParams
)

func main() {
	// Work around defer not working after os.Exit.
	if err := voteMain(); err != nil {
		os.Exit(1)
	}
}

// voteMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func voteMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	codec := voting.DefaultCodec()
	polls, err := loadPolls(cfg.PollsFile, codec)
	if err != nil {
		log.Errorf("Unable to load polls: %v", err)
		return err
	}

	client, err := chain.NewExplorerClient(chain.ExplorerConfig{
		URL:             cfg.Explorer.Value,
		RequestInterval: cfg.RequestInterval,
	})
	if err != nil {
		log.Errorf("Unable to create explorer client: %v", err)
		return err
	}
	log.Infof("Using explorer %s on %s", cfg.Explorer.Value, activeNet.Name)

	ctx, cancel := interruptContext(context.Background())
	defer cancel()
	addInterruptHandler(client.Stop)

	engineCfg := tally.Config{
		Chain:          client,
		Codec:          codec,
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		CallTimeout:    cfg.CallTimeout,
		MaxRetries:     cfg.MaxRetries,
	}
	c := &counter{
		heights:    client,
		resultsDir: cfg.ResultsDir,
		publish:    cfg.Publish,
	}

	if !cfg.NoCache {
		db, err := resultdb.Open(cfg.DataDir, resultdb.DefaultTimeout)
		if err != nil {
			log.Errorf("Unable to open result cache: %v", err)
			return err
		}
		defer db.Close()

		engineCfg.Cache = db
		c.pruner = db
	}
	c.engine = tally.New(engineCfg)

	err = run(ctx, c, polls)

	// Run the interrupt handlers, stopping the explorer client.
	simulateInterrupt()
	<-interruptHandlersDone

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// run counts the polls selected by the configuration.
func run(ctx context.Context, c *counter,
	polls []*voting.PollDefinition) error {

	height, err := c.heights.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	log.Infof("Chain is at height %d", height)

	switch {
	case len(cfg.Polls) > 0:
		selected, err := pollsByName(polls, cfg.Polls)
		if err != nil {
			return err
		}
		for _, p := range selected {
			if _, err := c.count(ctx, p, height); err != nil {
				return err
			}
		}

	case cfg.Publish:
		past := voting.PastPolls(polls, height)
		log.Infof("Publishing %d finished %s", len(past),
			pickNoun(len(past), "poll", "polls"))
		for _, p := range past {
			if _, err := c.count(ctx, p, height); err != nil {
				return err
			}
		}

	case cfg.Watch:
		ticker := chain.NewJitterTicker(cfg.WatchInterval, watchJitter)
		defer ticker.Stop()

		log.Infof("Watching for new blocks every %v", cfg.WatchInterval)
		return c.watch(ctx, polls, ticker.C)

	default:
		if err := c.countActive(ctx, polls, 0, height); err != nil {
			return err
		}
	}

	return nil
}
