// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nimvote/nimvote/address"
	"github.com/nimvote/nimvote/tally"
	"github.com/nimvote/nimvote/voting"
)

// lunaPerNIM is the number of the chain's smallest units in one coin.
const lunaPerNIM = 1e5

// loadPolls reads and validates the poll configuration file at path.
func loadPolls(path string, codec voting.Codec) ([]*voting.PollDefinition,
	error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	polls, err := voting.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for _, p := range polls {
		if err := codec.ValidatePoll(p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	log.Infof("Loaded %d %s from %s", len(polls),
		pickNoun(len(polls), "poll", "polls"), path)

	return polls, nil
}

// pollsByName returns the polls with the given names.
func pollsByName(polls []*voting.PollDefinition,
	names []string) ([]*voting.PollDefinition, error) {

	selected := make([]*voting.PollDefinition, 0, len(names))
	for _, name := range names {
		var found *voting.PollDefinition
		for _, p := range polls {
			if p.Name == name {
				found = p
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("unknown poll %q", name)
		}
		selected = append(selected, found)
	}
	return selected, nil
}

// counter counts polls and reports or publishes their results.
type counter struct {
	engine  *tally.Engine
	heights tally.HeightSource

	// pruner drops superseded cached results.  It is optional.
	pruner interface {
		Prune(addr address.Address) (int, error)
	}

	resultsDir string
	publish    bool
}

// count tallies poll and logs the result.  Results of finished polls are
// published when publishing is enabled.
func (c *counter) count(ctx context.Context, poll *voting.PollDefinition,
	height uint32) (*tally.Result, error) {

	addr, err := voting.VotingAddress(poll)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.engine.Tally(ctx, poll)
	if err != nil {
		return nil, fmt.Errorf("count poll %q: %w", poll.Name, err)
	}

	state := "preliminary"
	if poll.IsPast(height) {
		state = "final"
	}
	log.Infof("Counted %s result of poll %q (%v) in %v", state, poll.Name,
		addr.Formatted(), time.Since(start).Round(time.Millisecond))
	logResult(result)

	if !poll.IsPast(height) {
		return result, nil
	}

	if c.publish {
		path := tally.PublishPath(c.resultsDir, addr)
		if err := result.WriteFile(path); err != nil {
			return nil, fmt.Errorf("publish poll %q: %w", poll.Name,
				err)
		}
		log.Infof("Published result of poll %q to %s", poll.Name, path)
	}

	if c.pruner != nil {
		if _, err := c.pruner.Prune(addr); err != nil {
			log.Warnf("Unable to prune cached results of poll %q: %v",
				poll.Name, err)
		}
	}

	return result, nil
}

// logResult logs the outcome of every choice.
func logResult(r *tally.Result) {
	log.Infof("%s: %d %s weighing %.5f NIM", r.Label, r.Stats.Votes,
		pickNoun(r.Stats.Votes, "vote", "votes"),
		float64(r.Stats.Value)/lunaPerNIM)

	for i, c := range r.Choices {
		share := 0.0
		if r.Stats.Value > 0 {
			share = 100 * c.Value / float64(r.Stats.Value)
		}
		log.Infof("  %d. %s: %.5f NIM (%.2f%%, %d %s)", i+1, c.Label,
			c.Value/lunaPerNIM, share, len(c.Votes),
			pickNoun(len(c.Votes), "voter", "voters"))
	}
}

// watch recounts the poll active at the chain's head whenever the head
// advances.  It checks the head on every tick and returns when ctx is done.
func (c *counter) watch(ctx context.Context, polls []*voting.PollDefinition,
	ticks <-chan time.Time) error {

	var lastHeight uint32
	for {
		height, err := c.heights.CurrentHeight(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil

		case err != nil:
			log.Warnf("Unable to fetch current height: %v", err)

		case height != lastHeight:
			if err := c.countActive(ctx, polls, lastHeight,
				height); err != nil {

				if ctx.Err() != nil {
					return nil
				}
				log.Errorf("%v", err)
			}
			lastHeight = height
		}

		select {
		case <-ticks:
		case <-ctx.Done():
			return nil
		}
	}
}

// countActive counts the poll active at height.  A poll that ended since
// lastHeight is counted once more to get its final result.
func (c *counter) countActive(ctx context.Context,
	polls []*voting.PollDefinition, lastHeight, height uint32) error {

	for _, p := range polls {
		if lastHeight != 0 && p.IsActive(lastHeight) && p.IsPast(height) {
			log.Infof("Poll %q ended at height %d", p.Name, p.End)
			if _, err := c.count(ctx, p, height); err != nil {
				return err
			}
		}
	}

	active, err := voting.ActivePoll(polls, height)
	if err != nil {
		return err
	}
	if active == nil {
		log.Debugf("No poll active at height %d", height)
		return nil
	}

	_, err = c.count(ctx, active, height)
	return err
}
