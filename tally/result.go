// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tally

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nimvote/nimvote/address"
)

// Contribution is the share of a single vote in the total of a choice.
type Contribution struct {
	Sender string  `json:"sender"`
	Height uint32  `json:"height"`
	Value  float64 `json:"value"`
}

// ChoiceResult is the outcome of a single choice.
type ChoiceResult struct {
	Label string         `json:"label"`
	Value float64        `json:"value"`
	Votes []Contribution `json:"votes"`
}

// Stats summarizes the votes counted for a poll.
type Stats struct {
	// Votes is the number of eligible votes.
	Votes int `json:"votes"`

	// Value is the sum of the weight values of all eligible votes.
	Value int64 `json:"nim"`
}

// Result is the outcome of a poll.  Choices are ordered by descending
// value.
type Result struct {
	Label   string         `json:"label"`
	Choices []ChoiceResult `json:"results"`
	Stats   Stats          `json:"stats"`
}

// Choice returns the result of the choice with the given label.
func (r *Result) Choice(label string) (ChoiceResult, bool) {
	for _, c := range r.Choices {
		if c.Label == label {
			return c, true
		}
	}
	return ChoiceResult{}, false
}

// sortChoices orders the choices by descending value, keeping the poll
// order among choices of equal value.
func (r *Result) sortChoices() {
	sort.SliceStable(r.Choices, func(i, j int) bool {
		return r.Choices[i].Value > r.Choices[j].Value
	})
}

// PublishPath returns the path of the published result of the poll with
// voting address addr inside dir.
func PublishPath(dir string, addr address.Address) string {
	return filepath.Join(dir, addr.String()+".json")
}

// WriteFile writes the result as JSON to path.  The file is replaced
// atomically.
func (r *Result) WriteFile(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// ReadResultFile reads a result previously written with WriteFile.
func ReadResultFile(path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &r, nil
}
