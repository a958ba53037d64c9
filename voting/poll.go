// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package voting

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/nimvote/nimvote/address"
)

const (
	// AddressTag is the fixed prefix of every voting address payload.
	AddressTag = "V0TE"

	// addressHashSymbols is the number of base32 symbols of the poll hash
	// that follow AddressTag in a voting address.
	addressHashSymbols = 28
)

// VotingType determines how the choices of a vote are shaped, encoded and
// weighted.
type VotingType uint8

const (
	// SingleChoice votes name exactly one choice.
	SingleChoice VotingType = iota

	// MultipleChoice votes name one or more choices with equal weight.
	MultipleChoice

	// WeightedChoices votes assign an integer weight to each choice.
	WeightedChoices

	// Ranking votes order all of the poll's choices.
	Ranking
)

var votingTypeNames = map[VotingType]string{
	SingleChoice:    "singleChoice",
	MultipleChoice:  "multipleChoice",
	WeightedChoices: "weightedChoices",
	Ranking:         "ranking",
}

// String returns the name used for the voting type in configuration files.
func (t VotingType) String() string {
	if s, ok := votingTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("VotingType(%d)", uint8(t))
}

// Valid returns whether t is a known voting type.
func (t VotingType) Valid() bool {
	_, ok := votingTypeNames[t]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t VotingType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, pollError("unknown voting type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *VotingType) UnmarshalText(text []byte) error {
	for vt, name := range votingTypeNames {
		if name == string(text) {
			*t = vt
			return nil
		}
	}
	return pollError("unknown voting type %q", text)
}

// Choice is one selectable option of a poll.
type Choice struct {
	// Name identifies the choice on chain.
	Name string `json:"name"`

	// Label is shown to voters, defaulting to Name.
	Label string `json:"label,omitempty"`
}

// DisplayLabel returns the label of the choice, or its name if it has none.
func (c Choice) DisplayLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// PollDefinition describes one poll.  It is immutable once published since
// every field contributes to the poll's voting address.
type PollDefinition struct {
	// Name is the short identifier of the poll put into every vote.
	Name string `json:"name"`

	// Label is a short description of the question being asked.
	Label string `json:"label,omitempty"`

	// Start and End delimit the block heights at which votes count.
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`

	Type    VotingType `json:"type"`
	Choices []Choice   `json:"choices"`

	// Link optionally points to a page describing the poll.
	Link string `json:"link,omitempty"`

	// Results optionally names previously published results.
	Results string `json:"results,omitempty"`
}

// DisplayLabel returns the label of the poll, or its name if it has none.
func (p *PollDefinition) DisplayLabel() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Name
}

// Choice returns the choice with the given name.
func (p *PollDefinition) Choice(name string) (Choice, bool) {
	for _, c := range p.Choices {
		if c.Name == name {
			return c, true
		}
	}
	return Choice{}, false
}

// IsActive returns whether votes can be cast at the given height.
func (p *PollDefinition) IsActive(height uint32) bool {
	return p.Start <= height && height < p.End
}

// IsPast returns whether the poll has ended at the given height.
func (p *PollDefinition) IsPast(height uint32) bool {
	return p.End <= height
}

// Validate checks the structure of the poll independently of any vote
// encoding: a name, a non-empty block range, a known type and at least one
// choice with unique, non-empty names.
func (p *PollDefinition) Validate() error {
	if p.Name == "" {
		return pollError("poll has no name")
	}
	if p.Start >= p.End {
		return pollError("poll %q: start %d must be below end %d",
			p.Name, p.Start, p.End)
	}
	if !p.Type.Valid() {
		return pollError("poll %q: unknown voting type %d", p.Name,
			uint8(p.Type))
	}
	if len(p.Choices) == 0 {
		return pollError("poll %q has no choices", p.Name)
	}

	seen := fn.NewSet[string]()
	for i, c := range p.Choices {
		if c.Name == "" {
			return pollError("poll %q: choice %d has no name",
				p.Name, i)
		}
		if seen.Contains(c.Name) {
			return pollError("poll %q: choice %q is not unique",
				p.Name, c.Name)
		}
		seen.Add(c.Name)
	}

	return nil
}

// canonicalPoll fixes the field order of the bytes a voting address is
// derived from.
type canonicalPoll struct {
	Name    string            `json:"name"`
	Label   string            `json:"label"`
	Start   uint32            `json:"start"`
	End     uint32            `json:"end"`
	Type    string            `json:"type"`
	Choices []canonicalChoice `json:"choices"`
}

type canonicalChoice struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// CanonicalBytes returns the deterministic serialization of the poll that
// its voting address commits to.  Link and Results are informational and
// left out.
func (p *PollDefinition) CanonicalBytes() ([]byte, error) {
	c := canonicalPoll{
		Name:    p.Name,
		Label:   p.Label,
		Start:   p.Start,
		End:     p.End,
		Type:    p.Type.String(),
		Choices: make([]canonicalChoice, 0, len(p.Choices)),
	}
	for _, choice := range p.Choices {
		c.Choices = append(c.Choices, canonicalChoice(choice))
	}

	return json.Marshal(c)
}

// VotingAddress derives the address votes for the poll are sent to.  The
// address commits to every field of the canonical poll, so no two distinct
// polls share an address.
func VotingAddress(p *PollDefinition) (address.Address, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	canonical, err := p.CanonicalBytes()
	if err != nil {
		return "", NewError(ErrInvalidPollDefinition,
			"unable to serialize poll", err)
	}

	digest := address.Base32Encode(chainhash.HashB(canonical))
	payload := AddressTag + digest[:addressHashSymbols]

	addr, err := address.FromPayload(address.CountryCode, payload)
	if err != nil {
		return "", NewError(ErrInvalidPollDefinition,
			"unable to build voting address", err)
	}

	log.Tracef("Derived voting address %v for poll %q", addr.Formatted(),
		p.Name)

	return addr, nil
}

// Config is the published poll configuration file.
type Config struct {
	Votings []*PollDefinition `json:"votings"`
}

// DecodeConfig reads a poll configuration file.  Polls are not validated;
// use Codec.ValidatePoll on each of them.
func DecodeConfig(r io.Reader) ([]*PollDefinition, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return nil, NewError(ErrInvalidPollDefinition,
			"unable to decode poll configuration", err)
	}
	return cfg.Votings, nil
}

// ActivePoll returns the poll accepting votes at height, or nil if there is
// none.  More than one active poll is a configuration error.
func ActivePoll(polls []*PollDefinition, height uint32) (*PollDefinition,
	error) {

	var active []string
	var found *PollDefinition
	for _, p := range polls {
		if p.IsActive(height) {
			active = append(active, p.Name)
			found = p
		}
	}
	if len(active) > 1 {
		return nil, pollError("more than one poll active at height "+
			"%d: %s", height, strings.Join(active, ", "))
	}

	return found, nil
}

// PastPolls returns the polls that have ended at height, in configuration
// order.
func PastPolls(polls []*PollDefinition, height uint32) []*PollDefinition {
	var past []*PollDefinition
	for _, p := range polls {
		if p.IsPast(height) {
			past = append(past, p)
		}
	}
	return past
}
