// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package voting

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// VoteTag starts every vote payload.
	VoteTag = "Vote"

	// MaxPayloadSize is the maximum size in bytes of a serialized vote,
	// the size of a transaction's data field.
	MaxPayloadSize = 64

	// MaxWeight is the highest weight a WeightedChoices vote may assign
	// to a single choice.
	MaxWeight = 99

	// DefaultSeparator separates the elements of a vote payload.
	DefaultSeparator = '_'

	// DefaultWeightSeparator separates a choice name from its weight in
	// WeightedChoices votes.
	DefaultWeightSeparator = ':'
)

// ChoiceWeight is a choice named by a vote along with the relative weight
// the voter assigns to it.
type ChoiceWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Vote is the decoded content of a vote payload.
type Vote struct {
	// Name is the name of the poll the vote is for.
	Name string `json:"name"`

	// Choices holds the choices of the vote in payload order.
	Choices []ChoiceWeight `json:"choices"`
}

// TotalWeight returns the sum of the weights of all choices.
func (v *Vote) TotalWeight() float64 {
	var total float64
	for _, c := range v.Choices {
		total += c.Weight
	}
	return total
}

// RankingWeights returns the weights assigned to n ranked choices.  The top
// ranked choice gets a weight of one and every following choice half the
// weight of the one before it.
func RankingWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = math.Ldexp(1, -i)
	}
	return weights
}

// NewRankingVote builds a Ranking vote from choice names in rank order.
func NewRankingVote(pollName string, ranked []string) *Vote {
	weights := RankingWeights(len(ranked))
	v := &Vote{
		Name:    pollName,
		Choices: make([]ChoiceWeight, len(ranked)),
	}
	for i, name := range ranked {
		v.Choices[i] = ChoiceWeight{Name: name, Weight: weights[i]}
	}
	return v
}

// Codec converts votes to and from transaction payloads.  The separators
// must not occur in any poll or choice name.
type Codec struct {
	// Separator separates the tag, the poll name and the choices.
	Separator byte

	// WeightSeparator separates a choice name from its weight.
	WeightSeparator byte
}

// DefaultCodec returns the codec used by published polls.
func DefaultCodec() Codec {
	return Codec{
		Separator:       DefaultSeparator,
		WeightSeparator: DefaultWeightSeparator,
	}
}

// hasSeparator returns whether s contains one of the codec's separators.
func (c Codec) hasSeparator(s string) bool {
	return strings.IndexByte(s, c.Separator) >= 0 ||
		strings.IndexByte(s, c.WeightSeparator) >= 0
}

// Parse decodes payload as a vote for poll.  Any payload that is not a well
// formed vote for poll results in an ErrInvalidVoteFormat error.
func (c Codec) Parse(payload string, poll *PollDefinition) (*Vote, error) {
	if len(payload) > MaxPayloadSize {
		return nil, voteFormatError("payload of %d bytes exceeds %d",
			len(payload), MaxPayloadSize)
	}

	elements := strings.Split(payload, string(c.Separator))
	if elements[0] != VoteTag {
		return nil, voteFormatError("payload does not start with %q",
			VoteTag)
	}
	if len(elements) < 3 {
		return nil, voteFormatError("payload has no choices")
	}
	if elements[1] != poll.Name {
		return nil, voteFormatError("vote for poll %q, expected %q",
			elements[1], poll.Name)
	}

	tokens := elements[2:]
	for _, token := range tokens {
		if token == "" {
			return nil, voteFormatError("empty choice")
		}
		if poll.Type != WeightedChoices &&
			strings.IndexByte(token, c.WeightSeparator) >= 0 {

			return nil, voteFormatError("choice %q contains "+
				"weight separator", token)
		}
	}

	vote := &Vote{Name: poll.Name}

	switch poll.Type {
	case SingleChoice:
		if len(tokens) != 1 {
			return nil, voteFormatError("single choice vote with "+
				"%d choices", len(tokens))
		}
		if _, ok := poll.Choice(tokens[0]); !ok {
			return nil, voteFormatError("unknown choice %q",
				tokens[0])
		}
		vote.Choices = []ChoiceWeight{{Name: tokens[0], Weight: 1}}

	case MultipleChoice:
		if err := checkUnique(tokens); err != nil {
			return nil, err
		}
		if err := checkAnyKnown(tokens, poll); err != nil {
			return nil, err
		}
		vote.Choices = make([]ChoiceWeight, len(tokens))
		for i, token := range tokens {
			vote.Choices[i] = ChoiceWeight{Name: token, Weight: 1}
		}

	case WeightedChoices:
		names := make([]string, len(tokens))
		vote.Choices = make([]ChoiceWeight, len(tokens))
		for i, token := range tokens {
			choice, err := c.parseWeighted(token)
			if err != nil {
				return nil, err
			}
			names[i] = choice.Name
			vote.Choices[i] = choice
		}
		if err := checkUnique(names); err != nil {
			return nil, err
		}
		if err := checkAnyKnown(names, poll); err != nil {
			return nil, err
		}

	case Ranking:
		if len(tokens) != len(poll.Choices) {
			return nil, voteFormatError("ranking of %d choices, "+
				"poll has %d", len(tokens), len(poll.Choices))
		}
		if err := checkUnique(tokens); err != nil {
			return nil, err
		}
		for _, token := range tokens {
			if _, ok := poll.Choice(token); !ok {
				return nil, voteFormatError("unknown choice "+
					"%q in ranking", token)
			}
		}
		vote = NewRankingVote(poll.Name, tokens)

	default:
		return nil, voteFormatError("unknown voting type %v", poll.Type)
	}

	return vote, nil
}

// parseWeighted decodes a single name:weight element.
func (c Codec) parseWeighted(token string) (ChoiceWeight, error) {
	parts := strings.Split(token, string(c.WeightSeparator))
	if len(parts) != 2 || parts[0] == "" {
		return ChoiceWeight{}, voteFormatError("malformed weighted "+
			"choice %q", token)
	}

	weight, err := parseWeight(parts[1])
	if err != nil {
		return ChoiceWeight{}, err
	}

	return ChoiceWeight{Name: parts[0], Weight: float64(weight)}, nil
}

// parseWeight decodes a decimal weight in the range [0, MaxWeight].  Signs
// and other non digit characters are rejected.
func parseWeight(s string) (int, error) {
	if s == "" || len(s) > len(strconv.Itoa(MaxWeight)) {
		return 0, voteFormatError("invalid weight %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, voteFormatError("invalid weight %q", s)
		}
	}

	weight, err := strconv.Atoi(s)
	if err != nil || weight > MaxWeight {
		return 0, voteFormatError("weight %q out of range", s)
	}

	return weight, nil
}

func checkUnique(names []string) error {
	seen := fn.NewSet[string]()
	for _, name := range names {
		if seen.Contains(name) {
			return voteFormatError("choice %q named twice", name)
		}
		seen.Add(name)
	}
	return nil
}

func checkAnyKnown(names []string, poll *PollDefinition) error {
	for _, name := range names {
		if _, ok := poll.Choice(name); ok {
			return nil
		}
	}
	return voteFormatError("vote names none of the poll's choices")
}

// Serialize encodes vote as a payload for a poll of the given voting type.
// WeightedChoices weights are rounded to the nearest integer and Ranking
// choices are emitted by descending weight.
func (c Codec) Serialize(vote *Vote, t VotingType) (string, error) {
	if vote.Name == "" || c.hasSeparator(vote.Name) {
		return "", voteFormatError("invalid poll name %q", vote.Name)
	}
	if len(vote.Choices) == 0 {
		return "", voteFormatError("vote has no choices")
	}

	names := make([]string, len(vote.Choices))
	for i, choice := range vote.Choices {
		if choice.Name == "" || c.hasSeparator(choice.Name) {
			return "", voteFormatError("invalid choice name %q",
				choice.Name)
		}
		names[i] = choice.Name
	}
	if err := checkUnique(names); err != nil {
		return "", err
	}

	var elements []string
	switch t {
	case SingleChoice:
		if len(names) != 1 {
			return "", voteFormatError("single choice vote with "+
				"%d choices", len(names))
		}
		elements = names

	case MultipleChoice:
		elements = names

	case WeightedChoices:
		elements = make([]string, len(vote.Choices))
		for i, choice := range vote.Choices {
			weight := math.Round(choice.Weight)
			if weight < 0 || weight > MaxWeight {
				return "", voteFormatError("weight %v of %q "+
					"out of range", choice.Weight,
					choice.Name)
			}
			elements[i] = choice.Name + string(c.WeightSeparator) +
				strconv.Itoa(int(weight))
		}

	case Ranking:
		ranked := make([]ChoiceWeight, len(vote.Choices))
		copy(ranked, vote.Choices)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Weight > ranked[j].Weight
		})
		elements = make([]string, len(ranked))
		for i, choice := range ranked {
			elements[i] = choice.Name
		}

	default:
		return "", voteFormatError("unknown voting type %v", t)
	}

	sep := string(c.Separator)
	payload := VoteTag + sep + vote.Name + sep + strings.Join(elements, sep)
	if len(payload) > MaxPayloadSize {
		return "", voteFormatError("payload of %d bytes exceeds %d",
			len(payload), MaxPayloadSize)
	}

	return payload, nil
}

// ValidatePoll checks poll structurally and against the codec: no name may
// contain a separator and the largest possible vote must fit into a
// transaction.
func (c Codec) ValidatePoll(poll *PollDefinition) error {
	if err := poll.Validate(); err != nil {
		return err
	}

	if c.hasSeparator(poll.Name) {
		return pollError("poll name %q contains a separator", poll.Name)
	}
	if strings.ContainsAny(poll.Name, " \t") {
		log.Warnf("Poll name %q contains whitespace", poll.Name)
	}
	for _, choice := range poll.Choices {
		if c.hasSeparator(choice.Name) {
			return pollError("poll %q: choice %q contains a "+
				"separator", poll.Name, choice.Name)
		}
		if strings.ContainsAny(choice.Name, " \t") {
			log.Warnf("Poll %q: choice %q contains whitespace",
				poll.Name, choice.Name)
		}
	}

	size := c.MaxVoteSize(poll)
	if size > MaxPayloadSize {
		return pollError("poll %q: votes may take up to %d bytes, "+
			"maximum is %d", poll.Name, size, MaxPayloadSize)
	}

	return nil
}

// MaxVoteSize returns the size in bytes of the largest vote that can be
// cast for poll.
func (c Codec) MaxVoteSize(poll *PollDefinition) int {
	// Tag, poll name and the separators after each of them.
	size := len(VoteTag) + len(poll.Name) + 2

	if poll.Type == SingleChoice {
		longest := 0
		for _, choice := range poll.Choices {
			if len(choice.Name) > longest {
				longest = len(choice.Name)
			}
		}
		return size + longest
	}

	weightLen := len(strconv.Itoa(MaxWeight))
	for i, choice := range poll.Choices {
		size += len(choice.Name)
		if i > 0 {
			size++
		}
		if poll.Type == WeightedChoices {
			size += 1 + weightLen
		}
	}

	return size
}
