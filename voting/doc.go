// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package voting implements the on-chain voting protocol: poll definitions,
the encoding of votes into transaction payloads and the derivation of the
address each poll collects its votes at.

Votes

A vote is a transaction of minimal value sent to the poll's voting address
with the vote encoded in its data field:

	Vote_<poll name>_<choices>

The separators are configurable through Codec and default to "_" between
elements and ":" between a choice name and its weight.  The choices element
depends on the poll's voting type:

	singleChoice     Vote_icecream_vanilla
	multipleChoice   Vote_icecream_vanilla_chocolate
	weightedChoices  Vote_icecream_vanilla:30_chocolate:70
	ranking          Vote_icecream_chocolate_vanilla_strawberry

A payload never exceeds 64 bytes.  Ranking votes must order all of the
poll's choices; the choice ranked k-th gets a weight of 2^-(k-1) when the
vote is counted.

Voting addresses

The voting address of a poll is derived from the SHA-256 hash of the poll's
canonical JSON serialization.  The first 28 base32 symbols of the hash
follow the fixed tag V0TE, and the result is checksummed like any other
address.  Changing any field of the poll, including the block range or the
order of the choices, yields a different address.

Errors

All errors returned by this package are of type Error and carry one of the
ErrorCode values.  ErrInvalidVoteFormat errors are expected while scanning
the chain and simply mean the transaction is not a vote.
ErrInvalidPollDefinition errors are fatal.
*/
package voting
