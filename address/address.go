// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package address implements the IBAN-style address format used by the
// chain: a two letter country code, two check digits and a base32 payload.
package address

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Alphabet is the base32 alphabet used for address payloads.  The
	// symbols I, O, W and Z are left out to avoid visual ambiguity.
	Alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVXY"

	// CountryCode is the country code prefixed to every address.
	CountryCode = "NQ"

	// groupSize is the number of symbols per group in the formatted
	// representation of an address.
	groupSize = 4

	// headerLen is the length of the country code plus check digits.
	headerLen = 4
)

var (
	// ErrMalformed is returned when an address contains characters
	// outside of the address alphabet or is too short.
	ErrMalformed = errors.New("malformed address")

	// ErrChecksumMismatch is returned when the check digits of an
	// address do not match its payload.
	ErrChecksumMismatch = errors.New("address checksum mismatch")
)

// Base32Encode encodes buf five bits at a time using Alphabet.  The result
// has ceil(len(buf)*8/5) symbols.  The alphabet has no padding symbol, so no
// trailing padding is ever appended.
func Base32Encode(buf []byte) string {
	var (
		sb    strings.Builder
		shift = 3
		carry = 0
	)
	sb.Grow((len(buf)*8 + 4) / 5)

	for _, b := range buf {
		symbol := carry | int(b)>>shift
		sb.WriteByte(Alphabet[symbol&0x1F])

		if shift > 5 {
			shift -= 5
			symbol = int(b) >> shift
			sb.WriteByte(Alphabet[symbol&0x1F])
		}

		shift = 5 - shift
		carry = int(b) << shift
		shift = 8 - shift
	}

	if shift != 3 {
		sb.WriteByte(Alphabet[carry&0x1F])
	}

	return sb.String()
}

// IBANCheck computes the ISO 7064 MOD 97-10 remainder of str.  Digits are
// taken as is and letters are mapped to two digit numbers (A=10 ... Z=35).
// The resulting numeral is reduced in chunks of six digits so no overflow
// can occur.
//
// NOTE: str must only contain ASCII letters and digits.  Anything else is a
// programming error and causes a panic.
func IBANCheck(str string) int {
	var num strings.Builder
	for i := 0; i < len(str); i++ {
		c := str[i]
		switch {
		case c >= '0' && c <= '9':
			num.WriteByte(c)
		case c >= 'a' && c <= 'z':
			fmt.Fprintf(&num, "%d", int(c-'a'+'A')-55)
		case c >= 'A' && c <= 'Z':
			fmt.Fprintf(&num, "%d", int(c)-55)
		default:
			panic(fmt.Sprintf("iban check: invalid character %q", c))
		}
	}

	digits := num.String()
	rem := 0
	for i := 0; i < len(digits); i += 6 {
		end := i + 6
		if end > len(digits) {
			end = len(digits)
		}
		for _, d := range digits[i:end] {
			rem = rem*10 + int(d-'0')
		}
		rem %= 97
	}

	return rem
}

// Checksum returns the two check digits for payload under countryCode.
func Checksum(payload, countryCode string) string {
	return fmt.Sprintf("%02d", 98-IBANCheck(payload+countryCode+"00"))
}

// Address is a checksummed address in its compact form, i.e. without any
// grouping spaces.
type Address string

// FromPayload builds the address for payload under countryCode.
func FromPayload(countryCode, payload string) (Address, error) {
	if len(countryCode) != 2 || !isAlpha(countryCode) {
		return "", fmt.Errorf("%w: country code %q", ErrMalformed,
			countryCode)
	}
	if payload == "" || !isAlphanumeric(payload) {
		return "", fmt.Errorf("%w: payload %q", ErrMalformed, payload)
	}

	payload = strings.ToUpper(payload)
	countryCode = strings.ToUpper(countryCode)

	return Address(countryCode + Checksum(payload, countryCode) + payload), nil
}

// Decode parses an address in either its compact or its formatted form and
// verifies its check digits.
func Decode(s string) (Address, error) {
	compact := Normalize(s)
	if len(compact) <= headerLen || !isAlphanumeric(compact) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if !isAlpha(compact[:2]) || !isDigits(compact[2:headerLen]) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	// Moving the header to the end must leave a remainder of one.
	if IBANCheck(compact[headerLen:]+compact[:headerLen]) != 1 {
		return "", fmt.Errorf("%w: %q", ErrChecksumMismatch, s)
	}

	return Address(compact), nil
}

// Normalize strips all whitespace from s and upper cases it so addresses
// reported in different formats compare equal.
func Normalize(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// CountryCode returns the two letter country code of the address.
func (a Address) CountryCode() string {
	return string(a[:2])
}

// Checksum returns the two check digits of the address.
func (a Address) Checksum() string {
	return string(a[2:headerLen])
}

// Payload returns the part of the address following the check digits.
func (a Address) Payload() string {
	return string(a[headerLen:])
}

// String returns the compact form of the address.
func (a Address) String() string {
	return string(a)
}

// Formatted returns the address with a space inserted after every four
// symbols, the form shown to humans.
func (a Address) Formatted() string {
	var sb strings.Builder
	for i := 0; i < len(a); i += groupSize {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + groupSize
		if end > len(a) {
			end = len(a)
		}
		sb.WriteString(string(a[i:end]))
	}
	return sb.String()
}

func isAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isAlphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && !isAlpha(s[i:i+1]) {
			return false
		}
	}
	return true
}
