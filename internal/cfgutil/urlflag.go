// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"net/url"
)

// URLFlag is an http(s) URL implementing the flags.Marshaler and
// flags.Unmarshaler interfaces so it may be used as a config struct field.  It
// records whether the value was explicitly set, so network defaults only
// apply when the user did not choose a URL.
type URLFlag struct {
	Value         string
	explicitlySet bool
}

// NewURLFlag creates a URL flag with the provided default value.
func NewURLFlag(defaultValue string) *URLFlag {
	return &URLFlag{Value: defaultValue}
}

// ExplicitlySet returns whether the flag was explicitly set through the
// flags.Unmarshaler interface.
func (u *URLFlag) ExplicitlySet() bool { return u.explicitlySet }

// MarshalFlag implements the flags.Marshaler interface.
func (u *URLFlag) MarshalFlag() (string, error) { return u.Value, nil }

// UnmarshalFlag implements the flags.Unmarshaler interface.  Only absolute
// http and https URLs are accepted.
func (u *URLFlag) UnmarshalFlag(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") ||
		parsed.Host == "" {

		return fmt.Errorf("%q is not an http or https URL", value)
	}

	u.Value = value
	u.explicitlySet = true
	return nil
}
