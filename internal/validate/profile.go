// Package validate checks wire-supplied profile fields against the
// protocol's limits. Every check returns a FieldError naming the field the
// way it is spelled on the wire, ready to be copied into response details.
package validate

import (
	"regexp"
	"unicode/utf8"
)

// Field limits, in bytes unless noted.
const (
	MaxNameBytes        = 64
	MaxTypeBytes        = 64
	MaxExtraDataBytes   = 512
	MaxServiceNameBytes = 32
	MaxServicesPerClient = 32
	MaxImageBytes       = 128 * 1024
)

// Name checks a profile name: required, valid UTF-8, at most 64 bytes.
func Name(name string) error {
	if name == "" {
		return Fieldf("name", "must not be empty")
	}
	if !utf8.ValidString(name) {
		return Fieldf("name", "must be valid UTF-8")
	}
	if len(name) > MaxNameBytes {
		return Fieldf("name", "exceeds %d bytes", MaxNameBytes)
	}
	return nil
}

// IdentityType checks a profile type string.
func IdentityType(t string) error {
	if !utf8.ValidString(t) {
		return Fieldf("type", "must be valid UTF-8")
	}
	if len(t) > MaxTypeBytes {
		return Fieldf("type", "exceeds %d bytes", MaxTypeBytes)
	}
	return nil
}

// ExtraData checks the free-form extra data blob.
func ExtraData(d string) error {
	if !utf8.ValidString(d) {
		return Fieldf("extraData", "must be valid UTF-8")
	}
	if len(d) > MaxExtraDataBytes {
		return Fieldf("extraData", "exceeds %d bytes", MaxExtraDataBytes)
	}
	return nil
}

// Location checks GPS coordinates.
func Location(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return Fieldf("latitude", "must be within [-90, 90]")
	}
	if lon < -180 || lon > 180 {
		return Fieldf("longitude", "must be within [-180, 180]")
	}
	return nil
}

// ServiceName checks an application service name.
func ServiceName(name string) error {
	if name == "" {
		return Fieldf("serviceName", "must not be empty")
	}
	if !utf8.ValidString(name) {
		return Fieldf("serviceName", "must be valid UTF-8")
	}
	if len(name) > MaxServiceNameBytes {
		return Fieldf("serviceName", "exceeds %d bytes", MaxServiceNameBytes)
	}
	return nil
}

// SearchRegexp compiles the extra-data filter of a search request. An empty
// expression matches everything and compiles to nil.
func SearchRegexp(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, Fieldf("extraData", "invalid regular expression")
	}
	return re, nil
}
