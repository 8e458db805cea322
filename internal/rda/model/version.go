package model

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// VersionRange is the set of RDA API versions the pipeline accepts, expressed as a semver
// constraint such as "~0.12" or ">=0.10.0, <1.0.0". The zero value accepts every version.
type VersionRange struct {
	text       string
	constraint *semver.Constraints
}

func ParseVersionRange(text string) (VersionRange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return VersionRange{}, nil
	}
	constraint, err := semver.NewConstraint(text)
	if err != nil {
		return VersionRange{}, errors.Wrapf(err, "invalid version range %q", text)
	}
	return VersionRange{text: text, constraint: constraint}, nil
}

func MustParseVersionRange(text string) VersionRange {
	r, err := ParseVersionRange(text)
	if err != nil {
		panic(err)
	}
	return r
}

// Allows reports whether version satisfies the range. Unparseable versions are never allowed
// by a non-empty range.
func (r VersionRange) Allows(version string) bool {
	if r.constraint == nil {
		return true
	}
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false
	}
	return r.constraint.Check(v)
}

func (r VersionRange) String() string {
	if r.text == "" {
		return "*"
	}
	return r.text
}

func (r *VersionRange) UnmarshalText(text []byte) error {
	parsed, err := ParseVersionRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r VersionRange) MarshalText() ([]byte, error) {
	return []byte(r.text), nil
}
