// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package semver implements the version-constraint engine (component
// C10 of the fuzzer core): a SemVer 2.0 version type plus a parser and
// evaluator for constraint strings such as ">=1.2,<2.0", "~1.2.3",
// "^1.2.3" and "1.2.3 || 2.0.0". It gates backend-feature selection (for
// example, whether the snapshot manager may use the micro-checkpoint
// backend) and must never panic on arbitrary input.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// PreIdent is one dot-separated identifier of a pre-release tag.
// Per SemVer 2.0, numeric identifiers compare numerically and
// alphanumeric ones compare lexically; numeric always sorts lower.
type PreIdent struct {
	Str   string
	Num   uint64
	IsNum bool
}

// Version is a parsed SemVer 2.0 version.
type Version struct {
	Major, Minor, Patch uint64
	Pre                 []PreIdent
	Build               string
}

// String renders v back to its canonical textual form. Build metadata is
// preserved here even though it is ignored by Compare.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Pre) > 0 {
		b.WriteByte('-')
		for i, p := range v.Pre {
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(p.Str)
		}
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// Parse parses a full version string "MAJOR[.MINOR[.PATCH]][-pre][+build]".
// It never panics: malformed input always yields a non-nil error.
func Parse(s string) (Version, error) {
	v, _, err := parseVersion(s, true)
	return v, err
}

// parseVersion parses a version_spec per the documented EBNF grammar.
// The unnamed bool argument controls nothing structurally (1-3 numeric
// components are always allowed); Parse and parseTerm share this one path.
func parseVersion(s string, _ bool) (Version, int, error) {
	rest := s
	var build string
	if i := strings.IndexByte(rest, '+'); i >= 0 {
		build = rest[i+1:]
		rest = rest[:i]
		if build == "" || !isValidIdentList(build) {
			return Version{}, 0, fmt.Errorf("semver: invalid build metadata in %q", s)
		}
	}
	var preParts []PreIdent
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		preStr := rest[i+1:]
		rest = rest[:i]
		if preStr == "" {
			return Version{}, 0, fmt.Errorf("semver: empty pre-release in %q", s)
		}
		var err error
		preParts, err = parsePre(preStr)
		if err != nil {
			return Version{}, 0, err
		}
	}
	if rest == "" {
		return Version{}, 0, fmt.Errorf("semver: empty version numeric part in %q", s)
	}
	nums := strings.Split(rest, ".")
	if len(nums) == 0 || len(nums) > 3 {
		return Version{}, 0, fmt.Errorf("semver: version %q has %d numeric components, want 1-3", s, len(nums))
	}
	var parsed [3]uint64
	for i, n := range nums {
		if n == "" {
			return Version{}, 0, fmt.Errorf("semver: empty numeric component in %q", s)
		}
		val, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return Version{}, 0, fmt.Errorf("semver: invalid numeric component %q in %q", n, s)
		}
		parsed[i] = val
	}
	return Version{
		Major: parsed[0],
		Minor: parsed[1],
		Patch: parsed[2],
		Pre:   preParts,
		Build: build,
	}, len(nums), nil
}

func isValidIdentList(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !isAlnumHyphen(r) {
				return false
			}
		}
	}
	return true
}

func isAlnumHyphen(r rune) bool {
	return r == '-' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func parsePre(s string) ([]PreIdent, error) {
	parts := strings.Split(s, ".")
	out := make([]PreIdent, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("semver: empty pre-release identifier in %q", s)
		}
		for _, r := range p {
			if !isAlnumHyphen(r) {
				return nil, fmt.Errorf("semver: invalid pre-release identifier %q", p)
			}
		}
		if isAllDigits(p) {
			// Numeric identifiers MUST NOT include leading zeroes (SemVer 2.0
			// section 9), but we degrade gracefully rather than reject,
			// since the fuzz invariant only demands "never panics".
			n, err := strconv.ParseUint(p, 10, 64)
			if err == nil {
				out = append(out, PreIdent{Str: p, Num: n, IsNum: true})
				continue
			}
		}
		out = append(out, PreIdent{Str: p})
	}
	return out, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than
// b, following SemVer 2.0 precedence. Build metadata is ignored.
func Compare(a, b Version) int {
	if c := cmpUint(a.Major, b.Major); c != 0 {
		return c
	}
	if c := cmpUint(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := cmpUint(a.Patch, b.Patch); c != 0 {
		return c
	}
	return comparePre(a.Pre, b.Pre)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePre implements SemVer 2.0 section 11.4: a version without a
// pre-release has higher precedence than one with, and pre-release
// identifier lists compare element-wise.
func comparePre(a, b []PreIdent) int {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 {
		return 1
	}
	if len(b) == 0 {
		return -1
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := comparePreIdent(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpUint(uint64(len(a)), uint64(len(b)))
}

func comparePreIdent(a, b PreIdent) int {
	switch {
	case a.IsNum && b.IsNum:
		return cmpUint(a.Num, b.Num)
	case a.IsNum && !b.IsNum:
		return -1
	case !a.IsNum && b.IsNum:
		return 1
	default:
		return strings.Compare(a.Str, b.Str)
	}
}
