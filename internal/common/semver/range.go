package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// operator is a comparator operator in a desugared range.
type operator string

const (
	opEQ operator = "="
	opGT operator = ">"
	opGE operator = ">="
	opLT operator = "<"
	opLE operator = "<="
)

// comparator is a single primitive constraint such as ">=1.2.3".
// Synthetic comparators are the "-0" upper bounds produced by desugaring
// caret, tilde and x-ranges; they never opt a set into prerelease matching.
type comparator struct {
	op        operator
	v         *Version
	synthetic bool
}

func (c comparator) test(v *Version) bool {
	cmp := v.Compare(c.v)
	switch c.op {
	case opEQ:
		return cmp == 0
	case opGT:
		return cmp > 0
	case opGE:
		return cmp >= 0
	case opLT:
		return cmp < 0
	case opLE:
		return cmp <= 0
	}
	return false
}

// comparatorSet is a conjunction of comparators.
type comparatorSet []comparator

// bound is one end of an interval; a nil version means unbounded.
type bound struct {
	v         *Version
	inclusive bool
}

// interval returns the lower and upper bound implied by the set.
func (s comparatorSet) interval() (lo, hi bound) {
	for _, c := range s {
		switch c.op {
		case opEQ:
			lo = tighterLower(lo, bound{v: c.v, inclusive: true})
			hi = tighterUpper(hi, bound{v: c.v, inclusive: true})
		case opGT:
			lo = tighterLower(lo, bound{v: c.v, inclusive: false})
		case opGE:
			lo = tighterLower(lo, bound{v: c.v, inclusive: true})
		case opLT:
			hi = tighterUpper(hi, bound{v: c.v, inclusive: false})
		case opLE:
			hi = tighterUpper(hi, bound{v: c.v, inclusive: true})
		}
	}
	return lo, hi
}

func tighterLower(a, b bound) bound {
	if a.v == nil {
		return b
	}
	if b.v == nil {
		return a
	}
	switch cmp := a.v.Compare(b.v); {
	case cmp > 0:
		return a
	case cmp < 0:
		return b
	default:
		return bound{v: a.v, inclusive: a.inclusive && b.inclusive}
	}
}

func tighterUpper(a, b bound) bound {
	if a.v == nil {
		return b
	}
	if b.v == nil {
		return a
	}
	switch cmp := a.v.Compare(b.v); {
	case cmp < 0:
		return a
	case cmp > 0:
		return b
	default:
		return bound{v: a.v, inclusive: a.inclusive && b.inclusive}
	}
}

// nonEmpty reports whether an interval admits at least one version.
func nonEmpty(lo, hi bound) bool {
	if lo.v == nil || hi.v == nil {
		return true
	}
	cmp := lo.v.Compare(hi.v)
	if cmp < 0 {
		return true
	}
	return cmp == 0 && lo.inclusive && hi.inclusive
}

func (s comparatorSet) test(v *Version) bool {
	for _, c := range s {
		if !c.test(v) {
			return false
		}
	}
	if !v.IsPrerelease() {
		return true
	}
	// A prerelease only satisfies a set that explicitly names a prerelease
	// of the same major.minor.patch tuple.
	for _, c := range s {
		if c.synthetic || !c.v.IsPrerelease() {
			continue
		}
		if c.v.sameTuple(v) {
			return true
		}
	}
	return false
}

// Range is an immutable npm-style version range.
type Range struct {
	raw  string
	sets []comparatorSet
}

var (
	// operatorSpaceRegex collapses "  >=  1.2.3" into ">=1.2.3"
	operatorSpaceRegex = regexp.MustCompile(`(\^|~>?|[<>]=?|=)\s+`)
	// hyphenRegex matches "1.2.3 - 2.3.4"
	hyphenRegex = regexp.MustCompile(`^\s*(\S+)\s+-\s+(\S+)\s*$`)
	// partialRegex matches a possibly partial version with x-range wildcards
	partialRegex = regexp.MustCompile(`^v?(\d+|[xX*])(?:\.(\d+|[xX*]))?(?:\.(\d+|[xX*]))?(?:-([0-9A-Za-z.-]+))?(?:\+[0-9A-Za-z.-]+)?$`)
)

// ParseRange parses an npm range. An empty string, "*", "x" and "latest"
// all mean "any version".
func ParseRange(s string) (*Range, error) {
	raw := strings.TrimSpace(s)
	r := &Range{raw: raw}

	for _, part := range strings.Split(raw, "||") {
		set, err := parseSet(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersionRange, s, err)
		}
		r.sets = append(r.sets, set)
	}
	return r, nil
}

// MustParseRange is like ParseRange but panics on error.
func MustParseRange(s string) *Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parseSet(part string) (comparatorSet, error) {
	part = strings.TrimSpace(part)
	if part == "" || part == "latest" {
		return comparatorSet{}, nil
	}

	if m := hyphenRegex.FindStringSubmatch(part); m != nil {
		return parseHyphen(m[1], m[2])
	}

	part = operatorSpaceRegex.ReplaceAllString(part, "$1")
	var set comparatorSet
	for _, tok := range strings.Fields(part) {
		cs, err := parseComparator(tok)
		if err != nil {
			return nil, err
		}
		set = append(set, cs...)
	}
	return set, nil
}

// partial is a version with optional wildcard components.
type partial struct {
	major, minor, patch uint64
	hasMinor, hasPatch  bool
	any                 bool
	pre                 string
}

func parsePartial(s string) (partial, error) {
	m := partialRegex.FindStringSubmatch(s)
	if m == nil {
		return partial{}, fmt.Errorf("malformed version %q", s)
	}
	var p partial
	if isWildcard(m[1]) {
		p.any = true
		return p, nil
	}
	var err error
	if p.major, err = parseComponent(s, m[1]); err != nil {
		return partial{}, err
	}
	if m[2] != "" && !isWildcard(m[2]) {
		if p.minor, err = parseComponent(s, m[2]); err != nil {
			return partial{}, err
		}
		p.hasMinor = true
		if m[3] != "" && !isWildcard(m[3]) {
			if p.patch, err = parseComponent(s, m[3]); err != nil {
				return partial{}, err
			}
			p.hasPatch = true
			p.pre = m[4]
		}
	}
	return p, nil
}

func parseComponent(s, digits string) (uint64, error) {
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed version %q: %w", s, err)
	}
	return n, nil
}

func isWildcard(s string) bool {
	return s == "x" || s == "X" || s == "*"
}

func (p partial) floor() *Version {
	return newVersion(p.major, p.minor, p.patch, p.pre)
}

func ge(v *Version) comparator { return comparator{op: opGE, v: v} }

// ltSynthetic returns "<M.m.p-0", the exclusive upper bound that also
// excludes prereleases of the bound itself.
func ltSynthetic(major, minor, patch uint64) comparator {
	return comparator{op: opLT, v: newVersion(major, minor, patch, "0"), synthetic: true}
}

func parseComparator(tok string) (comparatorSet, error) {
	var op string
	for _, prefix := range []string{"~>", ">=", "<=", "^", "~", ">", "<", "="} {
		if strings.HasPrefix(tok, prefix) {
			op = prefix
			tok = tok[len(prefix):]
			break
		}
	}

	p, err := parsePartial(tok)
	if err != nil {
		return nil, err
	}

	switch op {
	case "^":
		return caret(p), nil
	case "~", "~>":
		return tilde(p), nil
	case ">":
		return greater(p), nil
	case ">=":
		if p.any {
			return comparatorSet{}, nil
		}
		return comparatorSet{ge(p.floor())}, nil
	case "<":
		if p.any {
			return comparatorSet{ltSynthetic(0, 0, 0)}, nil
		}
		if !p.hasPatch {
			return comparatorSet{ltSynthetic(p.major, p.minor, 0)}, nil
		}
		return comparatorSet{{op: opLT, v: p.floor()}}, nil
	case "<=":
		return lessOrEqual(p), nil
	default:
		return xRange(p), nil
	}
}

func xRange(p partial) comparatorSet {
	switch {
	case p.any:
		return comparatorSet{}
	case !p.hasMinor:
		return comparatorSet{ge(p.floor()), ltSynthetic(p.major+1, 0, 0)}
	case !p.hasPatch:
		return comparatorSet{ge(p.floor()), ltSynthetic(p.major, p.minor+1, 0)}
	default:
		return comparatorSet{{op: opEQ, v: p.floor()}}
	}
}

func caret(p partial) comparatorSet {
	if p.any {
		return comparatorSet{}
	}
	lo := ge(p.floor())
	switch {
	case !p.hasMinor:
		return comparatorSet{lo, ltSynthetic(p.major+1, 0, 0)}
	case p.major > 0:
		return comparatorSet{lo, ltSynthetic(p.major+1, 0, 0)}
	case !p.hasPatch:
		// ^0.x → <1.0.0 handled above; ^0.2 → <0.3.0, ^0.0 → <0.1.0
		return comparatorSet{lo, ltSynthetic(0, p.minor+1, 0)}
	case p.minor > 0:
		return comparatorSet{lo, ltSynthetic(0, p.minor+1, 0)}
	default:
		return comparatorSet{lo, ltSynthetic(0, 0, p.patch+1)}
	}
}

func tilde(p partial) comparatorSet {
	if p.any {
		return comparatorSet{}
	}
	lo := ge(p.floor())
	if !p.hasMinor {
		return comparatorSet{lo, ltSynthetic(p.major+1, 0, 0)}
	}
	return comparatorSet{lo, ltSynthetic(p.major, p.minor+1, 0)}
}

func greater(p partial) comparatorSet {
	switch {
	case p.any:
		// ">*" can never be satisfied
		return comparatorSet{ltSynthetic(0, 0, 0)}
	case !p.hasMinor:
		return comparatorSet{ge(newVersion(p.major+1, 0, 0, ""))}
	case !p.hasPatch:
		return comparatorSet{ge(newVersion(p.major, p.minor+1, 0, ""))}
	default:
		return comparatorSet{{op: opGT, v: p.floor()}}
	}
}

func lessOrEqual(p partial) comparatorSet {
	switch {
	case p.any:
		return comparatorSet{}
	case !p.hasMinor:
		return comparatorSet{ltSynthetic(p.major+1, 0, 0)}
	case !p.hasPatch:
		return comparatorSet{ltSynthetic(p.major, p.minor+1, 0)}
	default:
		return comparatorSet{{op: opLE, v: p.floor()}}
	}
}

func parseHyphen(from, to string) (comparatorSet, error) {
	lo, err := parsePartial(from)
	if err != nil {
		return nil, err
	}
	hi, err := parsePartial(to)
	if err != nil {
		return nil, err
	}

	var set comparatorSet
	if !lo.any {
		set = append(set, ge(lo.floor()))
	}
	switch {
	case hi.any:
	case !hi.hasMinor:
		set = append(set, ltSynthetic(hi.major+1, 0, 0))
	case !hi.hasPatch:
		set = append(set, ltSynthetic(hi.major, hi.minor+1, 0))
	default:
		set = append(set, comparator{op: opLE, v: hi.floor()})
	}
	return set, nil
}

// String returns the range as it was written.
func (r *Range) String() string { return r.raw }

// IsAny reports whether the range accepts every stable version.
func (r *Range) IsAny() bool {
	for _, s := range r.sets {
		if len(s) == 0 {
			return true
		}
	}
	return false
}

// Includes reports whether v satisfies the range.
func (r *Range) Includes(v *Version) bool {
	for _, s := range r.sets {
		if s.test(v) {
			return true
		}
	}
	return false
}

// IsCompatibleWith reports whether the two ranges have any version in common.
func (r *Range) IsCompatibleWith(other *Range) bool {
	for _, a := range r.sets {
		alo, ahi := a.interval()
		if !nonEmpty(alo, ahi) {
			continue
		}
		for _, b := range other.sets {
			blo, bhi := b.interval()
			if nonEmpty(tighterLower(alo, blo), tighterUpper(ahi, bhi)) {
				return true
			}
		}
	}
	return false
}

// MinVersion returns the lowest version that can satisfy the range, or nil
// if none can.
func (r *Range) MinVersion() *Version {
	var best *Version
	for _, s := range r.sets {
		lo, hi := s.interval()
		if !nonEmpty(lo, hi) {
			continue
		}
		candidate := lo.v
		switch {
		case candidate == nil:
			candidate = newVersion(0, 0, 0, "")
		case !lo.inclusive && candidate.IsPrerelease():
			candidate = newVersion(candidate.Major(), candidate.Minor(), candidate.Patch(), candidate.Prerelease()+".0")
		case !lo.inclusive:
			candidate = newVersion(candidate.Major(), candidate.Minor(), candidate.Patch()+1, "")
		}
		if !s.test(candidate) {
			continue
		}
		if best == nil || candidate.IsOlderThan(best) {
			best = candidate
		}
	}
	return best
}

// MaxVersion returns the upper bound of the range and whether that bound is
// itself included. It returns nil if any alternative is unbounded above.
// Exclusive bounds produced by caret, tilde and x-ranges are reported
// without their internal "-0" marker, so "^1.2.3" yields (2.0.0, false).
func (r *Range) MaxVersion() (*Version, bool) {
	var best *Version
	bestInclusive := false
	for _, s := range r.sets {
		lo, hi := s.interval()
		if !nonEmpty(lo, hi) {
			continue
		}
		if hi.v == nil {
			return nil, false
		}
		v := hi.v
		if !hi.inclusive && v.Prerelease() == "0" {
			v = newVersion(v.Major(), v.Minor(), v.Patch(), "")
		}
		if best == nil || v.IsNewerThan(best) || (v.Equals(best) && hi.inclusive) {
			best = v
			bestInclusive = hi.inclusive
		}
	}
	return best, bestInclusive
}

// Prefix returns the leading operator ("^", "~" or "") of a single
// caret, tilde or exact range, and false for anything more complex.
func (r *Range) Prefix() (string, bool) {
	raw := r.raw
	for _, prefix := range []string{"^", "~"} {
		if strings.HasPrefix(raw, prefix) {
			if _, err := Parse(raw[len(prefix):]); err == nil {
				return prefix, true
			}
			return "", false
		}
	}
	if _, err := Parse(raw); err == nil {
		return "", true
	}
	return "", false
}

// FormatRange renders a version with the given range prefix.
func FormatRange(prefix string, v *Version) string {
	return prefix + v.String()
}
