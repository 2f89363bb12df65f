package keyspace

import (
	"fmt"
	"slices"
)

// Span is a half-open interval [From, To) of keys.
type Span struct {
	From Key `json:"from"`
	To   Key `json:"to"`
	// Repair marks a span whose delegate failed; the receiver covers it by
	// walking left from its own position instead of splitting it again.
	Repair bool `json:"repair,omitempty"`
}

// Empty reports whether the span contains no key.
func (s Span) Empty() bool { return !s.From.Less(s.To) }

// Contains reports whether k lies in the span.
func (s Span) Contains(k Key) bool { return !k.Less(s.From) && k.Less(s.To) }

// Overlaps reports whether the two spans share any key.
func (s Span) Overlaps(o Span) bool { return s.From.Less(o.To) && o.From.Less(s.To) }

// Intersect returns the overlapping part of s and o, which may be empty.
func (s Span) Intersect(o Span) Span {
	out := Span{From: maxKey(s.From, o.From), To: minKey(s.To, o.To), Repair: s.Repair}
	return out
}

// Subtract returns what remains of s once o is removed: up to two spans.
func (s Span) Subtract(o Span) []Span {
	if !s.Overlaps(o) {
		return []Span{s}
	}
	var out []Span
	if s.From.Less(o.From) {
		out = append(out, Span{From: s.From, To: o.From, Repair: s.Repair})
	}
	if o.To.Less(s.To) {
		out = append(out, Span{From: o.To, To: s.To, Repair: s.Repair})
	}
	return out
}

func (s Span) String() string {
	return fmt.Sprintf("[%s, %s)", s.From, s.To)
}

// PointSpan returns the span holding exactly k.
func PointSpan(k Key) Span {
	return Span{From: k, To: k.Successor()}
}

// Range is an application-facing raw key range with explicit inclusivity.
type Range struct {
	From          RawKey `json:"from"`
	To            RawKey `json:"to"`
	FromInclusive bool   `json:"from_inclusive"`
	ToInclusive   bool   `json:"to_inclusive"`
}

// HalfOpen returns the range [from, to).
func HalfOpen(from, to RawKey) Range {
	return Range{From: from, To: to, FromInclusive: true}
}

// Closed returns the range [from, to].
func Closed(from, to RawKey) Range {
	return Range{From: from, To: to, FromInclusive: true, ToInclusive: true}
}

// Span converts the range to a key span.
func (r Range) Span() Span {
	s := Span{From: Highest(r.From), To: Lowest(r.To)}
	if r.FromInclusive {
		s.From = Lowest(r.From)
	}
	if r.ToInclusive {
		s.To = Highest(r.To)
	}
	return s
}

// Normalize sorts spans, drops empty ones and merges overlapping or touching ones.
func Normalize(spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		if !s.Empty() {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Span) int { return a.From.Compare(b.From) })

	merged := out[:0]
	for _, s := range out {
		if n := len(merged); n > 0 && !merged[n-1].To.Less(s.From) && merged[n-1].Repair == s.Repair {
			if merged[n-1].To.Less(s.To) {
				merged[n-1].To = s.To
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func minKey(a, b Key) Key {
	if a.Less(b) {
		return a
	}
	return b
}

func maxKey(a, b Key) Key {
	if a.Less(b) {
		return b
	}
	return a
}
