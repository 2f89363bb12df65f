package keyspace

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(v int64, peer string) Key { return NewKey(IntKey(v), peer) }

func TestIntKey_Order(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 35, 1 << 40, math.MaxInt64}
	for i := 1; i < len(values); i++ {
		assert.Equal(t, -1, IntKey(values[i-1]).Compare(IntKey(values[i])), "%d < %d", values[i-1], values[i])
	}

	for _, v := range values {
		got, ok := IntKey(v).Int()
		require.True(t, ok)
		assert.Equal(t, v, got)
	}

	assert.Equal(t, -1, IntKey(math.MaxInt64).Compare(StringKey("")), "ints sort before strings")
	_, ok := StringKey("abc").Int()
	assert.False(t, ok)
}

func TestParseRawKey(t *testing.T) {
	assert.Equal(t, IntKey(42), ParseRawKey("42"))
	assert.Equal(t, IntKey(-7), ParseRawKey("-7"))
	assert.Equal(t, StringKey("apple"), ParseRawKey("apple"))
	assert.Equal(t, "42", ParseRawKey("42").String())
	assert.Equal(t, `"apple"`, ParseRawKey("apple").String())
}

func TestKey_Compare(t *testing.T) {
	a := key(10, "peer-a")
	b := key(10, "peer-b")
	c := key(11, "peer-a")

	assert.True(t, a.Less(b), "equal raw keys break ties by peer")
	assert.True(t, b.Less(c))
	assert.True(t, Lowest(IntKey(10)).Less(a))
	assert.True(t, b.Less(Highest(IntKey(10))))
	assert.True(t, a.Less(a.Successor()))
	assert.True(t, a.Successor().Less(b))
	assert.True(t, a.Equal(key(10, "peer-a")))
}

func TestKey_JSONRoundTrip(t *testing.T) {
	link := Link{Key: key(-5, "2f1c"), Addr: "127.0.0.1:9000"}
	data, err := json.Marshal(link)
	require.NoError(t, err)

	var decoded Link
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, link.Equal(decoded))

	span := Range{From: IntKey(1), To: IntKey(9), FromInclusive: true}.Span()
	data, err = json.Marshal(span)
	require.NoError(t, err)
	var decodedSpan Span
	require.NoError(t, json.Unmarshal(data, &decodedSpan))
	assert.Equal(t, span, decodedSpan, "sentinel peers survive JSON")
}

func TestMembershipVector(t *testing.T) {
	a := MembershipVector(0b1011 << 60)
	b := MembershipVector(0b1001 << 60)

	assert.Equal(t, 2, a.CommonPrefix(b))
	assert.Equal(t, MaxLevel, a.CommonPrefix(a))
	assert.True(t, a.SharesLevel(b, 0))
	assert.True(t, a.SharesLevel(b, 2))
	assert.False(t, a.SharesLevel(b, 3))
}

func TestBetween(t *testing.T) {
	k := func(v int64) Key { return key(v, "p") }

	tests := []struct {
		name       string
		id, lo, hi int64
		want       bool
	}{
		{"inside", 5, 3, 7, true},
		{"at start", 3, 3, 7, false},
		{"at end", 7, 3, 7, false},
		{"outside", 9, 3, 7, false},
		{"wrap high", 9, 8, 3, true},
		{"wrap low", 1, 8, 3, true},
		{"wrap outside", 5, 8, 3, false},
		{"whole ring", 5, 4, 4, true},
		{"whole ring start", 4, 4, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Between(k(tt.id), k(tt.lo), k(tt.hi)))
		})
	}

	assert.True(t, InRange(k(7), k(3), k(7)))
	assert.False(t, InRange(k(3), k(3), k(7)))
	assert.True(t, BetweenLeftIncl(k(3), k(3), k(7)))
	assert.False(t, BetweenLeftIncl(k(7), k(3), k(7)))
}

func TestRange_Span(t *testing.T) {
	halfOpen := HalfOpen(IntKey(20), IntKey(70)).Span()
	assert.True(t, halfOpen.Contains(key(20, "p")))
	assert.True(t, halfOpen.Contains(key(69, "p")))
	assert.False(t, halfOpen.Contains(key(70, "p")))

	closed := Closed(IntKey(20), IntKey(70)).Span()
	assert.True(t, closed.Contains(key(70, "p")))

	open := Range{From: IntKey(20), To: IntKey(70)}.Span()
	assert.False(t, open.Contains(key(20, "p")))
	assert.True(t, open.Contains(key(21, "p")))

	assert.True(t, Span{From: key(5, "p"), To: key(5, "p")}.Empty())
	assert.True(t, PointSpan(key(5, "p")).Contains(key(5, "p")))
	assert.False(t, PointSpan(key(5, "p")).Contains(key(5, "q")))
}

func TestSpan_Subtract(t *testing.T) {
	k := func(v int64) Key { return Lowest(IntKey(v)) }
	s := Span{From: k(0), To: k(100)}

	assert.Equal(t, []Span{s}, s.Subtract(Span{From: k(100), To: k(200)}))
	assert.Empty(t, s.Subtract(Span{From: k(-5), To: k(150)}))
	assert.Equal(t, []Span{{From: k(0), To: k(20)}, {From: k(30), To: k(100)}}, s.Subtract(Span{From: k(20), To: k(30)}))
	assert.Equal(t, []Span{{From: k(50), To: k(100)}}, s.Subtract(Span{From: k(-1), To: k(50)}))
	assert.Equal(t, Span{From: k(20), To: k(100)}, s.Intersect(Span{From: k(20), To: k(300)}))
}

func TestNormalize(t *testing.T) {
	k := func(v int64) Key { return Lowest(IntKey(v)) }
	in := []Span{
		{From: k(50), To: k(60)},
		{From: k(0), To: k(10)},
		{From: k(10), To: k(20)},
		{From: k(55), To: k(70)},
		{From: k(80), To: k(80)},
	}

	assert.Equal(t, []Span{{From: k(0), To: k(20)}, {From: k(50), To: k(70)}}, Normalize(in))
	assert.Empty(t, Normalize(nil))
}
