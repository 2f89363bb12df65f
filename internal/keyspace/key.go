// Package keyspace defines the ordered key space shared by every peer:
// raw keys, uniquified keys, links, membership vectors and key spans.
package keyspace

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	intTag    = 'i'
	stringTag = 's'

	// MaxLevel bounds the routing table height; a membership vector has 64 bits.
	MaxLevel = 32

	// maxPeer sorts after every real peer id.
	maxPeer = "\U0010FFFF"
)

// RawKey is an order-preserving byte encoding of an application key.
// Integer keys sort numerically, string keys sort lexically, and all integer
// keys sort before all string keys.
type RawKey string

// IntKey encodes v so that byte order equals numeric order.
func IntKey(v int64) RawKey {
	var buf [9]byte
	buf[0] = intTag
	binary.BigEndian.PutUint64(buf[1:], uint64(v)^(1<<63))
	return RawKey(buf[:])
}

// StringKey encodes s as a raw key.
func StringKey(s string) RawKey {
	return RawKey(string(stringTag) + s)
}

// ParseRawKey interprets text as an integer key when it parses as one and as
// a string key otherwise.
func ParseRawKey(text string) RawKey {
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return IntKey(v)
	}
	return StringKey(text)
}

// Int returns the integer value of an integer key.
func (k RawKey) Int() (int64, bool) {
	if len(k) != 9 || k[0] != intTag {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64([]byte(k[1:])) ^ (1 << 63)), true
}

// Compare returns -1, 0 or +1.
func (k RawKey) Compare(o RawKey) int {
	return strings.Compare(string(k), string(o))
}

func (k RawKey) String() string {
	if v, ok := k.Int(); ok {
		return strconv.FormatInt(v, 10)
	}
	if len(k) > 0 && k[0] == stringTag {
		return strconv.Quote(string(k[1:]))
	}
	return "0x" + hex.EncodeToString([]byte(k))
}

// MarshalText keeps binary key bytes intact across JSON.
func (k RawKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString([]byte(k))), nil
}

func (k *RawKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid raw key %q: %w", text, err)
	}
	*k = RawKey(b)
	return nil
}

// Key is a raw key made unique by the id of the peer hosting it.
// An empty Peer sorts before every real peer, which lets spans express
// inclusive and exclusive raw-key bounds.
type Key struct {
	Raw  RawKey `json:"raw"`
	Peer string `json:"peer"`
}

// NewKey returns the key for raw hosted by peer.
func NewKey(raw RawKey, peer string) Key {
	return Key{Raw: raw, Peer: peer}
}

// Lowest returns the smallest key with the given raw value.
func Lowest(raw RawKey) Key { return Key{Raw: raw} }

// Highest returns the largest key with the given raw value.
func Highest(raw RawKey) Key { return Key{Raw: raw, Peer: maxPeer} }

// Compare orders by raw value and breaks ties by peer id.
func (k Key) Compare(o Key) int {
	if c := k.Raw.Compare(o.Raw); c != 0 {
		return c
	}
	return strings.Compare(k.Peer, o.Peer)
}

func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

func (k Key) Equal(o Key) bool { return k.Raw == o.Raw && k.Peer == o.Peer }

// Successor returns the smallest key strictly greater than k.
func (k Key) Successor() Key {
	return Key{Raw: k.Raw, Peer: k.Peer + "\x00"}
}

func (k Key) String() string {
	if len(k.Peer) > 8 && k.Peer != maxPeer {
		return k.Raw.String() + "@" + k.Peer[:8]
	}
	return k.Raw.String() + "@" + k.Peer
}

// Link is a named handle for a key hosted at a peer address.
type Link struct {
	Key  Key    `json:"key"`
	Addr string `json:"addr"`
}

// IsZero reports whether the link has never been set.
func (l Link) IsZero() bool { return l.Addr == "" && l.Key.Raw == "" && l.Key.Peer == "" }

func (l Link) Equal(o Link) bool { return l.Addr == o.Addr && l.Key.Equal(o.Key) }

func (l Link) String() string {
	if l.IsZero() {
		return "<nil>"
	}
	return l.Key.String() + "/" + l.Addr
}

// MembershipVector is the per-peer random bit string deciding level sharing.
type MembershipVector uint64

// RandomMembershipVector draws a fresh vector.
func RandomMembershipVector() MembershipVector {
	return MembershipVector(rand.Uint64())
}

// CommonPrefix returns the number of leading bits shared with o, capped at MaxLevel.
func (m MembershipVector) CommonPrefix(o MembershipVector) int {
	n := bits.LeadingZeros64(uint64(m ^ o))
	if n > MaxLevel {
		return MaxLevel
	}
	return n
}

// SharesLevel reports whether keys carrying m and o may be neighbors at level.
// Level 0 is shared by everyone; level l needs l common leading bits.
func (m MembershipVector) SharesLevel(o MembershipVector, level int) bool {
	return m.CommonPrefix(o) >= level
}

func (m MembershipVector) String() string {
	return fmt.Sprintf("%064b", uint64(m))
}
