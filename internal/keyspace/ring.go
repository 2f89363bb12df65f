package keyspace

// Between reports whether id lies strictly inside (start, end) walking right
// around the ring. When start equals end the interval is the whole ring
// except start.
func Between(id, start, end Key) bool {
	switch c := start.Compare(end); {
	case c < 0:
		return start.Less(id) && id.Less(end)
	case c > 0:
		return start.Less(id) || id.Less(end)
	default:
		return !id.Equal(start)
	}
}

// InRange reports whether id lies in (start, end] on the ring.
func InRange(id, start, end Key) bool {
	return id.Equal(end) || Between(id, start, end)
}

// BetweenLeftIncl reports whether id lies in [start, end) on the ring.
func BetweenLeftIncl(id, start, end Key) bool {
	return id.Equal(start) || Between(id, start, end)
}
