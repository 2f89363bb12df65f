package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/skipgraph"
)

// RangeSpec is one key range as clients write it. Keys that parse as
// integers are integer keys, anything else is a string key. Ranges are
// half-open [from, to) unless the flags say otherwise.
type RangeSpec struct {
	From          string `json:"from"`
	To            string `json:"to"`
	FromExclusive bool   `json:"from_exclusive,omitempty"`
	ToInclusive   bool   `json:"to_inclusive,omitempty"`
}

// QueryRequest starts a range query.
type QueryRequest struct {
	Ranges    []RangeSpec `json:"ranges"`
	Payload   string      `json:"payload,omitempty"`
	Mode      string      `json:"mode,omitempty"` // direct or aggregate
	TimeoutMs int64       `json:"timeout_ms,omitempty"`
}

func (q *QueryRequest) parse() ([]keyspace.Range, skipgraph.QueryOptions, error) {
	var opts skipgraph.QueryOptions
	if len(q.Ranges) == 0 {
		return nil, opts, fmt.Errorf("at least one range is required")
	}

	switch strings.ToLower(q.Mode) {
	case "", "direct":
		opts.Mode = skipgraph.Direct
	case "aggregate":
		opts.Mode = skipgraph.Aggregate
	default:
		return nil, opts, fmt.Errorf("unknown response mode %q", q.Mode)
	}
	if q.TimeoutMs < 0 {
		return nil, opts, fmt.Errorf("timeout must not be negative")
	}
	opts.Timeout = time.Duration(q.TimeoutMs) * time.Millisecond

	ranges := lo.Map(q.Ranges, func(r RangeSpec, _ int) keyspace.Range {
		return keyspace.Range{
			From:          keyspace.ParseRawKey(r.From),
			To:            keyspace.ParseRawKey(r.To),
			FromInclusive: !r.FromExclusive,
			ToInclusive:   r.ToInclusive,
		}
	})
	return ranges, opts, nil
}

// ResultView is one key's answer as sent to clients.
type ResultView struct {
	Key   string `json:"key"`
	Peer  string `json:"peer"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

func viewResult(r skipgraph.QueryResult) ResultView {
	v := ResultView{
		Key:   r.Key.String(),
		Peer:  r.Peer.Addr,
		Value: string(r.Value),
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

// QueryResponse is the final state of a range query.
type QueryResponse struct {
	QID         string       `json:"qid"`
	Results     []ResultView `json:"results"`
	Gaps        []string     `json:"gaps,omitempty"`
	Failed      []string     `json:"failed,omitempty"`
	Hops        int          `json:"hops"`
	Retransmits int          `json:"retransmits"`
}

func summarize(stream *skipgraph.QueryStream, results []skipgraph.QueryResult) *QueryResponse {
	return &QueryResponse{
		QID:         stream.ID().String(),
		Results:     lo.Map(results, func(r skipgraph.QueryResult, _ int) ResultView { return viewResult(r) }),
		Gaps:        lo.Map(stream.Gaps(), func(s keyspace.Span, _ int) string { return s.String() }),
		Failed:      lo.Map(stream.Failed(), func(l keyspace.Link, _ int) string { return l.String() }),
		Hops:        stream.Hops(),
		Retransmits: stream.Retransmits(),
	}
}
