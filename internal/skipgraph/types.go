package skipgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
)

// NodeState is the lifecycle state of a locally hosted key.
type NodeState int

const (
	StateOut NodeState = iota
	StateTraversing
	StateWaiting
	StateInserted
	StateDeleting
)

func (s NodeState) String() string {
	switch s {
	case StateOut:
		return "OUT"
	case StateTraversing:
		return "TRAVERSING"
	case StateWaiting:
		return "WAITING"
	case StateInserted:
		return "INSERTED"
	case StateDeleting:
		return "DELETING"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// TileState tracks one routing table row.
type TileState int

const (
	TileInserting TileState = iota
	TileInserted
)

// InfoStatus is a visited key's answer during a level scan.
type InfoStatus int

const (
	// InfoNotMatching: the key cannot share the level; continue right.
	InfoNotMatching InfoStatus = iota
	// InfoMatched: the key already has the level; insert to its left.
	InfoMatched
	// InfoConflict: the key is inserting at the same level and won.
	InfoConflict
	// InfoGoRight: the key matches but has no row yet; continue right.
	InfoGoRight
	// InfoStale: the key is not where the caller thinks it is.
	InfoStale
)

func (s InfoStatus) String() string {
	switch s {
	case InfoNotMatching:
		return "NOT_MATCHING"
	case InfoMatched:
		return "MATCHED"
	case InfoConflict:
		return "CONFLICT"
	case InfoGoRight:
		return "GO_RIGHT"
	case InfoStale:
		return "STALE"
	default:
		return fmt.Sprintf("InfoStatus(%d)", int(s))
	}
}

// ResponseMode selects how range query replies travel back.
type ResponseMode int

const (
	// Direct sends every reply straight to the query root.
	Direct ResponseMode = iota
	// Aggregate combines replies hop by hop toward the root.
	Aggregate
)

func (m ResponseMode) String() string {
	if m == Aggregate {
		return "AGGREGATE"
	}
	return "DIRECT"
}

// QueryExecutor decides what a query does with a matched key.
type QueryExecutor interface {
	ExecQuery(ctx context.Context, key keyspace.RawKey, payload []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to QueryExecutor.
type ExecutorFunc func(ctx context.Context, key keyspace.RawKey, payload []byte) ([]byte, error)

func (f ExecutorFunc) ExecQuery(ctx context.Context, key keyspace.RawKey, payload []byte) ([]byte, error) {
	return f(ctx, key, payload)
}

// QueryOptions tune a range query.
type QueryOptions struct {
	Timeout time.Duration
	Mode    ResponseMode
}

// QueryResult is one key's answer.
type QueryResult struct {
	Peer  keyspace.Link
	Key   keyspace.RawKey
	Value []byte
	Err   error

	point *linklist.Point
}

// QueryID identifies one logical query across every hop.
type QueryID struct {
	Origin string `json:"origin"`
	Nonce  uint64 `json:"nonce"`
}

func (q QueryID) String() string {
	return fmt.Sprintf("%s/%016x", q.Origin, q.Nonce)
}

// QueryMessage carries a query, or part of one, to a delegate peer.
type QueryMessage struct {
	ID       string          `json:"id"`
	QID      QueryID         `json:"qid"`
	Spans    []keyspace.Span `json:"spans"`
	Payload  []byte          `json:"payload,omitempty"`
	Find     bool            `json:"find,omitempty"`
	Direct   bool            `json:"direct"`
	Sender   string          `json:"sender"`
	ReplyTo  string          `json:"reply_to"`
	ReplyID  string          `json:"reply_id"`
	Hops     int             `json:"hops"`
	Failed   []keyspace.Link `json:"failed,omitempty"`
	Deadline time.Time       `json:"deadline"`
}

// Coverage reports that Span has been answered. Present is set when the
// span holds Peer's key and Value is that key's result.
type Coverage struct {
	Span    keyspace.Span   `json:"span"`
	Peer    keyspace.Link   `json:"peer"`
	Present bool            `json:"present,omitempty"`
	Value   []byte          `json:"value,omitempty"`
	Err     string          `json:"err,omitempty"`
	Point   *linklist.Point `json:"point,omitempty"`
}

// QueryReply returns coverages to whoever is tracking the gaps.
type QueryReply struct {
	ReplyID   string          `json:"reply_id"`
	Sender    string          `json:"sender"`
	Coverages []Coverage      `json:"coverages"`
	Failed    []keyspace.Link `json:"failed,omitempty"`
	Hops      int             `json:"hops"`
}

// NodeInfoRequest asks a visited key whether the caller may share a level with it.
type NodeInfoRequest struct {
	Target          keyspace.Key              `json:"target"`
	Level           int                       `json:"level"`
	Caller          keyspace.Link             `json:"caller"`
	CallerPeer      string                    `json:"caller_peer"`
	CallerMV        keyspace.MembershipVector `json:"caller_mv"`
	CallerTraversed int                       `json:"caller_traversed"`
}

// NodeInfoReply is the visited key's answer. Right is its neighbor one level
// down, where the caller continues scanning.
type NodeInfoReply struct {
	Status InfoStatus    `json:"status"`
	Self   keyspace.Link `json:"self"`
	Left   keyspace.Link `json:"left"`
	Right  keyspace.Link `json:"right"`
}

// NeighborsRequest reads one level node.
type NeighborsRequest struct {
	Target keyspace.Key `json:"target"`
	Level  int          `json:"level"`
}

// SetLinkRequest is a compare-and-set of one neighbor pointer.
type SetLinkRequest struct {
	Target keyspace.Key  `json:"target"`
	Level  int           `json:"level"`
	Expect keyspace.Link `json:"expect"`
	Update keyspace.Link `json:"update"`
}

// SetLinkReply reports the outcome and the node's neighbors afterwards.
type SetLinkReply struct {
	OK        bool               `json:"ok"`
	Neighbors linklist.Neighbors `json:"neighbors"`
}

// ExecRequest asks a key to run the query, as part of a leftward repair walk.
// The target must still have ExpectRight as its right neighbor.
type ExecRequest struct {
	Target      keyspace.Key  `json:"target"`
	QID         QueryID       `json:"qid"`
	Payload     []byte        `json:"payload,omitempty"`
	Exec        bool          `json:"exec"`
	ExpectRight keyspace.Link `json:"expect_right"`
}

// ExecReply carries the result and the target's left neighbor.
type ExecReply struct {
	Self     keyspace.Link `json:"self"`
	Left     keyspace.Link `json:"left"`
	Executed bool          `json:"executed"`
	Value    []byte        `json:"value,omitempty"`
	Err      string        `json:"err,omitempty"`
}

// FixRequest tells a key that Failed is gone and asks it to pass the word on
// to the right, stopping before Limit.
type FixRequest struct {
	Target keyspace.Key  `json:"target"`
	Failed keyspace.Link `json:"failed"`
	Level  int           `json:"level"`
	Limit  keyspace.Key  `json:"limit"`
	Hops   int           `json:"hops"`
}

// LevelInfo describes one routing table row.
type LevelInfo struct {
	Level int           `json:"level"`
	Left  keyspace.Link `json:"left"`
	Right keyspace.Link `json:"right"`
	Mode  string        `json:"mode"`
	State string        `json:"state"`
}

// KeyInfo describes one hosted key.
type KeyInfo struct {
	Key    keyspace.Link `json:"key"`
	State  string        `json:"state"`
	Levels []LevelInfo   `json:"levels"`
}

// PeerInfo is a snapshot of everything a peer hosts.
type PeerInfo struct {
	PeerID           string          `json:"peer_id"`
	Addr             string          `json:"addr"`
	MembershipVector string          `json:"membership_vector"`
	Height           int             `json:"height"`
	Keys             []KeyInfo       `json:"keys"`
	Links            []keyspace.Link `json:"links"`
}

// RemoteClient reaches other peers. Implementations must wrap transport
// failures in pkg.ErrCommunication.
type RemoteClient interface {
	GetSGNodeInfo(ctx context.Context, address string, req *NodeInfoRequest) (*NodeInfoReply, error)
	GetLocalLinks(ctx context.Context, address string) (*PeerInfo, error)
	GetNeighbors(ctx context.Context, address string, req *NeighborsRequest) (*linklist.Neighbors, error)
	SetRight(ctx context.Context, address string, req *SetLinkRequest) (*SetLinkReply, error)
	SetLeft(ctx context.Context, address string, req *SetLinkRequest) (*SetLinkReply, error)
	InvokeExecQuery(ctx context.Context, address string, req *ExecRequest) (*ExecReply, error)
	FixAndPropagateSingle(ctx context.Context, address string, req *FixRequest) error
	DeliverQuery(ctx context.Context, address string, msg *QueryMessage) error
	DeliverReply(ctx context.Context, address string, reply *QueryReply) error
	Ping(ctx context.Context, address string) error
}
