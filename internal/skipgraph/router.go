package skipgraph

import (
	"context"
	"fmt"
	"slices"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/pkg"
)

// router sends a call to the peer owning addr. Calls addressed to this peer
// never touch the transport.
type router struct {
	sg *SkipGraph
}

func (r *router) local(addr string) bool { return addr == r.sg.addr }

func (r *router) client() (RemoteClient, error) {
	c := r.sg.remoteClient()
	if c == nil {
		return nil, fmt.Errorf("no remote client configured: %w", pkg.ErrCommunication)
	}
	return c, nil
}

func (r *router) nodeInfo(ctx context.Context, addr string, req *NodeInfoRequest) (*NodeInfoReply, error) {
	if r.local(addr) {
		return r.sg.HandleNodeInfo(ctx, req)
	}
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	return c.GetSGNodeInfo(ctx, addr, req)
}

func (r *router) neighbors(ctx context.Context, addr string, req *NeighborsRequest) (*linklist.Neighbors, error) {
	if r.local(addr) {
		return r.sg.HandleNeighbors(ctx, req)
	}
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	return c.GetNeighbors(ctx, addr, req)
}

func (r *router) setRight(ctx context.Context, addr string, req *SetLinkRequest) (*SetLinkReply, error) {
	if r.local(addr) {
		return r.sg.HandleSetRight(ctx, req)
	}
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	return c.SetRight(ctx, addr, req)
}

func (r *router) setLeft(ctx context.Context, addr string, req *SetLinkRequest) (*SetLinkReply, error) {
	if r.local(addr) {
		return r.sg.HandleSetLeft(ctx, req)
	}
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	return c.SetLeft(ctx, addr, req)
}

func (r *router) execQuery(ctx context.Context, addr string, req *ExecRequest) (*ExecReply, error) {
	if r.local(addr) {
		return r.sg.HandleExecQuery(ctx, req)
	}
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	return c.InvokeExecQuery(ctx, addr, req)
}

func (r *router) fix(ctx context.Context, addr string, req *FixRequest) error {
	if r.local(addr) {
		return r.sg.HandleFix(ctx, req)
	}
	c, err := r.client()
	if err != nil {
		return err
	}
	return c.FixAndPropagateSingle(ctx, addr, req)
}

func (r *router) deliverQuery(ctx context.Context, addr string, msg *QueryMessage) error {
	if r.local(addr) {
		return r.sg.HandleQuery(ctx, cloneMessage(msg))
	}
	c, err := r.client()
	if err != nil {
		return err
	}
	return c.DeliverQuery(ctx, addr, msg)
}

func (r *router) deliverReply(ctx context.Context, addr string, reply *QueryReply) error {
	if r.local(addr) {
		return r.sg.HandleReply(ctx, reply)
	}
	c, err := r.client()
	if err != nil {
		return err
	}
	return c.DeliverReply(ctx, addr, reply)
}

func (r *router) ping(ctx context.Context, addr string) error {
	if r.local(addr) {
		return nil
	}
	c, err := r.client()
	if err != nil {
		return err
	}
	return c.Ping(ctx, addr)
}

func cloneMessage(msg *QueryMessage) *QueryMessage {
	out := *msg
	out.Spans = slices.Clone(msg.Spans)
	out.Failed = slices.Clone(msg.Failed)
	out.Payload = slices.Clone(msg.Payload)
	return &out
}

// linkRemote lets level nodes reach their neighbors through the router.
type linkRemote struct {
	r *router
}

func (l *linkRemote) Neighbors(ctx context.Context, addr string, target keyspace.Key, level int) (linklist.Neighbors, error) {
	nb, err := l.r.neighbors(ctx, addr, &NeighborsRequest{Target: target, Level: level})
	if err != nil {
		return linklist.Neighbors{}, err
	}
	return *nb, nil
}

func (l *linkRemote) SetRight(ctx context.Context, addr string, target keyspace.Key, level int, expect, update keyspace.Link) (linklist.Neighbors, bool, error) {
	reply, err := l.r.setRight(ctx, addr, &SetLinkRequest{Target: target, Level: level, Expect: expect, Update: update})
	if err != nil {
		return linklist.Neighbors{}, false, err
	}
	return reply.Neighbors, reply.OK, nil
}

func (l *linkRemote) SetLeft(ctx context.Context, addr string, target keyspace.Key, level int, expect, update keyspace.Link) (bool, error) {
	reply, err := l.r.setLeft(ctx, addr, &SetLinkRequest{Target: target, Level: level, Expect: expect, Update: update})
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}
