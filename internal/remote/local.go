package remote

import (
	"context"
	"encoding/json"
	"net"

	"github.com/sourcegraph/jsonrpc2"
)

// LocalCoordinator relays action submissions and completions between a
// Coordinator and a Tracker over an in-process jsonrpc2 connection instead
// of a real grpc listener — the fallback framing used when the remote
// coordinator runs in the same process as its caller (tests, or a
// single-machine deployment with no network transport), per SPEC_FULL.md
// §4.13.
type LocalCoordinator struct {
	client  *jsonrpc2.Conn
	server  *jsonrpc2.Conn
	Tracker *Tracker
}

type submitParams struct {
	Request ActionRequest `json:"request"`
}

type completionParams struct {
	Result ActionResult `json:"result"`
}

type handlerFunc func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request)

func (f handlerFunc) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	f(ctx, conn, req)
}

// NewLocalCoordinator wires coord's submissions and completions over an
// in-memory pipe, returning a Tracker the caller waits on exactly as it
// would with a Client dialed over grpc.
func NewLocalCoordinator(ctx context.Context, coord Coordinator) *LocalCoordinator {
	serverSide, clientSide := net.Pipe()
	tracker := NewTracker()

	lc := &LocalCoordinator{Tracker: tracker}

	lc.client = jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}),
		handlerFunc(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
			if req.Method != "completion" || req.Params == nil {
				return
			}
			var p completionParams
			if err := json.Unmarshal(*req.Params, &p); err != nil {
				return
			}
			tracker.Complete(p.Result)
		}))

	lc.server = jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.VSCodeObjectCodec{}),
		handlerFunc(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
			if req.Method != "submit" || req.Params == nil {
				return
			}
			var p submitParams
			if err := json.Unmarshal(*req.Params, &p); err != nil {
				return
			}
			coord.Submit(ctx, p.Request)
		}))

	return lc
}

// Submit sends req to the coordinator side and registers its id with the
// Tracker, mirroring Client.Submit's contract.
func (lc *LocalCoordinator) Submit(ctx context.Context, req ActionRequest) error {
	lc.Tracker.Register(req.ActionID)
	return lc.client.Notify(ctx, "submit", submitParams{Request: req})
}

// Broadcast pushes a completion back across the pipe to the Tracker side,
// the local equivalent of Server.Broadcast.
func (lc *LocalCoordinator) Broadcast(ctx context.Context, result ActionResult) error {
	return lc.server.Notify(ctx, "completion", completionParams{Result: result})
}

// Close releases both ends of the in-process connection.
func (lc *LocalCoordinator) Close() error {
	if err := lc.client.Close(); err != nil {
		return err
	}
	return lc.server.Close()
}
