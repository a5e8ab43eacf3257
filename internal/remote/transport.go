package remote

import (
	"context"
	"sync"

	"google.golang.org/grpc"
)

// serviceName is the logical grpc service name; with the hand-registered
// JSON codec there is no .proto file defining it, so it's just a stable
// string both client and server agree on (spec.md §4.13 implementation
// note, DESIGN.md).
const serviceName = "weaveforge.remote.Executor"

// Coordinator is the server-side interface a remote build coordinator
// implements: accept a submitted action and eventually produce a result.
// The handler runs the action (however the coordinator chooses to: a
// local sandbox, a farm of machines, ...) and pushes the result back
// through the server's broadcaster.
type Coordinator interface {
	Submit(ctx context.Context, req ActionRequest)
}

// Server exposes a Coordinator over grpc using the JSON codec, with one
// unary submission method and one server-streaming completions method
// that every connected client subscribes to.
type Server struct {
	coord Coordinator

	mu   sync.Mutex
	subs map[chan ActionResult]struct{}
}

func NewServer(coord Coordinator) *Server {
	return &Server{coord: coord, subs: map[chan ActionResult]struct{}{}}
}

// Broadcast pushes result to every subscribed client stream; a
// Coordinator implementation calls this when an action completes or
// fails (on_action_complete / on_action_failed in spec.md §4.13).
func (s *Server) Broadcast(result ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

func (s *Server) submit(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	s.coord.Submit(ctx, *req)
	return &ActionResult{ActionID: req.ActionID}, nil // ack only; the real result arrives via Completions
}

func (s *Server) completions(_ *struct{}, stream grpc.ServerStream) error {
	ch := make(chan ActionResult, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case result := <-ch:
			if err := stream.SendMsg(&result); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// ServiceDesc is registered on a *grpc.Server via RegisterService, the
// hand-written equivalent of a protoc-generated _ServiceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil), // the handlers below take a *Server
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var req ActionRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				return srv.(*Server).submit(ctx, &req)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Completions",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*Server).completions(nil, stream)
			},
		},
	},
}

// Client is the Remote Executor's outbound connection to a Coordinator:
// it submits actions and relays pushed completions into a Tracker.
type Client struct {
	cc      *grpc.ClientConn
	Tracker *Tracker
}

// Dial connects to target using the JSON codec and starts relaying
// completions into a fresh Tracker.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)))
	cc, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	c := &Client{cc: cc, Tracker: NewTracker()}
	go c.relayCompletions(ctx)
	return c, nil
}

func (c *Client) relayCompletions(ctx context.Context) {
	desc := &grpc.StreamDesc{StreamName: "Completions", ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+serviceName+"/Completions")
	if err != nil {
		return
	}
	if err := stream.SendMsg(&struct{}{}); err != nil {
		return
	}
	if err := stream.CloseSend(); err != nil {
		return
	}
	for {
		var result ActionResult
		if err := stream.RecvMsg(&result); err != nil {
			return
		}
		c.Tracker.Complete(result)
	}
}

// Submit registers req.ActionID with the tracker and sends the submission
// RPC; the caller then calls Tracker.Wait to block for the result.
func (c *Client) Submit(ctx context.Context, req ActionRequest) error {
	c.Tracker.Register(req.ActionID)
	var resp ActionResult
	return c.cc.Invoke(ctx, "/"+serviceName+"/Submit", &req, &resp)
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.cc.Close() }
