package runner

import (
	"context"

	"google.golang.org/grpc"
)

// ServerFrame and AgentFrame are the two message types exchanged over the
// RunnerControl bidirectional stream, mirroring the shape of the
// teacher's ServerMessage/NodeMessage oneofs but specialized to batch
// dispatch instead of node/model residency reporting.
type ServerFrame struct {
	ExecuteBatch *ExecuteBatchCommand `json:"execute_batch,omitempty"`
	Ping         *PingCommand         `json:"ping,omitempty"`
}

type ExecuteBatchCommand struct {
	RequestID string       `json:"request_id"`
	Batch     BatchRequest `json:"batch"`
}

type PingCommand struct{}

type AgentFrame struct {
	Hello       *AgentHello       `json:"hello,omitempty"`
	BatchResult *BatchResultFrame `json:"batch_result,omitempty"`
}

type AgentHello struct {
	RunnerID   string `json:"runner_id"`
	BackendURL string `json:"backend_url"`
}

type BatchResultFrame struct {
	RequestID string      `json:"request_id"`
	Result    BatchResult `json:"result"`
	Error     string      `json:"error,omitempty"`
}

// RunnerControlServer is implemented by the batcher side of the stream.
type RunnerControlServer interface {
	Stream(RunnerControl_StreamServer) error
}

// RunnerControl_StreamServer is the server's view of the bidi stream.
type RunnerControl_StreamServer interface {
	Send(*ServerFrame) error
	Recv() (*AgentFrame, error)
	grpc.ServerStream
}

type runnerControlStreamServer struct {
	grpc.ServerStream
}

func (x *runnerControlStreamServer) Send(m *ServerFrame) error {
	return x.ServerStream.SendMsg(m)
}

func (x *runnerControlStreamServer) Recv() (*AgentFrame, error) {
	m := new(AgentFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _RunnerControl_Stream_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(RunnerControlServer).Stream(&runnerControlStreamServer{ServerStream: stream})
}

// RunnerControl_ServiceDesc is the hand-written equivalent of what
// protoc-gen-go-grpc would emit for a service with one bidi-streaming
// Stream RPC.
var RunnerControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "inferq.runner.v1.RunnerControl",
	HandlerType: (*RunnerControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _RunnerControl_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/runner/service.go",
}

// RegisterRunnerControlServer registers srv on s under the service
// descriptor above.
func RegisterRunnerControlServer(s grpc.ServiceRegistrar, srv RunnerControlServer) {
	s.RegisterService(&RunnerControl_ServiceDesc, srv)
}

// RunnerControlClient is the runner-agent's view of the stream.
type RunnerControlClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (RunnerControl_StreamClient, error)
}

type runnerControlClient struct {
	cc grpc.ClientConnInterface
}

// NewRunnerControlClient wraps cc. Dial cc without a content-subtype;
// Stream sets it per-call so the codec negotiation stays local to this
// package.
func NewRunnerControlClient(cc grpc.ClientConnInterface) RunnerControlClient {
	return &runnerControlClient{cc: cc}
}

func (c *runnerControlClient) Stream(ctx context.Context, opts ...grpc.CallOption) (RunnerControl_StreamClient, error) {
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	stream, err := c.cc.NewStream(ctx, &RunnerControl_ServiceDesc.Streams[0], "/inferq.runner.v1.RunnerControl/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &runnerControlStreamClient{ClientStream: stream}, nil
}

// RunnerControl_StreamClient is the runner-agent's view of the bidi stream.
type RunnerControl_StreamClient interface {
	Send(*AgentFrame) error
	Recv() (*ServerFrame, error)
	grpc.ClientStream
}

type runnerControlStreamClient struct {
	grpc.ClientStream
}

func (x *runnerControlStreamClient) Send(m *AgentFrame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *runnerControlStreamClient) Recv() (*ServerFrame, error) {
	m := new(ServerFrame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
