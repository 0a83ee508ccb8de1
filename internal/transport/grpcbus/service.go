package grpcbus

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// No proto/gen stubs exist for this wire contract (see DESIGN.md), so the
// service is registered by hand against a single bidirectional stream of
// structpb.Struct messages, a precompiled proto.Message needing no codegen
// step.

const (
	serviceName    = "atapp.grpcbus.Forward"
	streamFullName = "/" + serviceName + "/Stream"
)

// streamHandler is the server-side entry point one inbound stream is
// dispatched to.
type streamHandler interface {
	handleStream(stream grpc.ServerStream) error
}

func forwardStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(streamHandler).handleStream(stream)
}

// serviceDesc is registered against a *grpc.Server in StartListen.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamHandler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       forwardStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "grpcbus",
}

// frameStream is the minimal send/recv surface both the client and server
// sides of one Stream need; satisfied by grpc.ClientStream and
// grpc.ServerStream alike.
type frameStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

func sendFrame(s frameStream, f frame) error {
	msg, err := f.toStruct()
	if err != nil {
		return err
	}
	return s.SendMsg(msg)
}

func recvFrame(s frameStream) (frame, error) {
	msg := &structpb.Struct{}
	if err := s.RecvMsg(msg); err != nil {
		return frame{}, err
	}
	return frameFromStruct(msg)
}
