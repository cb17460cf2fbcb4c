package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName       = "resultgraph.ResultCollector"
	storeResultsPath  = "/" + ServiceName + "/StoreResults"
	storeMetricsPath  = "/" + ServiceName + "/StoreMetrics"
	storeResultsName  = "StoreResults"
	storeMetricsName  = "StoreMetrics"
)

// CollectorServer is the server-side contract of the collector service.
type CollectorServer interface {
	StoreResults(ResultsStream) error
	StoreMetrics(context.Context, *MetricsRecord) (*StoreResponse, error)
}

// ResultsStream is the server view of one StoreResults call: a stream of
// items in, a stream of acks out.
type ResultsStream interface {
	Context() context.Context
	Recv() (*ResultItem, error)
	Send(*Ack) error
}

type resultsServerStream struct {
	grpc.ServerStream
}

func (s *resultsServerStream) Recv() (*ResultItem, error) {
	m := new(ResultItem)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *resultsServerStream) Send(a *Ack) error {
	return s.ServerStream.SendMsg(a)
}

func storeResultsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(CollectorServer).StoreResults(&resultsServerStream{stream})
}

func storeMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MetricsRecord)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).StoreMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: storeMetricsPath}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).StoreMetrics(ctx, req.(*MetricsRecord))
	}
	return interceptor(ctx, in, info, handler)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: storeMetricsName, Handler: storeMetricsHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    storeResultsName,
			Handler:       storeResultsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "resultgraph/collector",
}

// RegisterCollectorServer wires srv into a grpc server. The server must be
// constructed with grpc.ForceServerCodec(Codec{}).
func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&collectorServiceDesc, srv)
}

// CollectorClient is the client side of the collector service. Connections
// must carry grpc.ForceCodec(Codec{}) as a default call option.
type CollectorClient struct {
	cc grpc.ClientConnInterface
}

func NewCollectorClient(cc grpc.ClientConnInterface) *CollectorClient {
	return &CollectorClient{cc: cc}
}

// ResultsClientStream is the client view of one StoreResults call.
type ResultsClientStream interface {
	Context() context.Context
	Send(*ResultItem) error
	Recv() (*Ack, error)
	CloseSend() error
}

type resultsClientStream struct {
	grpc.ClientStream
}

func (s *resultsClientStream) Send(item *ResultItem) error {
	return s.ClientStream.SendMsg(item)
}

func (s *resultsClientStream) Recv() (*Ack, error) {
	a := new(Ack)
	if err := s.ClientStream.RecvMsg(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (c *CollectorClient) StoreResults(ctx context.Context, opts ...grpc.CallOption) (ResultsClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &collectorServiceDesc.Streams[0], storeResultsPath, opts...)
	if err != nil {
		return nil, err
	}
	return &resultsClientStream{stream}, nil
}

func (c *CollectorClient) StoreMetrics(ctx context.Context, rec *MetricsRecord, opts ...grpc.CallOption) (*StoreResponse, error) {
	out := new(StoreResponse)
	if err := c.cc.Invoke(ctx, storeMetricsPath, rec, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
