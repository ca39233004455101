package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rulekeeper.evaluator.v1.Evaluator"

const (
	methodEvaluate  = "/" + ServiceName + "/Evaluate"
	methodListRules = "/" + ServiceName + "/ListRules"
	methodGetRun    = "/" + ServiceName + "/GetRun"
)

// EvaluatorServer is the server side of the Evaluator service. Messages
// are google.protobuf.Struct documents:
//
//	Evaluate   {facts}          -> {run_id, events, failure_events, results, failure_results}
//	ListRules  {}               -> {rules}
//	GetRun     {run_id}         -> {run, results}
type EvaluatorServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterEvaluatorServer registers srv on s.
func RegisterEvaluatorServer(s grpc.ServiceRegistrar, srv EvaluatorServer) {
	s.RegisterService(&evaluatorServiceDesc, srv)
}

var evaluatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler(methodEvaluate, EvaluatorServer.Evaluate)},
		{MethodName: "ListRules", Handler: unaryHandler(methodListRules, EvaluatorServer.ListRules)},
		{MethodName: "GetRun", Handler: unaryHandler(methodGetRun, EvaluatorServer.GetRun)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rulekeeper/evaluator/v1/evaluator.proto",
}

type unaryMethod func(EvaluatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluatorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EvaluatorClient is the client side of the Evaluator service.
type EvaluatorClient struct {
	cc grpc.ClientConnInterface
}

// NewEvaluatorClient wraps cc.
func NewEvaluatorClient(cc grpc.ClientConnInterface) *EvaluatorClient {
	return &EvaluatorClient{cc: cc}
}

func (c *EvaluatorClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate runs the engine against facts.
func (c *EvaluatorClient) Evaluate(ctx context.Context, facts map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	f, err := structpb.NewStruct(facts)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, methodEvaluate, &structpb.Struct{Fields: map[string]*structpb.Value{
		"facts": structpb.NewStructValue(f),
	}}, opts...)
}

// ListRules returns the loaded rules.
func (c *EvaluatorClient) ListRules(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListRules, &structpb.Struct{}, opts...)
}

// GetRun returns a stored run from the decision log.
func (c *EvaluatorClient) GetRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetRun, &structpb.Struct{Fields: map[string]*structpb.Value{
		"run_id": structpb.NewStringValue(runID),
	}}, opts...)
}
