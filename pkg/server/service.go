package server

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bpfvm.Loader"

// LoadRequest carries an object file, optionally zstd-compressed.
type LoadRequest struct {
	Object []byte `json:"object"`
}

// LoadResponse describes a loaded program.
type LoadResponse struct {
	ProgramID        string `json:"program_id"`
	Instructions     int    `json:"instructions"`
	GlobalMemorySize int    `json:"global_memory_size"`
	Cached           bool   `json:"cached"`
}

// ExecRequest runs a loaded program over Memory.
type ExecRequest struct {
	ProgramID string `json:"program_id"`
	Memory    []byte `json:"memory,omitempty"`
}

// ExecResponse holds r0 and the context memory after execution.
type ExecResponse struct {
	Result uint64 `json:"result"`
	Memory []byte `json:"memory,omitempty"`
}

// LoaderServer is the server API for the Loader service.
type LoaderServer interface {
	Load(context.Context, *LoadRequest) (*LoadResponse, error)
	Exec(context.Context, *ExecRequest) (*ExecResponse, error)
}

// RegisterLoaderServer registers srv on s.
func RegisterLoaderServer(s grpc.ServiceRegistrar, srv LoaderServer) {
	s.RegisterService(&loaderServiceDesc, srv)
}

var loaderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LoaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: loadHandler},
		{MethodName: "Exec", Handler: execHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bpfvm/loader",
}

func loadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LoadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoaderServer).Load(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Load"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LoaderServer).Load(ctx, req.(*LoadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func execHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoaderServer).Exec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Exec"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LoaderServer).Exec(ctx, req.(*ExecRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client is a client for the Loader service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Load calls Loader.Load.
func (c *Client) Load(ctx context.Context, in *LoadRequest, opts ...grpc.CallOption) (*LoadResponse, error) {
	out := new(LoadResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Load", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Exec calls Loader.Exec.
func (c *Client) Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error) {
	out := new(ExecResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Exec", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
