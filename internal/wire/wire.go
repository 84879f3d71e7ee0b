// Package wire describes the CreditKeeper gRPC service without generated
// stubs. Every method takes and returns a google.protobuf.Struct whose
// fields mirror the JSON form of the message types in this package, so the
// client and server only share plain Go structs. Struct numbers are
// float64, so int64 fields are tagged to travel as JSON strings.
package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "creditkeeper.v1.CreditKeeper"

// Method is the short name of an RPC.
type Method string

const (
	MethodPing            Method = "Ping"
	MethodRegister        Method = "Register"
	MethodGetSalt         Method = "GetSalt"
	MethodLogin           Method = "Login"
	MethodRefreshToken    Method = "RefreshToken"
	MethodLogout          Method = "Logout"
	MethodGetSession      Method = "GetSession"
	MethodGetProfile      Method = "GetProfile"
	MethodUpdateProfile   Method = "UpdateProfile"
	MethodApplyGrant      Method = "ApplyGrant"
	MethodConsumeCredits  Method = "ConsumeCredits"
	MethodSaveArtifact    Method = "SaveArtifact"
	MethodConfirmArtifact Method = "ConfirmArtifact"
	MethodDeleteAccount   Method = "DeleteAccount"
)

// Methods lists every RPC in registration order.
var Methods = []Method{
	MethodPing,
	MethodRegister,
	MethodGetSalt,
	MethodLogin,
	MethodRefreshToken,
	MethodLogout,
	MethodGetSession,
	MethodGetProfile,
	MethodUpdateProfile,
	MethodApplyGrant,
	MethodConsumeCredits,
	MethodSaveArtifact,
	MethodConfirmArtifact,
	MethodDeleteAccount,
}

// FullMethod returns the "/service/method" path used by gRPC.
func FullMethod(m Method) string {
	return "/" + ServiceName + "/" + string(m)
}

// Dispatcher is implemented by the server. It receives every call of the
// service with the method name and the raw request.
type Dispatcher interface {
	Dispatch(ctx context.Context, method Method, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc builds the descriptor registered with a grpc.Server.
func ServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Dispatcher)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "creditkeeper/v1/service",
	}
	for _, m := range Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: string(m),
			Handler:    unaryHandler(m),
		})
	}
	return desc
}

// Register attaches d to s under ServiceName.
func Register(s grpc.ServiceRegistrar, d Dispatcher) {
	desc := ServiceDesc()
	s.RegisterService(&desc, d)
}

func unaryHandler(m Method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		d := srv.(Dispatcher)
		if interceptor == nil {
			return d.Dispatch(ctx, m, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(m)}
		handler := func(ctx context.Context, req any) (any, error) {
			return d.Dispatch(ctx, m, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Call encodes req, invokes method m on cc and decodes the reply into resp.
// resp may be nil when the reply carries nothing of interest.
func Call(ctx context.Context, cc grpc.ClientConnInterface, m Method, req, resp any, opts ...grpc.CallOption) error {
	in, err := Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m, err)
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(m), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := Decode(out, resp); err != nil {
		return fmt.Errorf("decode %s: %w", m, err)
	}
	return nil
}
