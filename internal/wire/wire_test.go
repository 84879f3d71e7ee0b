package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type echoDispatcher struct {
	calls []Method
}

func (d *echoDispatcher) Dispatch(ctx context.Context, m Method, req *structpb.Struct) (*structpb.Struct, error) {
	d.calls = append(d.calls, m)
	switch m {
	case MethodPing:
		return MustEncode(PingResponse{Status: PingStatusOK}), nil
	case MethodGetProfile:
		var in GetProfileRequest
		if err := Decode(req, &in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		done := true
		return MustEncode(GetProfileResponse{Profile: &Profile{
			UserID:              in.UserID,
			OnboardingCompleted: &done,
			CreditsCurrent:      15,
			CreditsMax:          15,
			Version:             3,
		}}), nil
	default:
		return nil, status.Error(codes.Unimplemented, string(m))
	}
}

func dial(t *testing.T, d Dispatcher, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(opts...)
	Register(srv, d)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServiceDesc_ListsEveryMethod(t *testing.T) {
	desc := ServiceDesc()
	assert.Equal(t, ServiceName, desc.ServiceName)
	require.Len(t, desc.Methods, len(Methods))
	for i, m := range Methods {
		assert.Equal(t, string(m), desc.Methods[i].MethodName)
	}
	assert.Equal(t, "/creditkeeper.v1.CreditKeeper/ApplyGrant", FullMethod(MethodApplyGrant))
}

func TestCall_RoundTripsThroughServer(t *testing.T) {
	d := &echoDispatcher{}
	conn := dial(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ping PingResponse
	require.NoError(t, Call(ctx, conn, MethodPing, nil, &ping))
	assert.Equal(t, PingStatusOK, ping.Status)

	var got GetProfileResponse
	require.NoError(t, Call(ctx, conn, MethodGetProfile, GetProfileRequest{UserID: "u-1"}, &got))
	require.NotNil(t, got.Profile)
	assert.Equal(t, "u-1", got.Profile.UserID)
	assert.Equal(t, int64(15), got.Profile.CreditsCurrent)
	require.NotNil(t, got.Profile.OnboardingCompleted)
	assert.True(t, *got.Profile.OnboardingCompleted)

	err := Call(ctx, conn, MethodLogout, LogoutRequest{RefreshToken: "r"}, nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	assert.Equal(t, []Method{MethodPing, MethodGetProfile, MethodLogout}, d.calls)
}

func TestCall_InterceptorSeesFullMethod(t *testing.T) {
	var seen []string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = append(seen, info.FullMethod)
		if info.FullMethod == FullMethod(MethodGetProfile) {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}
		return handler(ctx, req)
	}
	conn := dial(t, &echoDispatcher{}, grpc.UnaryInterceptor(interceptor))

	ctx := context.Background()
	require.NoError(t, Call(ctx, conn, MethodPing, Empty{}, nil))
	err := Call(ctx, conn, MethodGetProfile, GetProfileRequest{UserID: "u"}, &GetProfileResponse{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, []string{FullMethod(MethodPing), FullMethod(MethodGetProfile)}, seen)
}

func TestDecode_IgnoresUnknownFieldsAndKeepsTimes(t *testing.T) {
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	s, err := Encode(ApplyGrantRequest{
		UserID:        "u",
		TransactionID: "tx-1",
		CreditDelta:   15,
		Mode:          GrantModePeriod,
		PeriodEnd:     &end,
		Covers:        []string{"tx-0"},
	})
	require.NoError(t, err)
	s.Fields["somethingNew"] = structpb.NewBoolValue(true)

	var out ApplyGrantRequest
	require.NoError(t, Decode(s, &out))
	require.NotNil(t, out.PeriodEnd)
	assert.True(t, end.Equal(*out.PeriodEnd))
	assert.Equal(t, []string{"tx-0"}, out.Covers)
	assert.Equal(t, int64(15), out.CreditDelta)
}

func TestEncode_KeepsLargeInt64Exact(t *testing.T) {
	const big = int64(1)<<53 + 1
	s, err := Encode(Profile{UserID: "u", CreditsCurrent: big, CreditsMax: big, Version: big})
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", s.Fields["version"].GetStringValue())

	var out Profile
	require.NoError(t, Decode(s, &out))
	assert.Equal(t, big, out.CreditsCurrent)
	assert.Equal(t, big, out.CreditsMax)
	assert.Equal(t, big, out.Version)
}
