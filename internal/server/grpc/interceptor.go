package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/server/auth"
	"github.com/dmitrijs2005/creditkeeper/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const (
	UserIDKey    ctxKey = "userID"
	expiresAtKey ctxKey = "expiresAt"
)

type authPolicy int

const (
	authNone authPolicy = iota
	// authOptional attaches the caller when a token is present.
	authOptional
	authRequired
)

var methodPolicy = map[wire.Method]authPolicy{
	wire.MethodPing:         authNone,
	wire.MethodRegister:     authNone,
	wire.MethodGetSalt:      authNone,
	wire.MethodLogin:        authNone,
	wire.MethodRefreshToken: authNone,
	wire.MethodLogout:       authNone,
	wire.MethodGetSession:   authOptional,
}

func policyFor(fullMethod string) authPolicy {
	name := fullMethod[strings.LastIndex(fullMethod, "/")+1:]
	if p, ok := methodPolicy[wire.Method(name)]; ok {
		return p
	}
	return authRequired
}

func accessToken(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	policy := policyFor(info.FullMethod)
	if policy == authNone {
		return handler(ctx, req)
	}

	token := accessToken(ctx)
	if token == "" {
		if policy == authOptional {
			return handler(ctx, req)
		}
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	claims, err := auth.ParseToken(token, s.jwtSecret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}

	ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
	if claims.ExpiresAt != nil {
		ctx = context.WithValue(ctx, expiresAtKey, claims.ExpiresAt.Time)
	}
	return handler(ctx, req)
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	kv := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	if code == codes.Internal || code == codes.Unknown {
		s.logger.Error(ctx, "call failed", append(kv, "error", err)...)
	} else {
		s.logger.Debug(ctx, "call", kv...)
	}
	return resp, err
}

func (s *GRPCServer) recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error(ctx, "panic in handler", "method", info.FullMethod, "panic", p)
			resp, err = nil, status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func userIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

func expiresAtFromContext(ctx context.Context) time.Time {
	t, _ := ctx.Value(expiresAtKey).(time.Time)
	return t
}
