// Package grpc exposes the profile service over gRPC using the hand-written
// service descriptor from package wire.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
	"github.com/dmitrijs2005/creditkeeper/internal/server/services"
	"github.com/dmitrijs2005/creditkeeper/internal/wire"
	"google.golang.org/grpc"
)

type userSvc interface {
	Register(ctx context.Context, username string, salt, verifier []byte) (*models.User, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	User(ctx context.Context, userID string) (*models.User, error)
	DeleteAccount(ctx context.Context, userID string) ([]string, error)
}

type profileSvc interface {
	Get(ctx context.Context, userID string) (*models.Profile, error)
	SetOnboarding(ctx context.Context, userID string, completed *bool) (*models.Profile, error)
	ApplyGrant(ctx context.Context, g models.Grant) (*models.Profile, bool, error)
	Consume(ctx context.Context, userID string, amount int64) (*models.Profile, error)
}

type artifactSvc interface {
	Save(ctx context.Context, userID, contentHash, name string, size int64) (*services.UploadTicket, error)
	Confirm(ctx context.Context, userID, contentHash string) error
}

type GRPCServer struct {
	address   string
	users     userSvc
	profiles  profileSvc
	artifacts artifactSvc
	logger    logging.Logger
	jwtSecret []byte
}

func NewGRPCServer(a string, l logging.Logger, us userSvc, ps profileSvc, as artifactSvc, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		users:     us,
		profiles:  ps,
		artifacts: as,
		jwtSecret: []byte(secretKey),
	}
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor, s.accessTokenInterceptor))
	wire.Register(srv, s)
	return srv
}

// Run listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	<-stopped
	return nil
}
