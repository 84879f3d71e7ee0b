package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
	"github.com/dmitrijs2005/creditkeeper/internal/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dispatch routes a call of the wire service to its handler.
func (s *GRPCServer) Dispatch(ctx context.Context, m wire.Method, req *structpb.Struct) (*structpb.Struct, error) {
	switch m {
	case wire.MethodPing:
		return handle(ctx, s, req, s.ping)
	case wire.MethodRegister:
		return handle(ctx, s, req, s.register)
	case wire.MethodGetSalt:
		return handle(ctx, s, req, s.getSalt)
	case wire.MethodLogin:
		return handle(ctx, s, req, s.login)
	case wire.MethodRefreshToken:
		return handle(ctx, s, req, s.refreshToken)
	case wire.MethodLogout:
		return handle(ctx, s, req, s.logout)
	case wire.MethodGetSession:
		return handle(ctx, s, req, s.getSession)
	case wire.MethodGetProfile:
		return handle(ctx, s, req, s.getProfile)
	case wire.MethodUpdateProfile:
		return handle(ctx, s, req, s.updateProfile)
	case wire.MethodApplyGrant:
		return handle(ctx, s, req, s.applyGrant)
	case wire.MethodConsumeCredits:
		return handle(ctx, s, req, s.consumeCredits)
	case wire.MethodSaveArtifact:
		return handle(ctx, s, req, s.saveArtifact)
	case wire.MethodConfirmArtifact:
		return handle(ctx, s, req, s.confirmArtifact)
	case wire.MethodDeleteAccount:
		return handle(ctx, s, req, s.deleteAccount)
	default:
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", m)
	}
}

// handle decodes the request, runs fn and encodes its reply. Errors that
// are not already statuses go through toStatus.
func handle[Req, Resp any](ctx context.Context, s *GRPCServer, in *structpb.Struct, fn func(context.Context, Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	resp, err := fn(ctx, req)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, s.toStatus(ctx, err)
	}
	out, err := wire.Encode(resp)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return out, nil
}

// requireCaller checks that the authenticated caller acts on its own account.
func requireCaller(ctx context.Context, userID string) error {
	caller, ok := userIDFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing token")
	}
	if userID != caller {
		return status.Error(codes.PermissionDenied, "forbidden")
	}
	return nil
}

func toWire(p *models.Profile) wire.Profile {
	return wire.Profile{
		UserID:              p.UserID,
		OnboardingCompleted: p.OnboardingCompleted,
		CreditsCurrent:      p.CreditsCurrent,
		CreditsMax:          p.CreditsMax,
		PlanID:              p.PlanID,
		PeriodEnd:           p.PeriodEnd,
		Version:             p.Version,
	}
}

func (s *GRPCServer) ping(ctx context.Context, _ wire.Empty) (wire.PingResponse, error) {
	return wire.PingResponse{Status: wire.PingStatusOK}, nil
}

func (s *GRPCServer) register(ctx context.Context, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	s.logger.Info(ctx, "Registration request")

	u, err := s.users.Register(ctx, req.Username, req.Salt, req.Verifier)
	if err != nil {
		return wire.RegisterResponse{}, err
	}

	s.logger.Info(ctx, "Registered", "username", req.Username, "user_id", u.ID)
	return wire.RegisterResponse{UserID: u.ID}, nil
}

func (s *GRPCServer) getSalt(ctx context.Context, req wire.GetSaltRequest) (wire.GetSaltResponse, error) {
	salt, err := s.users.GetSalt(ctx, req.Username)
	if err != nil {
		return wire.GetSaltResponse{}, err
	}
	return wire.GetSaltResponse{Salt: salt}, nil
}

func (s *GRPCServer) login(ctx context.Context, req wire.LoginRequest) (wire.LoginResponse, error) {
	tokens, err := s.users.Login(ctx, req.Username, req.Verifier)
	if err != nil {
		return wire.LoginResponse{}, err
	}
	return wire.LoginResponse{UserID: tokens.UserID, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

func (s *GRPCServer) refreshToken(ctx context.Context, req wire.RefreshTokenRequest) (wire.RefreshTokenResponse, error) {
	tokens, err := s.users.RefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return wire.RefreshTokenResponse{}, err
	}
	return wire.RefreshTokenResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

func (s *GRPCServer) logout(ctx context.Context, req wire.LogoutRequest) (wire.Empty, error) {
	return wire.Empty{}, s.users.Logout(ctx, req.RefreshToken)
}

func (s *GRPCServer) getSession(ctx context.Context, _ wire.Empty) (wire.GetSessionResponse, error) {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return wire.GetSessionResponse{}, nil
	}
	u, err := s.users.User(ctx, userID)
	if errors.Is(err, common.ErrorNotFound) {
		// token outlived its account
		return wire.GetSessionResponse{}, nil
	}
	if err != nil {
		return wire.GetSessionResponse{}, err
	}
	return wire.GetSessionResponse{Session: &wire.Session{
		UserID:    u.ID,
		Username:  u.UserName,
		ExpiresAt: expiresAtFromContext(ctx),
	}}, nil
}

func (s *GRPCServer) getProfile(ctx context.Context, req wire.GetProfileRequest) (wire.GetProfileResponse, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.GetProfileResponse{}, err
	}
	p, err := s.profiles.Get(ctx, req.UserID)
	if errors.Is(err, common.ErrorNotFound) {
		return wire.GetProfileResponse{}, nil
	}
	if err != nil {
		return wire.GetProfileResponse{}, err
	}
	wp := toWire(p)
	return wire.GetProfileResponse{Profile: &wp}, nil
}

func (s *GRPCServer) updateProfile(ctx context.Context, req wire.UpdateProfileRequest) (wire.Empty, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.Empty{}, err
	}
	_, err := s.profiles.SetOnboarding(ctx, req.UserID, req.OnboardingCompleted)
	return wire.Empty{}, err
}

func (s *GRPCServer) applyGrant(ctx context.Context, req wire.ApplyGrantRequest) (wire.ApplyGrantResponse, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.ApplyGrantResponse{}, err
	}
	p, duplicate, err := s.profiles.ApplyGrant(ctx, models.Grant{
		UserID:        req.UserID,
		TransactionID: req.TransactionID,
		CreditDelta:   req.CreditDelta,
		NewMax:        req.NewMax,
		Mode:          req.Mode,
		PlanID:        req.PlanID,
		PeriodEnd:     req.PeriodEnd,
		Covers:        req.Covers,
	})
	if err != nil {
		return wire.ApplyGrantResponse{}, err
	}
	if duplicate {
		s.logger.Info(ctx, "duplicate grant", "user_id", req.UserID, "transaction_id", req.TransactionID)
	}
	return wire.ApplyGrantResponse{Profile: toWire(p), Duplicate: duplicate}, nil
}

func (s *GRPCServer) consumeCredits(ctx context.Context, req wire.ConsumeCreditsRequest) (wire.ConsumeCreditsResponse, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.ConsumeCreditsResponse{}, err
	}
	p, err := s.profiles.Consume(ctx, req.UserID, req.Amount)
	if err != nil {
		return wire.ConsumeCreditsResponse{}, err
	}
	return wire.ConsumeCreditsResponse{Profile: toWire(p)}, nil
}

func (s *GRPCServer) saveArtifact(ctx context.Context, req wire.SaveArtifactRequest) (wire.SaveArtifactResponse, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.SaveArtifactResponse{}, err
	}
	ticket, err := s.artifacts.Save(ctx, req.UserID, req.ContentHash, req.Name, req.Size)
	if err != nil {
		return wire.SaveArtifactResponse{}, err
	}
	return wire.SaveArtifactResponse{UploadURL: ticket.URL, AlreadyStored: ticket.AlreadyStored}, nil
}

func (s *GRPCServer) confirmArtifact(ctx context.Context, req wire.ConfirmArtifactRequest) (wire.Empty, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.Empty{}, err
	}
	return wire.Empty{}, s.artifacts.Confirm(ctx, req.UserID, req.ContentHash)
}

func (s *GRPCServer) deleteAccount(ctx context.Context, req wire.DeleteAccountRequest) (wire.Empty, error) {
	if err := requireCaller(ctx, req.UserID); err != nil {
		return wire.Empty{}, err
	}
	orphaned, err := s.users.DeleteAccount(ctx, req.UserID)
	if err != nil {
		return wire.Empty{}, err
	}
	if len(orphaned) > 0 {
		s.logger.Warn(ctx, "artifact content left in storage", "user_id", req.UserID, "keys", orphaned)
	}
	s.logger.Info(ctx, "account deleted", "user_id", req.UserID)
	return wire.Empty{}, nil
}
