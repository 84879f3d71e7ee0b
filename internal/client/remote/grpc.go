package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/dmitrijs2005/creditkeeper/internal/netx"
	"github.com/dmitrijs2005/creditkeeper/internal/wire"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultCallTimeout bounds every RPC that arrives without a deadline.
const DefaultCallTimeout = 8 * time.Second

// GRPCClient implements Client over gRPC. Tokens live in the local cache so
// they survive restarts.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	tokens  cache.Store
	http    *http.Client
	logger  logging.Logger
	timeout time.Duration
	refresh singleflight.Group

	dialOpts []grpc.DialOption
}

// Option customises a GRPCClient.
type Option func(*GRPCClient)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *GRPCClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for artifact uploads.
func WithHTTPClient(h *http.Client) Option {
	return func(c *GRPCClient) { c.http = h }
}

// WithDialOptions adds options used by Dial, such as a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *GRPCClient) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Dial connects to endpoint without TLS.
func Dial(endpoint string, tokens cache.Store, l logging.Logger, opts ...Option) (*GRPCClient, error) {
	c := newClient(tokens, l, opts...)
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.closer = conn.Close
	return c, nil
}

func newClient(tokens cache.Store, l logging.Logger, opts ...Option) *GRPCClient {
	if l == nil {
		l = logging.Nop()
	}
	c := &GRPCClient{
		tokens:  tokens,
		http:    http.DefaultClient,
		logger:  l.With("module", "remote"),
		timeout: DefaultCallTimeout,
		closer:  func() error { return nil },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *GRPCClient) Close() error {
	return c.closer()
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) token(ctx context.Context, key string) string {
	v, _, err := c.tokens.Get(ctx, key)
	if err != nil {
		c.logger.Warn(ctx, "token read failed", "key", key, "error", err)
	}
	return v
}

// accessTokenInterceptor attaches the access token and, when the server
// reports it expired, refreshes the pair once and retries the call.
func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	access := c.token(ctx, cache.KeyAccessToken)
	err := invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)
	if err == nil || method == wire.FullMethod(wire.MethodRefreshToken) {
		return err
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated || st.Message() != common.ErrTokenExpired.Error() {
		return err
	}

	fresh, rerr := c.refreshTokens(ctx, cc, invoker, opts...)
	if rerr != nil {
		c.logger.Info(ctx, "token refresh failed", "error", rerr)
		return err
	}
	return invoker(withAccessToken(ctx, fresh), method, req, reply, cc, opts...)
}

// refreshTokens rotates the token pair. Concurrent callers share one
// refresh since the server invalidates a refresh token on use.
func (c *GRPCClient) refreshTokens(ctx context.Context, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) (string, error) {
	refresh := c.token(ctx, cache.KeyRefreshToken)
	if refresh == "" {
		return "", common.ErrRefreshTokenExpired
	}
	v, err, _ := c.refresh.Do(refresh, func() (any, error) {
		in, err := wire.Encode(wire.RefreshTokenRequest{RefreshToken: refresh})
		if err != nil {
			return "", err
		}
		out, resp := new(structpb.Struct), wire.RefreshTokenResponse{}
		if err := invoker(ctx, wire.FullMethod(wire.MethodRefreshToken), in, out, cc, opts...); err != nil {
			return "", err
		}
		if err := wire.Decode(out, &resp); err != nil {
			return "", err
		}
		if err := c.storeTokens(ctx, resp.AccessToken, resp.RefreshToken); err != nil {
			return "", err
		}
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *GRPCClient) storeTokens(ctx context.Context, access, refresh string) error {
	if err := c.tokens.Set(ctx, cache.KeyAccessToken, access); err != nil {
		return err
	}
	return c.tokens.Set(ctx, cache.KeyRefreshToken, refresh)
}

func (c *GRPCClient) call(ctx context.Context, m wire.Method, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return mapError(wire.Call(ctx, c.conn, m, req, resp))
}

func (c *GRPCClient) Ping(ctx context.Context) error {
	var resp wire.PingResponse
	if err := c.call(ctx, wire.MethodPing, wire.Empty{}, &resp); err != nil {
		return err
	}
	if resp.Status != wire.PingStatusOK {
		return fmt.Errorf("%w: ping status %q", ErrTransient, resp.Status)
	}
	return nil
}

func (c *GRPCClient) Register(ctx context.Context, username string, salt, verifier []byte) (string, error) {
	var resp wire.RegisterResponse
	err := c.call(ctx, wire.MethodRegister, wire.RegisterRequest{Username: username, Salt: salt, Verifier: verifier}, &resp)
	return resp.UserID, err
}

func (c *GRPCClient) GetSalt(ctx context.Context, username string) ([]byte, error) {
	var resp wire.GetSaltResponse
	if err := c.call(ctx, wire.MethodGetSalt, wire.GetSaltRequest{Username: username}, &resp); err != nil {
		return nil, err
	}
	return resp.Salt, nil
}

func (c *GRPCClient) Login(ctx context.Context, username string, verifier []byte) (string, error) {
	var resp wire.LoginResponse
	if err := c.call(ctx, wire.MethodLogin, wire.LoginRequest{Username: username, Verifier: verifier}, &resp); err != nil {
		return "", err
	}
	if err := c.storeTokens(ctx, resp.AccessToken, resp.RefreshToken); err != nil {
		return "", fmt.Errorf("store tokens: %w", err)
	}
	return resp.UserID, nil
}

func (c *GRPCClient) Logout(ctx context.Context) error {
	refresh := c.token(ctx, cache.KeyRefreshToken)
	var err error
	if refresh != "" {
		err = c.call(ctx, wire.MethodLogout, wire.LogoutRequest{RefreshToken: refresh}, nil)
	}
	return errors.Join(err, c.tokens.RemoveAll(ctx, cache.KeyAccessToken, cache.KeyRefreshToken))
}

func (c *GRPCClient) GetSession(ctx context.Context) (*Session, error) {
	if c.token(ctx, cache.KeyAccessToken) == "" {
		return nil, nil
	}
	var resp wire.GetSessionResponse
	if err := c.call(ctx, wire.MethodGetSession, wire.Empty{}, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, nil
	}
	return &Session{UserID: resp.Session.UserID, Username: resp.Session.Username, ExpiresAt: resp.Session.ExpiresAt}, nil
}

func fromWire(p wire.Profile) *Profile {
	return &Profile{
		UserID:              p.UserID,
		OnboardingCompleted: p.OnboardingCompleted,
		CreditsCurrent:      p.CreditsCurrent,
		CreditsMax:          p.CreditsMax,
		PlanID:              p.PlanID,
		PeriodEnd:           p.PeriodEnd,
		Version:             p.Version,
	}
}

func (c *GRPCClient) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var resp wire.GetProfileResponse
	if err := c.call(ctx, wire.MethodGetProfile, wire.GetProfileRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	if resp.Profile == nil {
		return nil, nil
	}
	return fromWire(*resp.Profile), nil
}

func (c *GRPCClient) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) error {
	return c.call(ctx, wire.MethodUpdateProfile, wire.UpdateProfileRequest{
		UserID:              userID,
		OnboardingCompleted: patch.OnboardingCompleted,
	}, nil)
}

func (c *GRPCClient) ApplyGrant(ctx context.Context, userID string, g models.Grant) (*Profile, bool, error) {
	var resp wire.ApplyGrantResponse
	err := c.call(ctx, wire.MethodApplyGrant, wire.ApplyGrantRequest{
		UserID:        userID,
		TransactionID: g.TransactionID,
		CreditDelta:   g.CreditDelta,
		NewMax:        g.NewMax,
		Mode:          string(g.Mode),
		PlanID:        g.PlanID,
		PeriodEnd:     g.PeriodEnd,
		Covers:        g.Covers,
	}, &resp)
	if err != nil {
		return nil, false, err
	}
	return fromWire(resp.Profile), resp.Duplicate, nil
}

func (c *GRPCClient) ConsumeCredits(ctx context.Context, userID string, amount int64) (*Profile, error) {
	var resp wire.ConsumeCreditsResponse
	if err := c.call(ctx, wire.MethodConsumeCredits, wire.ConsumeCreditsRequest{UserID: userID, Amount: amount}, &resp); err != nil {
		return nil, err
	}
	return fromWire(resp.Profile), nil
}

// SaveArtifact registers the artifact, uploads its content when the
// server does not have it yet, and confirms the upload.
func (c *GRPCClient) SaveArtifact(ctx context.Context, userID string, a models.Artifact) error {
	var resp wire.SaveArtifactResponse
	err := c.call(ctx, wire.MethodSaveArtifact, wire.SaveArtifactRequest{
		UserID:      userID,
		ContentHash: a.ContentHash,
		Name:        a.Name,
		Size:        a.Size,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.AlreadyStored {
		return nil
	}

	upCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := netx.UploadToPresignedURL(upCtx, c.http, resp.UploadURL, a.Content); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return c.call(ctx, wire.MethodConfirmArtifact, wire.ConfirmArtifactRequest{UserID: userID, ContentHash: a.ContentHash}, nil)
}

func (c *GRPCClient) DeleteAccount(ctx context.Context, userID string) error {
	if err := c.call(ctx, wire.MethodDeleteAccount, wire.DeleteAccountRequest{UserID: userID}, nil); err != nil {
		return err
	}
	return c.tokens.RemoveAll(ctx, cache.KeyAccessToken, cache.KeyRefreshToken)
}
