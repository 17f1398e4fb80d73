package handler

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationKey = "authorization"

// TokenAuthInterceptor rejects calls that do not carry "Bearer <token>" in
// their authorization metadata.
func TokenAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	want := []byte("Bearer " + token)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get(authorizationKey)
		if len(values) != 1 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(values[0])), want) != 1 {
			log.Warnf("rejected unauthenticated call to %s", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return handler(ctx, req)
	}
}

// TokenCredentials attaches the bearer token TokenAuthInterceptor expects.
type TokenCredentials struct {
	Token string
	// Secure requires a TLS transport before the token is sent.
	Secure bool
}

func (c TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{authorizationKey: "Bearer " + c.Token}, nil
}

func (c TokenCredentials) RequireTransportSecurity() bool {
	return c.Secure
}
