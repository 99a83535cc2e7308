package redis

import (
	"context"
	"fmt"
	"time"

	"carpool-auth/internal/client"
	"carpool-auth/internal/util"
)

const revokedTokenPrefix = "revoked_token:"

// TokenDenylistCache records revoked token ids (jti) until their natural
// expiry. Tokens are stateless otherwise; logout works by listing the id here
// and the auth middleware checking membership on every request.
type TokenDenylistCache struct {
	client *client.RedisClient
}

func NewTokenDenylistCache(client *client.RedisClient) *TokenDenylistCache {
	return &TokenDenylistCache{client: client}
}

// Revoke lists tokenID for ttl. A non-positive ttl means the token already
// expired and there is nothing to revoke.
func (c *TokenDenylistCache) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, revokedTokenPrefix+tokenID, "revoked", ttl); err != nil {
		util.Error("Failed to revoke token", util.String("token_id", tokenID), util.ErrorField(err))
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	util.Debug("Token revoked", util.String("token_id", tokenID))
	return nil
}

func (c *TokenDenylistCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	exists, err := c.client.Exists(ctx, revokedTokenPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists, nil
}
