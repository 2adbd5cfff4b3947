package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"smsup-service/internal/client"
	"smsup-service/internal/util"
)

const dispatchPrefix = "otp_dispatch:"

// OTPCache remembers recently dispatched (phone, code, reference) triples so a
// duplicate dispatch of the same message is suppressed.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func dispatchKey(phone, code, referenceCode string) string {
	sum := sha256.Sum256([]byte(phone + "|" + code + "|" + referenceCode))
	return dispatchPrefix + hex.EncodeToString(sum[:])
}

// ClaimDispatch returns true when the caller is the first to dispatch this
// code and reference to this phone within ttl.
func (c *OTPCache) ClaimDispatch(ctx context.Context, phone, code, referenceCode string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := c.client.SetNX(ctx, dispatchKey(phone, code, referenceCode), time.Now().Unix(), ttl)
	if err != nil {
		util.Error("Failed to claim OTP dispatch", util.ErrorField(err))
		return false, fmt.Errorf("failed to claim OTP dispatch: %w", err)
	}
	return ok, nil
}

// ReleaseDispatch drops a claim so the same code may be dispatched again.
func (c *OTPCache) ReleaseDispatch(ctx context.Context, phone, code, referenceCode string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, dispatchKey(phone, code, referenceCode)); err != nil {
		return fmt.Errorf("failed to release OTP dispatch: %w", err)
	}
	return nil
}
