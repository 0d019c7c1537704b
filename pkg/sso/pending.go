package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// FlowStore keeps in-flight login state in Redis so that any instance can
// complete a flow another instance started.
type FlowStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewFlowStore(redisClient *redis.Client, ttl time.Duration) *FlowStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FlowStore{redis: redisClient, ttl: ttl}
}

func flowKey(key string) string {
	return "ssoflow:" + key
}

// Put stores a pending flow under the opaque key (OIDC state or SAML
// request id). The TTL bounds how long a login can stay half-finished.
func (s *FlowStore) Put(ctx context.Context, key string, flow *PendingFlow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, flowKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending flow: %w", err)
	}
	return nil
}

// Consume atomically fetches and deletes the flow. GETDEL guarantees a key
// is handed out at most once even when callbacks race.
func (s *FlowStore) Consume(ctx context.Context, key string) (*PendingFlow, error) {
	data, err := s.redis.GetDel(ctx, flowKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrInvalidState
	} else if err != nil {
		return nil, fmt.Errorf("failed to consume pending flow: %w", err)
	}

	flow := &PendingFlow{}
	if err := json.Unmarshal(data, flow); err != nil {
		return nil, fmt.Errorf("failed to decode pending flow: %w", err)
	}
	return flow, nil
}

// MarkAssertionSeen records a SAML assertion id in the replay ledger.
// Returns ErrAssertionReplayed when the id has been seen within the
// retention window.
func (s *FlowStore) MarkAssertionSeen(ctx context.Context, assertionID string, retention time.Duration) error {
	ok, err := s.redis.SetNX(ctx, "samlseen:"+assertionID, 1, retention).Result()
	if err != nil {
		return fmt.Errorf("failed to record assertion id: %w", err)
	}
	if !ok {
		return ErrAssertionReplayed
	}
	return nil
}
