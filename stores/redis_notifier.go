package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/abac"
)

// RedisNotifier delivers emergency-access approval requests through
// Redis. Each approver has an inbox channel (pubsub) plus a pending set
// so offline approvers can catch up (key: egpending:{approver}).
type RedisNotifier struct {
	client     *redis.Client
	channelFmt string // e.g. "eginbox:%s"
	pendingFmt string // e.g. "egpending:%s"
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, channelFmt: "eginbox:%s", pendingFmt: "egpending:%s"}
}

func (r *RedisNotifier) NotifyApprovers(ctx context.Context, approvers []string, grant *abac.EmergencyGrant) error {
	payload, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	for _, approver := range approvers {
		if err := r.client.SAdd(ctx, fmt.Sprintf(r.pendingFmt, approver), grant.ID).Err(); err != nil {
			return err
		}
		if err := r.client.Publish(ctx, fmt.Sprintf(r.channelFmt, approver), payload).Err(); err != nil {
			return err
		}
	}
	return nil
}

// PendingGrantIDs lists grant ids awaiting the approver's attention.
func (r *RedisNotifier) PendingGrantIDs(ctx context.Context, approver string) ([]string, error) {
	return r.client.SMembers(ctx, fmt.Sprintf(r.pendingFmt, approver)).Result()
}

// Acknowledge removes a grant from the approver's pending set once the
// approver has acted on it.
func (r *RedisNotifier) Acknowledge(ctx context.Context, approver, grantID string) error {
	return r.client.SRem(ctx, fmt.Sprintf(r.pendingFmt, approver), grantID).Err()
}
