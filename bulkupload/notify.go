package bulkupload

import (
	"context"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
)

// Progress keys expire on their own so an abandoned poller never leaves
// stale state behind.
const notificationTTL = 24 * time.Hour

// NotificationSink carries upload progress and row-level errors to the
// frontend poller. Keys are the concatenation {userId}{organisationId}{purpose}.
// A nil sink is a valid configuration: every call becomes a no-op.
type NotificationSink interface {
	SetStatus(ctx context.Context, key string, value string) error
	SetErrorStatus(ctx context.Context, key string, reports []ErrorReport) error
}

func notificationKey(userId string, organisationId string, purpose string) string {
	return userId + organisationId + purpose
}

type redisNotificationSink struct{}

// NewRedisNotificationSink reports progress through the shared redis
// instance the frontend polls.
func NewRedisNotificationSink() NotificationSink {
	return &redisNotificationSink{}
}

func (s *redisNotificationSink) SetStatus(ctx context.Context, key string, value string) error {
	return config.SetRedisValue(key, value, notificationTTL)
}

// SetErrorStatus appends reports to the key's existing list so batches from
// successive phases accumulate. An empty batch clears the key instead.
func (s *redisNotificationSink) SetErrorStatus(ctx context.Context, key string, reports []ErrorReport) error {
	if len(reports) == 0 {
		return config.RemoveRedisKey(key)
	}

	var existing []ErrorReport
	if found, err := config.GetRedisObject(key, &existing); err != nil || !found {
		existing = nil
	}
	existing = append(existing, reports...)

	return config.SetRedisObject(key, existing, notificationTTL)
}
