package bulkupload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/utils"
	"github.com/gin-gonic/gin"
)

func uploadTopicName() string {
	if v := strings.TrimSpace(os.Getenv("SUBSIDIARY_UPLOAD_TOPIC")); v != "" {
		return v
	}
	return "subsidiary-upload"
}

// EnsureUploadTopic creates the trigger topic at startup, plus the worker
// subscription when SUBSIDIARY_UPLOAD_SUBSCRIPTION is set, so a fresh
// environment needs no manual Pub/Sub setup.
func EnsureUploadTopic(ctx context.Context) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, uploadTopicName())
	if err != nil {
		return err
	}
	if name := strings.TrimSpace(os.Getenv("SUBSIDIARY_UPLOAD_SUBSCRIPTION")); name != "" {
		if _, err := config.CreateSubscriptionIfNotExists(client, name, topic); err != nil {
			return err
		}
	}
	return nil
}

// PublishUploadRun hands a queued run to the worker via Pub/Sub. The push
// subscription delivers it back on /pubsub/subsidiary-upload.
func PublishUploadRun(ctx context.Context, payload UploadPubSubPayload) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, uploadTopicName())
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = result.Get(ctx)
	return err
}

// PubSubPushHandler receives the push delivery and runs the upload inline.
// Non-retryable failures still ack (200) so Pub/Sub does not redeliver a
// run that can never succeed; transient failures nack with 500.
func PubSubPushHandler(c *gin.Context) {
	logger := config.GetLogger()

	var envelope PubSubPushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		config.LogError(logger, "bulkupload", "PubSubPushHandler", "bind envelope", nil, err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var payload UploadPubSubPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		config.LogError(logger, "bulkupload", "PubSubPushHandler", "decode payload", string(envelope.Message.Data), err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if payload.RunId == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := ProcessUploadRun(c.Request.Context(), payload); err != nil {
		config.LogError(logger, "bulkupload", "PubSubPushHandler", "process run", payload.RunId, err)
		// A run row that no longer exists can never succeed; ack so
		// Pub/Sub stops redelivering it.
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
