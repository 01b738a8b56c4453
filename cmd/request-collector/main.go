package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
	"github.com/Lllllllleong/servicerequestflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	collectorInstance *services.CollectorFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "HandleCollectRequests" serves manual and workflow-driven runs over HTTP.
	functions.HTTP("HandleCollectRequests", handleCollectRequests)
	// "CollectOnSchedule" is triggered by Cloud Scheduler through a Pub/Sub topic.
	functions.CloudEvent("CollectOnSchedule", collectOnSchedule)
}

// main is required by the Go Functions Framework.
func main() {}

func collector() (*services.CollectorFunction, error) {
	once.Do(func() {
		collectorInstance, initErr = services.NewCollector(context.Background())
	})
	return collectorInstance, initErr
}

// handleCollectRequests is the HTTP entry point. The response status mirrors
// the statusCode of the run summary.
func handleCollectRequests(w http.ResponseWriter, r *http.Request) {
	c, err := collector()
	if err != nil {
		slog.Error("Critical: Collector initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	// An empty body is a default run.
	var req models.CollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res := c.Process(r.Context(), &req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "statusCode", res.StatusCode)
	}
}

// collectOnSchedule runs the collector for a Pub/Sub message. The message data
// may carry a CollectRequest; an empty message is a default run.
func collectOnSchedule(ctx context.Context, e cloudevents.Event) error {
	req, messageID, err := decodeScheduledRequest(e)
	if err != nil {
		// Neither a broken envelope nor a malformed payload improves on
		// redelivery, so the message is acknowledged.
		slog.Error("Ignoring scheduler message that could not be decoded", "error", err, "eventId", e.ID(), "messageId", messageID)
		return nil
	}

	c, err := collector()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	res := c.Process(ctx, &req)
	slog.Info("Scheduled collection finished.", "statusCode", res.StatusCode, "message", res.Body.Message, "records", res.Body.Records, "messageId", messageID)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("collection run failed: %s", res.Body.Message)
	}
	return nil
}

// decodeScheduledRequest unwraps the Pub/Sub envelope of e. The returned
// message ID is empty when the envelope itself could not be decoded.
func decodeScheduledRequest(e cloudevents.Event) (models.CollectRequest, string, error) {
	var req models.CollectRequest
	var msg models.PubSubMessagePublished
	if err := e.DataAs(&msg); err != nil {
		return req, "", fmt.Errorf("event.DataAs: %w", err)
	}
	if len(msg.Message.Data) > 0 {
		if err := json.Unmarshal(msg.Message.Data, &req); err != nil {
			return req, msg.Message.MessageID, fmt.Errorf("invalid collect request payload: %w", err)
		}
	}
	return req, msg.Message.MessageID, nil
}
