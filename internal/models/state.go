package models

// TimestampLayout is the ISO-8601 form used for checkpoints and run timestamps.
const TimestampLayout = "2006-01-02T15:04:05"

// IngestionState is the single durable checkpoint record. Its absence means no
// run has ever completed successfully.
type IngestionState struct {
	LastRunTimestamp string `json:"last_run_timestamp,omitempty" firestore:"lastRunTimestamp,omitempty"`
	UpdatedAt        string `json:"updated_at" firestore:"updatedAt"`
}
