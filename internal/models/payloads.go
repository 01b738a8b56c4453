package models

// These structs define the JSON payloads accepted and returned by the
// request-collector function.

const (
	ModeInitial     = "initial"
	ModeIncremental = "incremental"

	DefaultMaxRecords          = 10000
	DefaultInitialLookbackDays = 365
)

// CollectRequest is the invocation input. Every field is optional.
type CollectRequest struct {
	ForceInitialLoad    bool   `json:"force_initial_load"`
	MaxRecords          int    `json:"max_records,omitempty"`
	InitialLookbackDays int    `json:"initial_lookback_days,omitempty"`
	TestEndDate         string `json:"test_end_date,omitempty"`
}

// ApplyDefaults fills unset or non-positive limits.
func (r *CollectRequest) ApplyDefaults() {
	if r.MaxRecords <= 0 {
		r.MaxRecords = DefaultMaxRecords
	}
	if r.InitialLookbackDays <= 0 {
		r.InitialLookbackDays = DefaultInitialLookbackDays
	}
}

// CollectResponse is the invocation output.
type CollectResponse struct {
	StatusCode int           `json:"statusCode"`
	Body       CollectResult `json:"body"`
}

// CollectResult summarises one run.
type CollectResult struct {
	Message          string `json:"message"`
	Records          int    `json:"records"`
	Mode             string `json:"mode,omitempty"`
	DateRange        string `json:"date_range,omitempty"`
	MaxDataTimestamp string `json:"max_data_timestamp,omitempty"`
	Partitions       int    `json:"partitions,omitempty"`
	DroppedRecords   int    `json:"dropped_records,omitempty"`
	Truncated        bool   `json:"truncated,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// PubSubMessagePublished is the data payload of a Pub/Sub CloudEvent, as
// delivered by Cloud Scheduler through a topic.
type PubSubMessagePublished struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes,omitempty"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
