package services

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/servicerequestflow/internal/gcp"
	"github.com/Lllllllleong/servicerequestflow/internal/retry"
	"github.com/Lllllllleong/servicerequestflow/internal/socrata"
)

const (
	StorageBackendGCS = "gcs"
	StorageBackendS3  = "s3"

	StateBackendObject    = "object"
	StateBackendFirestore = "firestore"

	// DefaultStorageTimeout bounds a single object-storage or state call.
	DefaultStorageTimeout = 60 * time.Second
)

// CollectorConfig holds configuration for the request-collector service.
type CollectorConfig struct {
	ProjectID       string
	StorageBackend  string
	RawBucket       string
	ProcessedBucket string
	StateBucket     string

	StateBackend        string
	FirestoreDatabase   string
	FirestoreCollection string
	StorageTimeout      time.Duration

	SocrataBaseURL    string
	SocrataDatasetID  string
	SocrataAppToken   string
	BatchSize         int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	SourceTimezone    string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3Region    string

	CatalogWorkflowID string
	WorkflowLocation  string

	PushgatewayURL string
}

// LoadConfig reads the collector configuration from the environment and
// validates it.
func LoadConfig() (CollectorConfig, error) {
	config := ConfigFromEnv()
	if err := config.Validate(); err != nil {
		return CollectorConfig{}, err
	}
	return config, nil
}

// ConfigFromEnv reads the environment without validating required values.
func ConfigFromEnv() CollectorConfig {
	config := CollectorConfig{
		ProjectID:       gcp.GetEnv("PROJECT_ID", ""),
		StorageBackend:  gcp.GetEnv("STORAGE_BACKEND", StorageBackendGCS),
		RawBucket:       gcp.GetEnv("RAW_BUCKET", ""),
		ProcessedBucket: gcp.GetEnv("PROCESSED_BUCKET", ""),

		StateBackend:        gcp.GetEnv("STATE_BACKEND", StateBackendObject),
		FirestoreDatabase:   gcp.GetEnv("FIRESTORE_DATABASE", firestore.DefaultDatabaseID),
		FirestoreCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "pipeline_state"),
		StorageTimeout:      gcp.GetEnvDuration("STORAGE_TIMEOUT", DefaultStorageTimeout),

		SocrataBaseURL:    gcp.GetEnv("SOCRATA_BASE_URL", socrata.DefaultBaseURL),
		SocrataDatasetID:  gcp.GetEnv("SOCRATA_DATASET_ID", socrata.DefaultDatasetID),
		SocrataAppToken:   gcp.GetEnv("SOCRATA_APP_TOKEN", ""),
		BatchSize:         gcp.GetEnvInt("BATCH_SIZE", 2000),
		RequestTimeout:    gcp.GetEnvDuration("SOCRATA_REQUEST_TIMEOUT", 300*time.Second),
		RequestsPerSecond: gcp.GetEnvFloat("SOCRATA_REQUESTS_PER_SECOND", 2),
		RetryMaxAttempts:  gcp.GetEnvInt("RETRY_MAX_ATTEMPTS", retry.DefaultPolicy().MaxAttempts),
		RetryBaseDelay:    gcp.GetEnvDuration("RETRY_BASE_DELAY", retry.DefaultPolicy().BaseDelay),
		SourceTimezone:    gcp.GetEnv("SOURCE_TIMEZONE", "UTC"),

		S3Endpoint:  gcp.GetEnv("S3_ENDPOINT", "s3.amazonaws.com"),
		S3AccessKey: gcp.GetEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: gcp.GetEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    gcp.GetEnvBool("S3_USE_SSL", true),
		S3Region:    gcp.GetEnv("S3_REGION", ""),

		CatalogWorkflowID: gcp.GetEnv("CATALOG_WORKFLOW_ID", ""),
		WorkflowLocation:  gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),

		PushgatewayURL: gcp.GetEnv("PUSHGATEWAY_URL", ""),
	}
	config.StateBucket = gcp.GetEnv("STATE_BUCKET", config.ProcessedBucket)
	return config
}

func (c CollectorConfig) Validate() error {
	if c.RawBucket == "" {
		return fmt.Errorf("RAW_BUCKET must be set")
	}
	if c.ProcessedBucket == "" {
		return fmt.Errorf("PROCESSED_BUCKET must be set")
	}
	switch c.StorageBackend {
	case StorageBackendGCS:
	case StorageBackendS3:
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.StateBackend {
	case StateBackendObject:
	case StateBackendFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID must be set for the firestore state backend")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend)
	}
	if c.CatalogWorkflowID != "" && c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID must be set when CATALOG_WORKFLOW_ID is configured")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive, got %s", c.StorageTimeout)
	}
	if _, err := c.SourceLocation(); err != nil {
		return err
	}
	return nil
}

// SourceLocation is the zone the provider's floating created_date values are
// recorded in. The run clock is read in this zone so checkpoints and filters
// compare like with like.
func (c CollectorConfig) SourceLocation() (*time.Location, error) {
	if c.SourceTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.SourceTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SOURCE_TIMEZONE %q: %w", c.SourceTimezone, err)
	}
	return loc, nil
}

// SocrataConfig maps the collector settings onto a provider client config.
func (c CollectorConfig) SocrataConfig() socrata.Config {
	return socrata.Config{
		BaseURL:           c.SocrataBaseURL,
		DatasetID:         c.SocrataDatasetID,
		AppToken:          c.SocrataAppToken,
		RequestTimeout:    c.RequestTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Retry: retry.Policy{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			Multiplier:  2,
		},
	}
}
