package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/servicerequestflow/internal/archive"
	"github.com/Lllllllleong/servicerequestflow/internal/blob"
	"github.com/Lllllllleong/servicerequestflow/internal/catalog"
	"github.com/Lllllllleong/servicerequestflow/internal/columnar"
	"github.com/Lllllllleong/servicerequestflow/internal/gcp"
	"github.com/Lllllllleong/servicerequestflow/internal/metrics"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
	"github.com/Lllllllleong/servicerequestflow/internal/socrata"
	"github.com/Lllllllleong/servicerequestflow/internal/state"
)

const (
	catalogTimeout = 30 * time.Second
	metricsTimeout = 10 * time.Second
	metricsJob     = "request-collector"
)

// Fetcher retrieves records matching a filter from the open-data API.
type Fetcher interface {
	Fetch(ctx context.Context, where socrata.Expr, maxRecords, batchSize int) (socrata.FetchResult, error)
}

// RawArchiver keeps the untouched payload of a run.
type RawArchiver interface {
	Archive(ctx context.Context, records []json.RawMessage, runDate time.Time) (string, error)
}

// ColumnarWriter writes the partitioned Parquet dataset.
type ColumnarWriter interface {
	Transform(ctx context.Context, records []json.RawMessage, runDate time.Time) (columnar.Result, error)
}

// Dependencies are the collaborators of a CollectorFunction. Catalog and
// Metrics may be left nil.
type Dependencies struct {
	Fetcher  Fetcher
	Archiver RawArchiver
	Writer   ColumnarWriter
	State    state.Store
	Catalog  catalog.Refresher
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// CollectorFunction runs one ingestion pass per invocation.
type CollectorFunction struct {
	fetcher  Fetcher
	archiver RawArchiver
	writer   ColumnarWriter
	state    state.Store
	catalog  catalog.Refresher
	metrics  *metrics.Metrics
	now      func() time.Time
	location *time.Location
	config   CollectorConfig
}

// NewCollector builds a CollectorFunction from the environment. Called once
// per instance by main.go.
func NewCollector(ctx context.Context) (*CollectorFunction, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	var rawBucket, processedBucket, stateBucket blob.Bucket
	var scheme string
	switch config.StorageBackend {
	case StorageBackendS3:
		client, err := blob.NewS3Client(blob.S3Config{
			Endpoint:  config.S3Endpoint,
			AccessKey: config.S3AccessKey,
			SecretKey: config.S3SecretKey,
			Region:    config.S3Region,
			UseSSL:    config.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		rawBucket = blob.WithTimeout(blob.NewS3Bucket(client, config.RawBucket), config.StorageTimeout)
		processedBucket = blob.WithTimeout(blob.NewS3Bucket(client, config.ProcessedBucket), config.StorageTimeout)
		stateBucket = blob.WithTimeout(blob.NewS3Bucket(client, config.StateBucket), config.StorageTimeout)
		scheme = "s3"
	default:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		rawBucket = blob.WithTimeout(blob.NewGCSBucket(client, config.RawBucket), config.StorageTimeout)
		processedBucket = blob.WithTimeout(blob.NewGCSBucket(client, config.ProcessedBucket), config.StorageTimeout)
		stateBucket = blob.WithTimeout(blob.NewGCSBucket(client, config.StateBucket), config.StorageTimeout)
		scheme = "gs"
	}

	var store state.Store
	if config.StateBackend == StateBackendFirestore {
		client, err := gcp.NewFirestoreClient(ctx, config.ProjectID, config.FirestoreDatabase)
		if err != nil {
			return nil, err
		}
		store = state.NewFirestoreStore(client, config.FirestoreCollection, state.DefaultDocumentID)
	} else {
		store = state.NewObjectStore(stateBucket, state.DefaultObjectKey)
	}

	var refresher catalog.Refresher = catalog.Noop{}
	if config.CatalogWorkflowID != "" {
		client, err := gcp.NewExecutionsClient(ctx)
		if err != nil {
			return nil, err
		}
		refresher = catalog.NewWorkflowRefresher(
			client,
			gcp.WorkflowName(config.ProjectID, config.WorkflowLocation, config.CatalogWorkflowID),
			fmt.Sprintf("%s://%s/processed", scheme, config.ProcessedBucket),
		)
	}

	f := NewCollectorFromDeps(config, Dependencies{
		Fetcher:  socrata.NewClient(config.SocrataConfig(), nil),
		Archiver: archive.NewArchiver(rawBucket),
		Writer:   columnar.NewTransformer(processedBucket),
		State:    store,
		Catalog:  refresher,
		Metrics:  metrics.New(),
	})
	slog.Info(
		"Collector initialized.",
		"storageBackend", config.StorageBackend,
		"stateBackend", config.StateBackend,
		"rawBucket", config.RawBucket,
		"processedBucket", config.ProcessedBucket,
		"catalogWorkflow", config.CatalogWorkflowID,
		"sourceTimezone", config.SourceTimezone,
		"storageTimeout", config.StorageTimeout.String(),
	)
	return f, nil
}

// NewCollectorFromDeps wires a CollectorFunction from explicit collaborators.
func NewCollectorFromDeps(config CollectorConfig, deps Dependencies) *CollectorFunction {
	if deps.Catalog == nil {
		deps.Catalog = catalog.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 2000
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}
	loc, err := config.SourceLocation()
	if err != nil {
		slog.Warn("Falling back to UTC for the run clock.", "error", err)
		loc = time.UTC
	}
	return &CollectorFunction{
		fetcher:  deps.Fetcher,
		archiver: deps.Archiver,
		writer:   deps.Writer,
		state:    deps.State,
		catalog:  deps.Catalog,
		metrics:  deps.Metrics,
		now:      deps.Now,
		location: loc,
		config:   config,
	}
}

// Process runs DETERMINE_MODE, FETCH, ARCHIVE_RAW, TRANSFORM, NOTIFY_CATALOG
// and COMMIT_STATE in order. It never returns nil and never panics; failures
// are reported through the response status code. The checkpoint is only
// written after the Parquet output is in place.
func (f *CollectorFunction) Process(ctx context.Context, req *models.CollectRequest) (resp *models.CollectResponse) {
	started := time.Now()
	mode := "unknown"
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic during collection run.", "panic", r, "stack", string(debug.Stack()))
			resp = failure(http.StatusInternalServerError, fmt.Sprintf("Error: %v", r), 0, f.now().UTC().Format(models.TimestampLayout))
		}
		f.finishRun(ctx, mode, resp, time.Since(started))
	}()

	params := models.CollectRequest{}
	if req != nil {
		params = *req
	}
	params.ApplyDefaults()

	now, err := resolveNow(params.TestEndDate, f.now, f.location)
	if err != nil {
		slog.Warn("Rejecting collection request.", "error", err)
		return failure(http.StatusBadRequest, fmt.Sprintf("Error: %v", err), 0, f.now().UTC().Format(models.TimestampLayout))
	}
	runTimestamp := now.Format(models.TimestampLayout)
	logCtx := slog.With("runTimestamp", runTimestamp)

	// --- DETERMINE_MODE ---
	var prior *models.IngestionState
	if params.ForceInitialLoad {
		logCtx.Info("Initial load forced by request.")
	} else {
		prior = f.readState(ctx, logCtx)
	}
	window := PlanWindow(&params, prior, now)
	mode = window.Mode
	logCtx = logCtx.With("mode", mode)
	if prior != nil && mode == models.ModeInitial {
		logCtx.Warn("Stored checkpoint is unusable; falling back to an initial load.", "lastRunTimestamp", prior.LastRunTimestamp)
	}
	logCtx.Info(
		"Starting collection run.",
		"start", window.Start.Format(models.TimestampLayout),
		"end", window.End.Format(models.TimestampLayout),
		"maxRecords", params.MaxRecords,
	)

	// --- FETCH ---
	fetched, err := f.fetcher.Fetch(ctx, window.Filter(), params.MaxRecords, f.config.BatchSize)
	if err != nil {
		logCtx.Error("Fetch could not start.", "error", err)
		return failure(http.StatusInternalServerError, fmt.Sprintf("Error: %v", err), 0, runTimestamp)
	}
	f.metrics.PagesFetched.Add(float64(fetched.Pages))
	f.metrics.PageRetries.Add(float64(fetched.Retries))
	f.metrics.RecordsFetched.Add(float64(len(fetched.Records)))
	if fetched.Interrupted != nil {
		logCtx.Warn("Fetch ended early; continuing with a partial batch.", "records", len(fetched.Records), "error", fetched.Interrupted)
	}

	if len(fetched.Records) == 0 {
		logCtx.Warn("No new data fetched.")
		f.commit(ctx, logCtx, runTimestamp)
		return &models.CollectResponse{
			StatusCode: http.StatusOK,
			Body: models.CollectResult{
				Message:   "No new data available",
				Records:   0,
				Mode:      mode,
				Truncated: fetched.Interrupted != nil,
				Timestamp: runTimestamp,
			},
		}
	}
	logCtx.Info("Total records fetched.", "records", len(fetched.Records), "pages", fetched.Pages)

	// --- ARCHIVE_RAW ---
	if key, err := f.archive(ctx, fetched.Records, now); err != nil {
		logCtx.Error("Failed to archive raw records; continuing.", "error", err)
	} else {
		logCtx.Info("Archived raw records.", "object", key)
	}

	// --- TRANSFORM ---
	result, err := f.writer.Transform(ctx, fetched.Records, now)
	if err != nil {
		logCtx.Error("Parquet conversion failed; checkpoint left unchanged.", "error", err)
		return failure(http.StatusInternalServerError, "Error during Parquet conversion", len(fetched.Records), runTimestamp)
	}
	f.metrics.RecordsDropped.Add(float64(result.Dropped))
	f.metrics.PartitionsWritten.Add(float64(len(result.Partitions)))

	// --- NOTIFY_CATALOG ---
	f.refreshCatalog(ctx, logCtx, result.Partitions)

	// --- COMMIT_STATE ---
	checkpoint := runTimestamp
	var maxData string
	if result.MaxCreatedDate != nil {
		maxData = result.MaxCreatedDate.UTC().Format(models.TimestampLayout)
		checkpoint = maxData
	} else {
		logCtx.Warn("No valid created_date in batch; committing run time instead.")
	}
	f.commit(ctx, logCtx, checkpoint)

	return &models.CollectResponse{
		StatusCode: http.StatusOK,
		Body: models.CollectResult{
			Message:          "Data ingestion successful",
			Records:          len(fetched.Records),
			Mode:             mode,
			DateRange:        window.DateRange(),
			MaxDataTimestamp: maxData,
			Partitions:       len(result.Partitions),
			DroppedRecords:   result.Dropped,
			Truncated:        fetched.Interrupted != nil,
			Timestamp:        runTimestamp,
		},
	}
}

// readState returns nil when there is no usable prior run. Store failures
// other than a missing record are logged and treated the same way, so the run
// re-fetches rather than risk a gap.
func (f *CollectorFunction) readState(ctx context.Context, logCtx *slog.Logger) *models.IngestionState {
	readCtx, cancel := context.WithTimeout(ctx, f.config.StorageTimeout)
	defer cancel()
	st, err := f.state.Read(readCtx)
	switch {
	case errors.Is(err, state.ErrNoState):
		logCtx.Info("No previous run found; this is the initial load.")
		return nil
	case err != nil:
		logCtx.Error("Failed to read ingestion state; assuming no previous run.", "error", err)
		return nil
	}
	logCtx.Info("Loaded ingestion state.", "lastRunTimestamp", st.LastRunTimestamp, "updatedAt", st.UpdatedAt)
	return st
}

func (f *CollectorFunction) commit(ctx context.Context, logCtx *slog.Logger, checkpoint string) {
	writeCtx, cancel := context.WithTimeout(ctx, f.config.StorageTimeout)
	defer cancel()
	if err := f.state.Write(writeCtx, checkpoint); err != nil {
		logCtx.Error("Failed to save ingestion state; the next run will repeat this window.", "checkpoint", checkpoint, "error", err)
		return
	}
	if t, ok := columnar.ParseTimestamp(checkpoint); ok {
		f.metrics.Checkpoint.Set(float64(t.Unix()))
	}
	logCtx.Info("Saved ingestion state.", "checkpoint", checkpoint)
}

// archive writes a single raw object, so one storage timeout covers the call.
// Partition uploads are bounded per object by the bucket instead.
func (f *CollectorFunction) archive(ctx context.Context, records []json.RawMessage, runDate time.Time) (string, error) {
	archiveCtx, cancel := context.WithTimeout(ctx, f.config.StorageTimeout)
	defer cancel()
	return f.archiver.Archive(archiveCtx, records, runDate)
}

func (f *CollectorFunction) refreshCatalog(ctx context.Context, logCtx *slog.Logger, partitions []columnar.Partition) {
	refreshCtx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	if err := f.catalog.Refresh(refreshCtx, partitions); err != nil {
		logCtx.Error("Catalog refresh failed; partitions will be picked up later.", "partitions", len(partitions), "error", err)
	}
}

func (f *CollectorFunction) finishRun(ctx context.Context, mode string, resp *models.CollectResponse, elapsed time.Duration) {
	outcome := "failure"
	if resp != nil && resp.StatusCode == http.StatusOK {
		outcome = "success"
	}
	f.metrics.ObserveRun(mode, outcome, elapsed)

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsTimeout)
	defer cancel()
	if err := f.metrics.Push(pushCtx, f.config.PushgatewayURL, metricsJob); err != nil {
		slog.Warn("Failed to push run metrics.", "error", err)
	}
}

func failure(code int, message string, records int, timestamp string) *models.CollectResponse {
	return &models.CollectResponse{
		StatusCode: code,
		Body: models.CollectResult{
			Message:   message,
			Records:   records,
			Timestamp: timestamp,
		},
	}
}
