package columnar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/blob"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

var runDate = time.Date(2025, 2, 1, 6, 0, 0, 0, time.UTC)

func raw(records ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(records))
	for i, r := range records {
		out[i] = json.RawMessage(r)
	}
	return out
}

func readTable(t *testing.T, data []byte) arrow.Table {
	t.Helper()
	tbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(data),
		parquet.NewReaderProperties(memory.DefaultAllocator), pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("ReadTable failed: %v", err)
	}
	t.Cleanup(tbl.Release)
	return tbl
}

func columnData(t *testing.T, tbl arrow.Table, name string) arrow.Array {
	t.Helper()
	idx := tbl.Schema().FieldIndices(name)
	if len(idx) == 0 {
		t.Fatalf("column %q missing", name)
	}
	chunks := tbl.Column(idx[0]).Data().Chunks()
	if len(chunks) != 1 {
		t.Fatalf("column %q has %d chunks", name, len(chunks))
	}
	return chunks[0]
}

func TestTransform_GroupsByCreatedMonth(t *testing.T) {
	bucket := blob.NewMemoryBucket("processed")
	tr := NewTransformer(bucket)

	res, err := tr.Transform(context.Background(), raw(
		`{"unique_key":"1","created_date":"2024-12-30T08:00:00.000","status":"Open"}`,
		`{"unique_key":"2","created_date":"2025-01-15T10:00:00.000","status":"Open"}`,
		`{"unique_key":"3","created_date":"2025-01-03T09:30:00.000","status":"In Progress"}`,
	), runDate)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	wantKeys := []string{
		"processed/year=2024/month=12/data_2025-02-01.parquet",
		"processed/year=2025/month=01/data_2025-02-01.parquet",
	}
	if got := res.Keys(); len(got) != 2 || got[0] != wantKeys[0] || got[1] != wantKeys[1] {
		t.Fatalf("keys = %v, want %v", got, wantKeys)
	}
	if res.Partitions[0].Rows != 1 || res.Partitions[1].Rows != 2 {
		t.Errorf("rows per partition = %d,%d, want 1,2", res.Partitions[0].Rows, res.Partitions[1].Rows)
	}
	if res.Rows != 3 || res.Dropped != 0 {
		t.Errorf("rows=%d dropped=%d", res.Rows, res.Dropped)
	}
	want := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	if res.MaxCreatedDate == nil || !res.MaxCreatedDate.Equal(want) {
		t.Errorf("MaxCreatedDate = %v, want %v", res.MaxCreatedDate, want)
	}
	if got := bucket.ContentType(wantKeys[0]); got != blob.ContentTypeParquet {
		t.Errorf("content type = %q", got)
	}
}

func TestTransform_ParquetContents(t *testing.T) {
	bucket := blob.NewMemoryBucket("processed")
	tr := NewTransformer(bucket)

	res, err := tr.Transform(context.Background(), raw(
		`{"unique_key":"1","created_date":"2025-01-10T12:00:00.000","latitude":"40.7128","location":{"type":"Point","coordinates":[-73.9,40.7]}}`,
		`{"unique_key":"2","created_date":"2025-01-11T12:00:00.000","latitude":"not-a-number","closed_date":"garbage","borough":"BROOKLYN"}`,
	), runDate)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	data, err := bucket.Get(context.Background(), res.Partitions[0].Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	tbl := readTable(t, data)
	if tbl.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", tbl.NumRows())
	}

	var names []string
	for _, f := range tbl.Schema().Fields() {
		names = append(names, f.Name)
	}
	wantNames := []string{"unique_key", "created_date", "latitude", "location", "closed_date", "borough"}
	if len(names) != len(wantNames) {
		t.Fatalf("columns = %v, want %v", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Errorf("column %d = %q, want %q", i, names[i], wantNames[i])
		}
	}
	for _, name := range names {
		if name == "year" || name == "month" {
			t.Errorf("partition column %q must not be stored in the file", name)
		}
	}

	lat := columnData(t, tbl, "latitude").(*array.Float64)
	if lat.IsNull(0) || lat.Value(0) != 40.7128 {
		t.Errorf("latitude[0] = %v", lat.Value(0))
	}
	if !lat.IsNull(1) {
		t.Errorf("latitude[1] should be null")
	}

	created := columnData(t, tbl, "created_date").(*array.Timestamp)
	if got := created.Value(0).ToTime(arrow.Microsecond); !got.Equal(time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("created_date[0] = %v", got)
	}

	closed := columnData(t, tbl, "closed_date")
	if !closed.IsNull(0) || !closed.IsNull(1) {
		t.Errorf("closed_date should be null for missing and unparseable values")
	}

	loc := columnData(t, tbl, "location").(*array.String)
	if loc.Value(0) != `{"type":"Point","coordinates":[-73.9,40.7]}` {
		t.Errorf("location[0] = %q", loc.Value(0))
	}
	if !loc.IsNull(1) {
		t.Errorf("location[1] should be null")
	}

	borough := columnData(t, tbl, "borough").(*array.String)
	if !borough.IsNull(0) || borough.Value(1) != "BROOKLYN" {
		t.Errorf("borough = [%v %q]", borough.IsNull(0), borough.Value(1))
	}
}

func TestTransform_DropsInvalidCreatedDate(t *testing.T) {
	tr := NewTransformer(blob.NewMemoryBucket("processed"))

	res, err := tr.Transform(context.Background(), raw(
		`{"unique_key":"1","created_date":"2025-01-10T12:00:00.000"}`,
		`{"unique_key":"2","created_date":null}`,
		`{"unique_key":"3","created_date":"yesterday"}`,
		`{"unique_key":"4"}`,
		`{"unique_key":"5","created_date":"2025-03-01T00:00:00.000"}`,
	), runDate)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if res.Dropped != 3 {
		t.Errorf("dropped = %d, want 3", res.Dropped)
	}
	if res.Rows != 2 {
		t.Errorf("rows = %d, want 2", res.Rows)
	}
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if res.MaxCreatedDate == nil || !res.MaxCreatedDate.Equal(want) {
		t.Errorf("MaxCreatedDate = %v, want %v", res.MaxCreatedDate, want)
	}
}

func TestTransform_AllInvalidWritesNothing(t *testing.T) {
	bucket := blob.NewMemoryBucket("processed")
	tr := NewTransformer(bucket)

	res, err := tr.Transform(context.Background(), raw(
		`{"unique_key":"1","created_date":"n/a"}`,
		`{"unique_key":"2"}`,
	), runDate)
	if err != nil {
		t.Fatalf("Transform should not fail: %v", err)
	}
	if len(res.Partitions) != 0 {
		t.Errorf("partitions = %d, want 0", len(res.Partitions))
	}
	if res.MaxCreatedDate != nil {
		t.Errorf("MaxCreatedDate = %v, want nil", res.MaxCreatedDate)
	}
	if res.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", res.Dropped)
	}
	if keys := bucket.Keys(); len(keys) != 0 {
		t.Errorf("unexpected objects: %v", keys)
	}
}

func TestTransform_SameDayRerunOverwrites(t *testing.T) {
	bucket := blob.NewMemoryBucket("processed")
	tr := NewTransformer(bucket)
	ctx := context.Background()

	if _, err := tr.Transform(ctx, raw(
		`{"unique_key":"1","created_date":"2025-01-10T12:00:00.000"}`,
		`{"unique_key":"2","created_date":"2025-01-11T12:00:00.000"}`,
	), runDate); err != nil {
		t.Fatalf("first Transform failed: %v", err)
	}
	res, err := tr.Transform(ctx, raw(`{"unique_key":"3","created_date":"2025-01-12T12:00:00.000"}`), runDate)
	if err != nil {
		t.Fatalf("second Transform failed: %v", err)
	}

	if keys := bucket.Keys(); len(keys) != 1 {
		t.Fatalf("keys = %v, want a single partition object", keys)
	}
	data, _ := bucket.Get(ctx, res.Partitions[0].Key)
	if tbl := readTable(t, data); tbl.NumRows() != 1 {
		t.Errorf("rows = %d, want 1 after overwrite", tbl.NumRows())
	}
}

type failingBucket struct{ err error }

func (b failingBucket) Name() string { return "broken" }
func (b failingBucket) Put(context.Context, string, []byte, string) error {
	return b.err
}
func (b failingBucket) Get(context.Context, string) ([]byte, error) {
	return nil, b.err
}

func TestTransform_StorageFailureIsError(t *testing.T) {
	boom := errors.New("storage unavailable")
	tr := NewTransformer(failingBucket{err: boom})

	res, err := tr.Transform(context.Background(), raw(`{"unique_key":"1","created_date":"2025-01-10T12:00:00.000"}`), runDate)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if res.MaxCreatedDate != nil {
		t.Errorf("failed transform must not report a max date")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2025-01-15T10:00:00.000", time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), true},
		{"2025-01-15T10:00:00", time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), true},
		{"2025-01-15 10:00:00", time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), true},
		{"2025-01-15T10:00:00-05:00", time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC), true},
		{"2025-01-15", time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"15/01/2025", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalize_FlattensScalars(t *testing.T) {
	tbl := normalize(raw(`{"created_date":"2025-01-10T00:00:00","count":3,"flag":true,"tags":["a","b"],"empty":null}`))
	if len(tbl.rows) != 1 {
		t.Fatalf("rows = %d", len(tbl.rows))
	}
	row := tbl.rows[0]
	want := []any{nil, "3", "true", `["a","b"]`, nil}
	for i := 1; i < len(want); i++ {
		if row[i] != want[i] {
			t.Errorf("%s = %#v, want %#v", tbl.columns[i].name, row[i], want[i])
		}
	}
}

type stalledBucket struct{}

func (stalledBucket) Name() string { return "stalled" }
func (stalledBucket) Put(ctx context.Context, _ string, _ []byte, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stalledBucket) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransform_StalledUploadTimesOut(t *testing.T) {
	tr := NewTransformer(blob.WithTimeout(stalledBucket{}, 20*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Transform(context.Background(), raw(
			`{"unique_key":"1","created_date":"2025-01-10T12:00:00.000"}`,
			`{"unique_key":"2","created_date":"2024-11-10T12:00:00.000"}`,
		), runDate)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want DeadlineExceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Transform blocked on a stalled upload")
	}
}
