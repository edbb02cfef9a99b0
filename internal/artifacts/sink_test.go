package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

var ts = time.Date(2026, 1, 12, 10, 30, 5, 0, time.UTC)

func TestKeys(t *testing.T) {
	assert.Equal(t, "snapshots/scan_20260112T103005Z.json", SnapshotKey(ts))
	assert.Equal(t, "reports/reject_histogram_20260112T103005Z.json", HistogramKey(ts))
	assert.Equal(t, "reports/truth_report_20260112T103005Z.json", TruthReportKey(ts))
	assert.Equal(t, "tape/quotes_20260112T103005Z.parquet", TapeKey(ts))
	assert.Equal(t, "paper/paper_x.jsonl", LedgerKey("paper_x"))
}

func TestFileSinkPut(t *testing.T) {
	fs, err := NewFileSink(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, WriteJSON(ctx, fs, "reports/a.json", map[string]int{"n": 1}))

	b, err := os.ReadFile(fs.Path("reports/a.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"n\": 1\n}\n", string(b))

	// overwrite in place, no temp files left behind
	require.NoError(t, fs.Put(ctx, "reports/a.json", []byte("x"), ContentTypeJSON))
	entries, err := os.ReadDir(filepath.Join(fs.Root(), "reports"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.json", entries[0].Name())
}

func TestFileSinkRejectsBadKeys(t *testing.T) {
	fs, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, fs.Put(ctx, "", []byte("x"), ContentTypeJSON))
	assert.Error(t, fs.Put(ctx, "../escape.json", []byte("x"), ContentTypeJSON))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, fs.Put(cancelled, "ok.json", []byte("x"), ContentTypeJSON), context.Canceled)
}

type failingSink struct{ err error }

func (f failingSink) Put(context.Context, string, []byte, string) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	fs, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	boom := errors.New("boom")

	err = Multi{failingSink{boom}, fs}.Put(context.Background(), "k.json", []byte("{}"), ContentTypeJSON)
	require.ErrorIs(t, err, boom)
	// the healthy sink still got the artifact
	_, statErr := os.Stat(fs.Path("k.json"))
	assert.NoError(t, statErr)

	assert.NoError(t, Multi{fs}.Put(context.Background(), "k2.json", []byte("{}"), ContentTypeJSON))
}

func TestS3SinkPut(t *testing.T) {
	api := newFakeS3()
	sink := newS3Sink(api, "bucket", "/scanner/")

	require.NoError(t, sink.Put(context.Background(), TruthReportKey(ts), []byte(`{"ok":true}`), ContentTypeJSON))

	body, ok := api.objects["bucket/scanner/reports/truth_report_20260112T103005Z.json"]
	require.True(t, ok)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, ContentTypeJSON, api.types["scanner/reports/truth_report_20260112T103005Z.json"])

	api.err = errors.New("denied")
	err := sink.Put(context.Background(), "x.json", []byte("{}"), ContentTypeJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner/x.json")
}

func TestS3SinkUploadFile(t *testing.T) {
	api := newFakeS3()
	sink := newS3Sink(api, "bucket", "")

	p := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(p, []byte("{\"a\":1}\n"), 0o644))

	require.NoError(t, sink.UploadFile(context.Background(), LedgerKey("s1"), p, ContentTypeJSONL))
	assert.Equal(t, "{\"a\":1}\n", string(api.objects["bucket/paper/s1.jsonl"]))

	assert.Error(t, sink.UploadFile(context.Background(), "k", filepath.Join(t.TempDir(), "missing"), ContentTypeJSONL))
}

func TestNewS3SinkValidation(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket")
	_, err = NewS3Sink(context.Background(), S3Config{Bucket: "b"})
	assert.ErrorContains(t, err, "region")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://minio.internal", normaliseEndpoint("minio.internal", true))
	assert.Equal(t, "http://already:9000", normaliseEndpoint("http://already:9000", true))
}
