package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	pipeerrors "eli-pipeline/internal/errors"
)

const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

// fakeAPI is an in-memory bucket.
type fakeAPI struct {
	mu        sync.Mutex
	objects   map[string]fakeObject
	putErr    error
	deleteErr error
	puts      int
	deletes   int
}

type fakeObject struct {
	body         []byte
	contentType  string
	lastModified time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string]fakeObject)}
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, contentType: aws.ToString(in.ContentType), lastModified: time.Now()}
	return &s3.PutObjectOutput{ETag: aws.String("etag")}, nil
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// Tokens name the last key returned, so deletes behind them do not shift pages.
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.Search(len(keys), func(i int) bool { return keys[i] > tok })
	}
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit == 0 {
		limit = 1000
	}
	end := min(start+limit, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.body))),
			LastModified: aws.Time(obj.lastModified),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func (f *fakeAPI) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeAPI) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) seed(prefix, name string, n int, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s%s_%04d.png", prefix, name, i)
		f.objects[key] = fakeObject{lastModified: time.Now().Add(-age)}
	}
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newTestArchiver(api *fakeAPI, mutate func(*Config)) *Archiver {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Bucket = "snaps"
	cfg.Folder = "eli/events"
	if mutate != nil {
		mutate(cfg)
	}
	a := NewArchiver(NewClientWithAPI(api, cfg, nil), cfg, nil, nil)
	a.suffix = func() string { return "abc123" }
	return a
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "disabled config skips checks",
			modify:  func(c *Config) { c.Bucket = "" },
			wantErr: false,
		},
		{
			name:    "valid enabled config",
			modify:  func(c *Config) { c.Enabled = true },
			wantErr: false,
		},
		{
			name:    "enabled without bucket",
			modify:  func(c *Config) { c.Enabled = true; c.Bucket = "" },
			wantErr: true,
		},
		{
			name:    "negative retention",
			modify:  func(c *Config) { c.Enabled = true; c.RetentionDays = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeImage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantCT  string
		wantErr error
	}{
		{"data uri", "data:image/png;base64," + tinyPNG, "image/png", nil},
		{"bare base64 is png", tinyPNG, "image/png", nil},
		{"truncated png header", "iVBORw0KGgoAAAANSUhEUgAAAAgAAAAIAQMAAAD+wSzI", "image/png", nil},
		{"empty", "", "", ErrEmptyImage},
		{"not base64", "!!!not-base64!!!", "", ErrInvalidBase64},
		{"not an image", "aGVsbG8gd29ybGQ=", "", ErrUnsupportedImage},
		{"unsupported mime", "data:text/plain;base64,aGVsbG8=", "", ErrUnsupportedImage},
		{"missing comma", "data:image/png;base64", "", ErrInvalidDataURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := DecodeImage(tt.input, 0)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeImage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeImage() error = %v", err)
			}
			if img.ContentType != tt.wantCT {
				t.Errorf("ContentType = %q, want %q", img.ContentType, tt.wantCT)
			}
		})
	}

	if _, err := DecodeImage(tinyPNG, 10); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("expected size limit error, got %v", err)
	}
}

func TestArchive(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)

	res, err := a.Archive(context.Background(), "evt-1", "FULLSCREEN", "data:image/png;base64,"+tinyPNG)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	wantKey := "eli/events/evt-1_FULLSCREEN_abc123.png"
	if res.Key != wantKey {
		t.Errorf("Key = %q, want %q", res.Key, wantKey)
	}
	if res.URL != "https://snaps.s3.us-east-1.amazonaws.com/"+wantKey {
		t.Errorf("URL = %q", res.URL)
	}
	if obj, ok := api.objects[wantKey]; !ok || obj.contentType != "image/png" {
		t.Errorf("expected object stored with content type, got %+v", obj)
	}

	res, err = a.Archive(context.Background(), "evt-1", "", tinyPNG)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.Contains(res.Key, "evt-1_snap_abc123") {
		t.Errorf("expected snap placeholder in key, got %q", res.Key)
	}
}

func TestArchive_Skips(t *testing.T) {
	api := newFakeAPI()

	disabled := newTestArchiver(api, func(c *Config) { c.Enabled = false })
	res, err := disabled.Archive(context.Background(), "evt", "THUMBNAIL", tinyPNG)
	if err != nil || !res.Skipped || res.Reason != SkipDisabled {
		t.Errorf("disabled archive = %+v, %v", res, err)
	}

	enabled := newTestArchiver(api, nil)
	res, err = enabled.Archive(context.Background(), "evt", "THUMBNAIL", "")
	if err != nil || !res.Skipped || res.Reason != SkipNoImage {
		t.Errorf("empty image archive = %+v, %v", res, err)
	}

	if api.puts != 0 {
		t.Errorf("expected no uploads, got %d", api.puts)
	}
}

func TestArchive_Errors(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)

	_, err := a.Archive(context.Background(), "evt", "FULLSCREEN", "@@@")
	var iue *pipeerrors.ImageUploadError
	if !errors.As(err, &iue) {
		t.Fatalf("expected ImageUploadError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidBase64) {
		t.Errorf("expected base64 cause, got %v", err)
	}

	api.putErr = errors.New("connection reset")
	_, err = a.Archive(context.Background(), "evt", "FULLSCREEN", tinyPNG)
	if !errors.As(err, &iue) {
		t.Fatalf("expected ImageUploadError on upload failure, got %v", err)
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"virtual host", nil, "https://snaps.s3.us-east-1.amazonaws.com/k.png"},
		{"path style endpoint", func(c *Config) { c.Endpoint = "http://minio:9000/" }, "http://minio:9000/snaps/k.png"},
		{"public base", func(c *Config) { c.PublicBaseURL = "https://cdn.example.com/" }, "https://cdn.example.com/k.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestArchiver(newFakeAPI(), tt.mutate)
			if got := a.URL("k.png"); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)

	api.seed("eli/events/", "old", 150, 10*24*time.Hour)
	api.seed("eli/events/", "recent", 5, time.Hour)
	api.seed("other/", "old", 3, 10*24*time.Hour)

	dry, err := a.Purge(context.Background(), PurgeOptions{Days: 7, DryRun: true, MaxBatches: 2})
	if err != nil {
		t.Fatalf("Purge(dry) error = %v", err)
	}
	if !dry.DryRun || dry.Total != 150 || dry.Deleted != 0 || len(dry.Sample) != 10 {
		t.Errorf("dry run = %+v", dry)
	}
	if api.count() != 158 {
		t.Fatalf("dry run deleted objects")
	}

	one, err := a.Purge(context.Background(), PurgeOptions{Days: 7, MaxBatches: 1})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if one.Deleted != 100 || !one.HasMore {
		t.Errorf("single batch purge = %+v, want 100 deleted with more", one)
	}

	rest, err := a.Purge(context.Background(), PurgeOptions{Days: 7, MaxBatches: 2})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if rest.Deleted != 50 || rest.HasMore {
		t.Errorf("second purge = %+v, want 50 deleted and done", rest)
	}
	if api.count() != 8 {
		t.Errorf("remaining objects = %d, want 8", api.count())
	}
}

func TestPurge_CursorReachesKeysPastFirstPages(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)
	api.seed("eli/events/", "a-recent", 250, time.Hour)
	api.seed("eli/events/", "z-old", 50, 30*24*time.Hour)

	first, err := a.Purge(context.Background(), PurgeOptions{Days: 7, MaxBatches: 2})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if first.Deleted != 0 || !first.HasMore || first.Cursor == "" {
		t.Fatalf("first purge = %+v, want nothing deleted and a cursor", first)
	}

	// Starting over never gets past the recent keys.
	again, err := a.Purge(context.Background(), PurgeOptions{Days: 7, MaxBatches: 2})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if again.Deleted != 0 {
		t.Fatalf("restarted purge deleted %d", again.Deleted)
	}

	next, err := a.Purge(context.Background(), PurgeOptions{Days: 7, MaxBatches: 2, Cursor: first.Cursor})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if next.Deleted != 50 || next.HasMore || next.Cursor != "" {
		t.Errorf("resumed purge = %+v, want 50 deleted and done", next)
	}
	if api.count() != 250 {
		t.Errorf("remaining objects = %d, want 250", api.count())
	}
}

func TestPurge_DeleteFailureSkipsBatch(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)
	api.seed("eli/events/", "old", 20, 10*24*time.Hour)
	api.deleteErr = errors.New("throttled")

	res, err := a.Purge(context.Background(), PurgeOptions{Days: 7})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if res.Deleted != 0 || res.Total != 20 || res.DryRun {
		t.Errorf("purge = %+v, want nothing deleted", res)
	}
}

func TestAutoPurge(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)
	api.seed("eli/events/", "old", 450, 30*24*time.Hour)

	var rounds []PurgeProgress
	res, err := a.AutoPurge(context.Background(), 7, time.Minute, func(p PurgeProgress) {
		rounds = append(rounds, p)
	})
	if err != nil {
		t.Fatalf("AutoPurge() error = %v", err)
	}
	if res.TotalDeleted != 450 || !res.Completed {
		t.Errorf("AutoPurge() = %+v, want 450 deleted and completed", res)
	}
	if len(rounds) != res.BatchesRun || res.BatchesRun != 3 {
		t.Errorf("rounds = %d, batches = %d, want 3", len(rounds), res.BatchesRun)
	}
	if api.count() != 0 {
		t.Errorf("remaining objects = %d", api.count())
	}
}

func TestAutoPurge_ContinuesPastEmptyRounds(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)
	api.seed("eli/events/", "a-recent", 250, time.Hour)
	api.seed("eli/events/", "z-old", 50, 30*24*time.Hour)

	res, err := a.AutoPurge(context.Background(), 7, time.Minute, nil)
	if err != nil {
		t.Fatalf("AutoPurge() error = %v", err)
	}
	if res.TotalDeleted != 50 || !res.Completed || res.BatchesRun != 2 {
		t.Errorf("AutoPurge() = %+v, want 50 deleted over 2 rounds", res)
	}
	if api.count() != 250 {
		t.Errorf("remaining objects = %d, want 250", api.count())
	}
}

func TestAutoPurge_TimeBudget(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, nil)
	api.seed("eli/events/", "old", 10, 30*24*time.Hour)

	// A budget inside the safety margin runs no rounds.
	res, err := a.AutoPurge(context.Background(), 7, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("AutoPurge() error = %v", err)
	}
	if res.BatchesRun != 0 || res.Completed {
		t.Errorf("AutoPurge() = %+v, want no rounds", res)
	}
}

func TestBackgroundRetention(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, func(c *Config) { c.RetentionDays = 7 })
	api.seed("eli/events/", "old", 5, 30*24*time.Hour)

	if _, err := a.Archive(context.Background(), "evt", "FULLSCREEN", tinyPNG); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.runner.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if api.count() != 1 {
		t.Errorf("remaining objects = %d, want only the new upload", api.count())
	}
}

func TestBackgroundRetention_ResumesAcrossUploads(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, func(c *Config) { c.RetentionDays = 7 })
	api.seed("eli/events/", "a-recent", 150, time.Hour)
	api.seed("eli/events/", "z-old", 20, 30*24*time.Hour)

	// Each upload purges one page; the second continues where the first stopped.
	for _, id := range []string{"evt-1", "evt-2"} {
		if _, err := a.Archive(context.Background(), id, "FULLSCREEN", tinyPNG); err != nil {
			t.Fatalf("Archive(%s) error = %v", id, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := a.runner.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if api.count() != 152 {
		t.Errorf("remaining objects = %d, want the 150 recent keys and 2 uploads", api.count())
	}
	if a.resume != "" {
		t.Errorf("resume = %q, want empty after reaching the end", a.resume)
	}
}

func TestClientMetricsAndHealth(t *testing.T) {
	api := newFakeAPI()
	cfg := DefaultConfig()
	c := NewClientWithAPI(api, cfg, nil)

	if _, err := c.Upload(context.Background(), &UploadInput{Key: "k", Body: []byte("abc")}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if err := c.DeleteBatch(context.Background(), []string{"k"}); err != nil {
		t.Fatalf("DeleteBatch() error = %v", err)
	}

	m := c.GetMetrics()
	if m.ObjectsUploaded != 1 || m.BytesUploaded != 3 || m.ObjectsDeleted != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if !c.HealthCheck(context.Background()).Healthy {
		t.Error("expected healthy status")
	}
	if err := c.DeleteBatch(context.Background(), make([]string, 1001)); err == nil {
		t.Error("expected oversized batch rejected")
	}
}
