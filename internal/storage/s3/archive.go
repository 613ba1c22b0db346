package s3

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	pipeerrors "eli-pipeline/internal/errors"
	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/sidechannel"
)

// Image decoding errors.
var (
	ErrEmptyImage       = errors.New("empty image data")
	ErrInvalidBase64    = errors.New("invalid base64 image data")
	ErrInvalidDataURI   = errors.New("invalid data URI")
	ErrUnsupportedImage = errors.New("invalid image file")
	ErrImageTooLarge    = errors.New("image exceeds size limit")
)

// Skip reasons.
const (
	SkipDisabled = "disabled"
	SkipNoImage  = "no_image"
)

const (
	purgePageSize     = 100
	purgeDeleteSize   = 100
	purgeSampleSize   = 10
	autoPurgeBatches  = 2
	autoPurgeMargin   = 20 * time.Second
	autoPurgeInterval = 500 * time.Millisecond
	suffixAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

// Image is a decoded inline image.
type Image struct {
	ContentType string
	Data        []byte
}

// DecodeImage accepts a data URI or bare base64 (taken as PNG) and returns
// the decoded bytes. The bytes must look like an image.
func DecodeImage(image string, maxBytes int) (*Image, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, ErrEmptyImage
	}

	contentType := "image/png"
	payload := image
	if strings.HasPrefix(image, "data:") {
		header, data, ok := strings.Cut(image[len("data:"):], ",")
		if !ok {
			return nil, ErrInvalidDataURI
		}
		mime, params, _ := strings.Cut(header, ";")
		if !strings.Contains(params, "base64") {
			return nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURI)
		}
		contentType = strings.ToLower(strings.TrimSpace(mime))
		payload = data
	}

	if _, ok := extensions[contentType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, contentType)
	}

	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, payload)

	enc := base64.StdEncoding
	if !strings.HasSuffix(payload, "=") && len(payload)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}
	if sniffed := http.DetectContentType(data); !strings.HasPrefix(sniffed, "image/") {
		return nil, ErrUnsupportedImage
	}

	return &Image{ContentType: contentType, Data: data}, nil
}

// ArchiveResult is the outcome of archiving one image.
type ArchiveResult struct {
	URL     string
	Key     string
	Skipped bool
	Reason  string
}

// Archiver stores snapshot images and enforces retention.
type Archiver struct {
	client  *Client
	config  *Config
	logger  *slog.Logger
	runner  *sidechannel.Runner
	limiter *rate.Limiter
	purging atomic.Bool
	// resume is where the next background purge continues; guarded by purging.
	resume string
	now    func() time.Time
	suffix func() string
}

// NewArchiver creates an archiver. client may be nil when archival is disabled.
func NewArchiver(client *Client, cfg *Config, runner *sidechannel.Runner, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = sidechannel.New(sidechannel.DefaultConfig(), logger)
	}
	return &Archiver{
		client:  client,
		config:  cfg,
		logger:  logger,
		runner:  runner,
		limiter: rate.NewLimiter(rate.Every(autoPurgeInterval), 1),
		now:     time.Now,
		suffix:  randomSuffix,
	}
}

// Enabled reports whether images are archived.
func (a *Archiver) Enabled() bool {
	return a != nil && a.config.Enabled && a.client != nil
}

// Archive stores the image of one snapshot under
// <folder>/<eventID>_<type|snap>_<suffix>.
func (a *Archiver) Archive(ctx context.Context, eventID, snapshotType, image string) (ArchiveResult, error) {
	if snapshotType == "" {
		snapshotType = "snap"
	}
	return a.ArchiveAs(ctx, fmt.Sprintf("%s_%s_%s", eventID, snapshotType, a.suffix()), image)
}

// ArchiveAs stores an image under <folder>/<publicID><ext>, overwriting any
// previous object.
func (a *Archiver) ArchiveAs(ctx context.Context, publicID, image string) (ArchiveResult, error) {
	if !a.Enabled() {
		metrics.ImagesArchivedTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return ArchiveResult{Skipped: true, Reason: SkipDisabled}, nil
	}
	if image == "" {
		metrics.ImagesArchivedTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return ArchiveResult{Skipped: true, Reason: SkipNoImage}, nil
	}

	img, err := DecodeImage(image, a.config.MaxImageBytes)
	if err != nil {
		metrics.ImagesArchivedTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return ArchiveResult{}, &pipeerrors.ImageUploadError{Key: publicID, Err: err}
	}

	key := a.config.prefix() + publicID + extensions[img.ContentType]

	uploadCtx := ctx
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	if _, err := a.client.Upload(uploadCtx, &UploadInput{
		Key:         key,
		Body:        img.Data,
		ContentType: img.ContentType,
	}); err != nil {
		metrics.ImagesArchivedTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return ArchiveResult{}, &pipeerrors.ImageUploadError{Key: publicID, Err: err}
	}
	metrics.ImagesArchivedTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()

	if a.config.RetentionDays > 0 {
		a.triggerRetention()
	}

	return ArchiveResult{URL: a.URL(key), Key: key}, nil
}

// URL returns the canonical URL of key.
func (a *Archiver) URL(key string) string {
	switch {
	case a.config.PublicBaseURL != "":
		return strings.TrimRight(a.config.PublicBaseURL, "/") + "/" + key
	case a.config.Endpoint != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.config.Endpoint, "/"), a.config.Bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.config.Bucket, a.config.Region, key)
	}
}

// triggerRetention starts one small background purge unless one is running.
func (a *Archiver) triggerRetention() {
	if !a.purging.CompareAndSwap(false, true) {
		a.runner.Skip("image_purge", "already running")
		return
	}
	started := a.runner.Go("image_purge", func(ctx context.Context) error {
		defer a.purging.Store(false)
		res, err := a.Purge(ctx, PurgeOptions{Days: a.config.RetentionDays, MaxBatches: 1, Cursor: a.resume})
		if err != nil {
			a.resume = ""
			return err
		}
		a.resume = res.Cursor
		if res.Deleted > 0 {
			a.logger.Info("background purge deleted old images", "deleted", res.Deleted, "retention_days", a.config.RetentionDays)
		}
		return nil
	})
	if !started {
		a.purging.Store(false)
	}
}

// PurgeOptions selects images for deletion.
type PurgeOptions struct {
	Days       int    `json:"days"`
	DryRun     bool   `json:"dry_run"`
	MaxBatches int    `json:"max_batches"`
	Cursor     string `json:"cursor,omitempty"`
}

// PurgeResult reports one purge invocation.
type PurgeResult struct {
	Deleted int      `json:"deleted"`
	Total   int      `json:"total"`
	Sample  []string `json:"sample"`
	DryRun  bool     `json:"dryRun"`
	HasMore bool     `json:"hasMore"`
	Cursor  string   `json:"cursor,omitempty"`
}

// Purge deletes archived images last modified more than Days ago. It scans at
// most MaxBatches listing pages of 100 keys, starting at Cursor or at the
// start of the folder when Cursor is empty. When the listing was cut short,
// HasMore is set and Cursor holds the point to continue from.
func (a *Archiver) Purge(ctx context.Context, opts PurgeOptions) (*PurgeResult, error) {
	if !a.Enabled() {
		return nil, errors.New("s3: image archival is disabled")
	}
	if opts.MaxBatches < 1 {
		opts.MaxBatches = 1
	}

	cutoff := a.now().AddDate(0, 0, -opts.Days)
	prefix := a.config.prefix()

	var toDelete []string
	token := opts.Cursor
	hasMore := false
	for pages := 0; pages < opts.MaxBatches; pages++ {
		page, err := a.client.ListPage(ctx, prefix, token, purgePageSize)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			if obj.LastModified.Before(cutoff) {
				toDelete = append(toDelete, obj.Key)
			}
		}
		token = page.NextToken
		hasMore = token != ""
		if !hasMore {
			break
		}
	}

	res := &PurgeResult{
		Total:   len(toDelete),
		Sample:  append([]string{}, toDelete[:min(len(toDelete), purgeSampleSize)]...),
		HasMore: hasMore,
		Cursor:  token,
	}
	if opts.DryRun || len(toDelete) == 0 {
		res.DryRun = true
		return res, nil
	}

	for i := 0; i < len(toDelete); i += purgeDeleteSize {
		batch := toDelete[i:min(i+purgeDeleteSize, len(toDelete))]
		if err := a.client.DeleteBatch(ctx, batch); err != nil {
			a.logger.Error("failed to delete image batch", "size", len(batch), "error", err)
			continue
		}
		res.Deleted += len(batch)
	}
	metrics.ImagesPurgedTotal.Add(float64(res.Deleted))

	return res, nil
}

// PurgeProgress is reported after every auto-purge round.
type PurgeProgress struct {
	Batch        int  `json:"batch"`
	Deleted      int  `json:"deleted"`
	TotalDeleted int  `json:"totalDeleted"`
	HasMore      bool `json:"hasMore"`
	TimeElapsed  int  `json:"timeElapsed"`
}

// AutoPurgeResult summarizes an auto-purge run.
type AutoPurgeResult struct {
	TotalDeleted int  `json:"totalDeleted"`
	BatchesRun   int  `json:"batchesRun"`
	TimeElapsed  int  `json:"timeElapsed"`
	Completed    bool `json:"completed"`
}

// AutoPurge walks the whole folder in rounds, each continuing at the cursor
// the previous one returned, until the listing is exhausted or maxTime minus
// a 20 second margin has passed. Rounds are paced at one per 500ms.
func (a *Archiver) AutoPurge(ctx context.Context, days int, maxTime time.Duration, progress func(PurgeProgress)) (*AutoPurgeResult, error) {
	start := a.now()
	res := &AutoPurgeResult{}
	hasMore := true
	cursor := ""

	for hasMore {
		elapsed := a.now().Sub(start)
		if elapsed > maxTime-autoPurgeMargin {
			a.logger.Info("auto-purge stopping near time limit", "elapsed", elapsed)
			break
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return res, err
		}

		round, err := a.Purge(ctx, PurgeOptions{Days: days, MaxBatches: autoPurgeBatches, Cursor: cursor})
		if err != nil {
			return res, err
		}
		res.TotalDeleted += round.Deleted
		res.BatchesRun++
		hasMore = round.HasMore
		cursor = round.Cursor

		if progress != nil {
			progress(PurgeProgress{
				Batch:        res.BatchesRun,
				Deleted:      round.Deleted,
				TotalDeleted: res.TotalDeleted,
				HasMore:      hasMore,
				TimeElapsed:  int(elapsed.Seconds()),
			})
		}

		a.logger.Info("auto-purge round",
			"batch", res.BatchesRun,
			"deleted", round.Deleted,
			"total_deleted", res.TotalDeleted,
			"has_more", hasMore,
		)
	}

	res.TimeElapsed = int(a.now().Sub(start).Seconds())
	res.Completed = !hasMore
	return res, nil
}

func randomSuffix() string {
	var b strings.Builder
	limit := big.NewInt(int64(len(suffixAlphabet)))
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte(suffixAlphabet[i])
			continue
		}
		b.WriteByte(suffixAlphabet[n.Int64()])
	}
	return b.String()
}
