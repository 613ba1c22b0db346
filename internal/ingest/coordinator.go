package ingest

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	pipeerrors "eli-pipeline/internal/errors"
	"eli-pipeline/internal/graph"
	"eli-pipeline/internal/jobs"
	"eli-pipeline/internal/schema"
	"eli-pipeline/internal/sidechannel"
	"eli-pipeline/internal/storage/relational"
	"eli-pipeline/internal/storage/s3"
)

// Side channel operation names.
const (
	opGraphProject = "graph_project"
	opPublishJob   = "publish_job"
)

// EventStore is the authoritative relational store.
type EventStore interface {
	UpsertEvent(ctx context.Context, e *schema.Event) error
	InsertEventIgnore(ctx context.Context, e *schema.Event) error
	InsertSnapshots(ctx context.Context, rows []relational.Snapshot) error
	AttachSnapshotImage(ctx context.Context, id, imageURL string) error
}

// ImageArchiver stores inline snapshot images.
type ImageArchiver interface {
	Archive(ctx context.Context, eventID, snapshotType, image string) (s3.ArchiveResult, error)
	ArchiveAs(ctx context.Context, publicID, image string) (s3.ArchiveResult, error)
}

// Result is the outcome of one processed event.
type Result struct {
	ID        string `json:"id"`
	Snapshots int    `json:"snapshots"`
}

// Coordinator writes one normalized event to every store in order:
// archive, relational upsert, snapshot rows, graph, job publish. Only
// archive and relational failures reach the caller.
type Coordinator struct {
	store     EventStore
	archiver  ImageArchiver
	graph     graph.Writer
	publisher jobs.Publisher
	runner    *sidechannel.Runner
	logger    *slog.Logger
	newID     func() string
}

// NewCoordinator creates a Coordinator. Any dependency may be nil, in which
// case its step is skipped; mock mode builds the coordinator that way.
func NewCoordinator(store EventStore, archiver ImageArchiver, g graph.Writer, publisher jobs.Publisher, runner *sidechannel.Runner, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = sidechannel.New(sidechannel.DefaultConfig(), logger)
	}
	return &Coordinator{
		store:     store,
		archiver:  archiver,
		graph:     g,
		publisher: publisher,
		runner:    runner,
		logger:    logger,
		newID:     func() string { return uuid.NewString() },
	}
}

// Process handles one nested event. An *ImageUploadError means the item
// failed on its own; an *AuthoritativeStoreError must fail the request.
func (c *Coordinator) Process(ctx context.Context, e *schema.Event) (Result, error) {
	if e.Shape == schema.ShapeLegacy {
		return c.ProcessLegacy(ctx, e)
	}

	urls := make([]string, len(e.Snapshots))
	for i, snap := range e.Snapshots {
		if !snap.HasImage() || c.archiver == nil {
			continue
		}
		res, err := c.archiver.Archive(ctx, e.ID, snap.Type, snap.Image)
		if err != nil {
			return Result{}, err
		}
		urls[i] = res.URL
	}

	if c.store != nil {
		if err := c.store.UpsertEvent(ctx, e); err != nil {
			return Result{}, &pipeerrors.AuthoritativeStoreError{Op: "upsert event", Err: err}
		}

		rows := make([]relational.Snapshot, 0, len(e.Snapshots))
		for i, snap := range e.Snapshots {
			rows = append(rows, relational.Snapshot{
				ID:       c.newID(),
				EventID:  &e.ID,
				Type:     optional(snap.Type),
				Path:     optional(snap.Path),
				ImageURL: optional(urls[i]),
			})
		}
		if err := c.store.InsertSnapshots(ctx, rows); err != nil {
			return Result{}, &pipeerrors.AuthoritativeStoreError{Op: "insert snapshots", Err: err}
		}
	}

	images := make([]graph.Image, 0, len(e.Snapshots))
	for i, snap := range e.Snapshots {
		images = append(images, graph.Image{Type: snap.Type, Path: snap.Path, URL: urls[i]})
	}
	c.project(ctx, e.ID, graph.ProjectEvent(e, images))

	payload := jobs.Payload{
		Event:  jobs.EventRef{ID: e.ID, ChannelID: e.Channel.ID, StartTime: e.StartTime},
		Images: []string{},
	}
	for _, u := range urls {
		if u != "" {
			payload.Images = append(payload.Images, u)
		}
	}
	c.publish(payload)

	return Result{ID: e.ID, Snapshots: len(e.Snapshots)}, nil
}

// ProcessLegacy handles one flat legacy event. The event row is inserted
// only once; its snapshot rows are pre-created with their type so a later
// upload can attach the image.
func (c *Coordinator) ProcessLegacy(ctx context.Context, e *schema.Event) (Result, error) {
	if c.store != nil {
		if err := c.store.InsertEventIgnore(ctx, e); err != nil {
			return Result{}, &pipeerrors.AuthoritativeStoreError{Op: "insert event", Err: err}
		}
		rows := make([]relational.Snapshot, 0, len(e.Snapshots))
		for _, snap := range e.Snapshots {
			rows = append(rows, relational.Snapshot{
				ID:      snap.ID,
				EventID: &e.ID,
				Type:    optional(snap.Type),
			})
		}
		if err := c.store.InsertSnapshots(ctx, rows); err != nil {
			return Result{}, &pipeerrors.AuthoritativeStoreError{Op: "insert snapshots", Err: err}
		}
	}

	c.project(ctx, e.ID, graph.ProjectLegacyEvent(e))
	c.publish(jobs.Payload{
		Event:  jobs.EventRef{ID: e.ID, ChannelID: e.Channel.ID, StartTime: e.StartTime},
		Images: []string{},
	})

	return Result{ID: e.ID, Snapshots: len(e.Snapshots)}, nil
}

// AttachSnapshot archives a standalone legacy upload under its snapshot id
// and records the URL on the snapshot row and Image node.
func (c *Coordinator) AttachSnapshot(ctx context.Context, up *schema.SnapshotUpload) error {
	var url string
	if c.archiver != nil {
		res, err := c.archiver.ArchiveAs(ctx, up.ID, up.Snapshot)
		if err != nil {
			return err
		}
		url = res.URL
	}

	if c.store != nil {
		if err := c.store.AttachSnapshotImage(ctx, up.ID, url); err != nil {
			return &pipeerrors.AuthoritativeStoreError{Op: "attach snapshot", Err: err}
		}
	}

	c.project(ctx, up.ID, graph.ProjectImage("", graph.Image{ID: up.ID, URL: url}))
	return nil
}

func (c *Coordinator) project(ctx context.Context, id string, b *graph.Batch) {
	if c.graph == nil {
		c.runner.Skip(opGraphProject, "disabled")
		return
	}
	if b.Empty() {
		c.runner.Skip(opGraphProject, "empty")
		return
	}
	err := c.runner.Do(ctx, opGraphProject, func(ctx context.Context) error {
		return c.graph.Apply(ctx, b)
	})
	if err != nil {
		err = &pipeerrors.SecondaryStoreError{Store: "graph", Op: "project", Err: err}
		c.logger.Warn("graph projection failed", "id", id, "error", pipeerrors.SanitizeError(err))
	}
}

// publish hands the job to the side channel and returns at once. The enqueue
// runs under the runner's own deadline, so a slow or unreachable broker never
// delays the response; a saturated runner drops the job.
func (c *Coordinator) publish(p jobs.Payload) {
	if c.publisher == nil {
		c.runner.Skip(opPublishJob, jobs.ReasonDisabled)
		return
	}
	if c.publisher.Backend() == jobs.BackendNone {
		// A no-op publisher answers at once with its skip reason.
		c.runner.Skip(opPublishJob, c.publisher.Publish(context.Background(), p).Reason)
		return
	}
	publisher := c.publisher
	dispatched := c.runner.Go(opPublishJob, func(ctx context.Context) error {
		res := publisher.Publish(ctx, p)
		switch {
		case res.Err != nil:
			return &pipeerrors.EnqueueError{Backend: publisher.Backend(), Err: res.Err}
		case res.Skipped:
			return sidechannel.Skipped(res.Reason)
		}
		c.logger.Debug("enrichment job published", "event_id", p.Event.ID, "message_id", res.MessageID)
		return nil
	})
	if !dispatched {
		c.logger.Warn("enrichment job dropped, side channel saturated", "event_id", p.Event.ID)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
