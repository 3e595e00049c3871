package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"qtus/services/notify"
)

const (
	// SubjectOutcomes receives every terminal Outcome.
	SubjectOutcomes = "qtus.uploads.outcomes"
	// SubjectArchived receives an ArchivedEvent for each upload that reached CLEANED.
	SubjectArchived = "qtus.uploads.archived"

	defaultNotifyTimeout = 30 * time.Second
)

// Notifier announces an archived artifact to the backend.
type Notifier interface {
	Dispatch(ctx context.Context, payload notify.Payload) error
}

// Replicator mirrors an archived artifact to secondary storage.
type Replicator interface {
	Replicate(ctx context.Context, project, id, path string) error
}

// Recorder persists outcomes.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome) error
}

// Publisher emits outcome events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// ArchivedEvent is published once an upload has been archived and its originals removed.
type ArchivedEvent struct {
	UploadID     string         `json:"upload_id"`
	Project      string         `json:"project"`
	ArchivePath  string         `json:"archive_path"`
	Metadata     map[string]any `json:"metadata"`
	Notification State          `json:"notification"`
}

// Options wires the orchestrator. FS, UploadDir and Projects are required.
type Options struct {
	FS        afero.Fs
	UploadDir string
	Projects  *ProjectSet

	Notifier      Notifier
	NotifyTimeout time.Duration
	Replicator    Replicator
	Recorder      Recorder
	Publisher     Publisher
	Metrics       *Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Orchestrator sequences resolve, route, archive, notify and cleanup for each finished upload.
// Events for different ids run concurrently; events for the same id are serialized.
type Orchestrator struct {
	fs       afero.Fs
	layout   Layout
	projects *ProjectSet
	resolver *Resolver
	archiver *Archiver
	cleaner  *Cleaner

	notifier      Notifier
	notifyTimeout time.Duration
	replicator    Replicator
	recorder      Recorder
	publisher     Publisher
	metrics       *Metrics
	logger        zerolog.Logger
	now           func() time.Time

	locksMu sync.Mutex
	locks   map[string]*idLock

	inflight sync.WaitGroup
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator validates opts and builds the pipeline stages.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Projects == nil {
		return nil, errors.New("project set is required")
	}
	layout := Layout{Dir: opts.UploadDir}

	resolver, err := NewResolver(opts.FS, layout)
	if err != nil {
		return nil, err
	}
	archiver, err := NewArchiver(opts.FS, layout)
	if err != nil {
		return nil, err
	}
	cleaner, err := NewCleaner(opts.FS, layout)
	if err != nil {
		return nil, err
	}

	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		fs:            opts.FS,
		layout:        layout,
		projects:      opts.Projects,
		resolver:      resolver,
		archiver:      archiver,
		cleaner:       cleaner,
		notifier:      opts.Notifier,
		notifyTimeout: opts.NotifyTimeout,
		replicator:    opts.Replicator,
		recorder:      opts.Recorder,
		publisher:     opts.Publisher,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With().Str("component", "pipeline").Logger(),
		now:           opts.Now,
		locks:         make(map[string]*idLock),
	}, nil
}

// Go processes id in the background. Wait blocks until every such call has finished.
func (o *Orchestrator) Go(id string) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Str("upload_id", id).Interface("panic", r).Msg("pipeline panicked")
			}
		}()
		o.Process(context.Background(), id)
	}()
}

// Wait blocks until all pipelines started with Go have reached a terminal state.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Process runs the pipeline for id to a terminal state. Per-upload failures are reported in
// the returned Outcome. Cancellation of ctx does not interrupt a started pipeline.
func (o *Orchestrator) Process(ctx context.Context, id string) Outcome {
	ctx = context.WithoutCancel(ctx)

	unlock := o.lock(id)
	defer unlock()

	out := Outcome{UploadID: id, StartedAt: o.now().UTC()}
	o.run(ctx, &out)
	out.FinishedAt = o.now().UTC()

	o.finish(ctx, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, out *Outcome) {
	log := o.logger.With().Str("upload_id", out.UploadID).Logger()

	out.enter(StateReceived)
	log.Info().Msg("upload complete")

	rec, err := o.resolver.Resolve(ctx, out.UploadID)
	if err != nil {
		if o.alreadyProcessed(out.UploadID, err) {
			out.enter(StateAlreadyProcessed)
			log.Info().Msg("no artifact or metadata left, upload already processed")
			return
		}
		out.fail(StateMetadataError, err)
		log.Error().Err(err).Msg("reading metadata failed")
		return
	}
	out.enter(StateMetadataRead)

	route, err := o.projects.Route(rec.Metadata)
	switch {
	case errors.Is(err, ErrNoProjectDesignated):
		out.enter(StateNoProject)
		log.Info().Msg("no project key in metadata, leaving upload in place")
		return
	case err != nil:
		out.enter(StateUnroutable)
		out.Project = rec.Metadata.Project
		log.Info().Str("project", rec.Metadata.Project).Msg("project not configured, leaving upload in place")
		return
	}
	out.Project = route.Project.Name
	out.enter(StateRouted)
	log = log.With().Str("project", route.Project.Name).Logger()

	if o.archivedEarlier(rec.ID, route.Project) {
		out.ArchivePath = filepath.Join(route.Project.CompletedDir, rec.ID)
		if err := o.cleaner.Cleanup(ctx, rec.ID); err != nil {
			out.CleanupError = err.Error()
			log.Error().Err(err).Msg("removing leftover metadata failed")
		}
		out.enter(StateAlreadyProcessed)
		log.Info().Str("path", out.ArchivePath).Msg("artifact already archived, leftover metadata removed")
		return
	}

	dst, err := o.archiver.Archive(ctx, &rec, route.Project)
	if err != nil {
		out.fail(StateArchiveFailed, err)
		log.Error().Err(err).Msg("archiving failed, originals retained")
		return
	}
	out.ArchivePath = dst
	out.Metadata = rec.Metadata.Fields()
	out.Size = rec.Size
	if info, err := o.fs.Stat(dst); err == nil {
		out.Size = info.Size()
	}
	out.enter(StateArchived)
	log.Info().Str("path", dst).Str("size", humanize.IBytes(uint64(out.Size))).Msg("artifact archived")

	if o.replicator != nil {
		if err := o.replicator.Replicate(ctx, route.Project.Name, rec.ID, dst); err != nil {
			log.Warn().Err(err).Msg("replicating archive failed")
		}
	}

	notified := o.notify(ctx, log, route, rec, dst)

	if err := o.cleaner.Cleanup(ctx, rec.ID); err != nil {
		out.CleanupError = err.Error()
		log.Error().Err(err).Msg("removing originals failed")
	} else {
		log.Info().Msg("original artifact and metadata deleted")
	}

	out.Notification = <-notified
	out.enter(out.Notification)
	out.enter(StateCleaned)
}

// notify starts the notification branch. The returned channel yields exactly one of
// StateNotified, StateNotifyFailed or StateNotifySkip.
func (o *Orchestrator) notify(ctx context.Context, log zerolog.Logger, route Route, rec UploadRecord, dst string) <-chan State {
	result := make(chan State, 1)

	if !route.Project.Notify {
		result <- StateNotifySkip
		return result
	}
	if o.notifier == nil {
		log.Warn().Msg("project has notifications enabled but no dispatcher is configured")
		result <- StateNotifySkip
		return result
	}

	payload := notify.Payload{
		Project:  route.Project.Name,
		App:      route.App,
		FilePath: dst,
		Metadata: rec.Metadata.Fields(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, o.notifyTimeout)
		defer cancel()

		log.Info().Msg("notifying backend of upload")
		if err := o.notifier.Dispatch(ctx, payload); err != nil {
			log.Error().Err(err).Msg("notification failed")
			result <- StateNotifyFailed
			return
		}
		result <- StateNotified
	}()
	return result
}

// alreadyProcessed distinguishes a replayed event from a broken upload: the sidecar is gone
// and so is the artifact.
func (o *Orchestrator) alreadyProcessed(id string, err error) bool {
	if !errors.Is(err, ErrMetadataUnavailable) || !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	exists, statErr := afero.Exists(o.fs, o.layout.ArtifactPath(id))
	return statErr == nil && !exists
}

// archivedEarlier reports a replay after an interrupted cleanup: the artifact is gone but its
// archive copy is in place.
func (o *Orchestrator) archivedEarlier(id string, project ProjectConfig) bool {
	exists, err := afero.Exists(o.fs, o.layout.ArtifactPath(id))
	if err != nil || exists {
		return false
	}
	archived, err := afero.Exists(o.fs, filepath.Join(project.CompletedDir, id))
	return err == nil && archived
}

func (o *Orchestrator) finish(ctx context.Context, out Outcome) {
	log := o.logger.With().Str("upload_id", out.UploadID).Str("state", string(out.State)).Logger()

	o.metrics.observe(out)

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, out); err != nil {
			log.Warn().Err(err).Msg("recording outcome failed")
		}
	}

	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, SubjectOutcomes, out); err != nil {
			log.Warn().Err(err).Msg("publishing outcome failed")
		}
		if out.State == StateCleaned {
			if err := o.publisher.Publish(ctx, SubjectArchived, o.archivedEvent(out)); err != nil {
				log.Warn().Err(err).Msg("publishing archived event failed")
			}
		}
	}

	evt := log.Info()
	if out.State.Failed() || out.CleanupError != "" {
		evt = log.Warn()
	}
	if out.CleanupError != "" {
		evt = evt.Str("cleanup_error", out.CleanupError)
	}
	evt.Strs("trail", statesToStrings(out.Trail)).Dur("took", out.FinishedAt.Sub(out.StartedAt)).Msg("pipeline finished")
}

func (o *Orchestrator) archivedEvent(out Outcome) ArchivedEvent {
	return ArchivedEvent{
		UploadID:     out.UploadID,
		Project:      out.Project,
		ArchivePath:  out.ArchivePath,
		Metadata:     out.Metadata,
		Notification: out.Notification,
	}
}

func (o *Orchestrator) lock(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &idLock{}
		o.locks[id] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, id)
		}
		o.locksMu.Unlock()
	}
}

func statesToStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
