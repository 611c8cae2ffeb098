package core

import (
	"context"
	"errors"
	"fmt"

	"beamlinecore/pkg/domain"
)

const (
	opRestoreQueue = "restore_queue"
	opSaveQueue    = "save_queue"
	opExportQueue  = "export_queue"
	opImportQueue  = "import_queue"
)

// Service composes the attribute registry, the sample changer coordinator and
// the task queue. Each component exclusively owns its slice of state; the
// service only wires shared options, persistence and archives around them.
type Service struct {
	opts          options
	run           *runner
	attributes    *AttributeRegistry
	sampleChanger *SampleChangerCoordinator
	queue         *TaskQueue
}

// NewService constructs a service issuing commands through the dispatcher.
func NewService(d domain.Dispatcher, opts ...Option) *Service {
	o := buildOptions(opts)
	r := newRunner(d, o)
	s := &Service{
		opts:          o,
		run:           r,
		attributes:    newAttributeRegistry(r),
		sampleChanger: newSampleChangerCoordinator(r),
		queue:         newTaskQueue(o),
	}
	if o.store != nil {
		s.queue.OnChange(s.autosave)
	}
	return s
}

// Attributes returns the attribute registry.
func (s *Service) Attributes() *AttributeRegistry { return s.attributes }

// SampleChanger returns the sample changer coordinator.
func (s *Service) SampleChanger() *SampleChangerCoordinator { return s.sampleChanger }

// Queue returns the task queue.
func (s *Service) Queue() *TaskQueue { return s.queue }

// Notifier returns the configured notification sink.
func (s *Service) Notifier() Notifier { return s.opts.notifier }

// Notifications returns retained notifications when the sink keeps a history.
func (s *Service) Notifications() []Notification {
	if log, ok := s.opts.notifier.(*NotificationLog); ok {
		return log.Entries()
	}
	return nil
}

// Start restores the queue, fetches every attribute and loads the initial
// sample changer state. Failures are reported and joined into the returned
// error; the service remains usable.
func (s *Service) Start(ctx context.Context) error {
	var errs []error
	if err := s.restoreQueue(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.attributes.FetchAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.sampleChanger.Initialize(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		s.opts.logger.Info("beamline core started",
			"attributes", len(s.attributes.Attributes()),
			"samples", len(s.queue.SampleOrder()))
	}
	return errors.Join(errs...)
}

// Close stops background timers and releases the queue store.
func (s *Service) Close() error {
	s.attributes.Close()
	if s.opts.store != nil {
		return s.opts.store.Close()
	}
	return nil
}

func (s *Service) restoreQueue(ctx context.Context) error {
	if s.opts.store == nil {
		return nil
	}
	snap, ok, err := s.opts.store.Load(ctx)
	if err != nil {
		err = fmt.Errorf("load queue snapshot: %w", err)
		s.run.report(ctx, opRestoreQueue, err)
		return err
	}
	if !ok {
		return nil
	}
	if err := s.queue.Restore(snap); err != nil {
		err = fmt.Errorf("restore queue snapshot: %w", err)
		s.run.report(ctx, opRestoreQueue, err)
		return err
	}
	return nil
}

func (s *Service) autosave(snap domain.QueueSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.commandTimeout)
	defer cancel()
	if err := s.opts.store.Save(ctx, snap); err != nil {
		s.run.report(ctx, opSaveQueue, fmt.Errorf("save queue snapshot: %w", err))
	}
}

// ExportQueue writes the current queue to the archive under name.
func (s *Service) ExportQueue(ctx context.Context, name string) (domain.ArchiveEntry, error) {
	if s.opts.archive == nil {
		return domain.ArchiveEntry{}, ErrArchiveDisabled
	}
	entry, err := s.opts.archive.Export(ctx, name, s.queue.Snapshot())
	if err != nil {
		s.run.report(ctx, opExportQueue, err)
		return domain.ArchiveEntry{}, err
	}
	s.opts.logger.Info("queue exported", "key", entry.Key, "size", entry.Size)
	return entry, nil
}

// ImportQueue replaces the queue with an archived snapshot.
func (s *Service) ImportQueue(ctx context.Context, key string) error {
	if s.opts.archive == nil {
		return ErrArchiveDisabled
	}
	snap, err := s.opts.archive.Import(ctx, key)
	if err == nil {
		err = s.queue.Replace(snap)
	}
	if err != nil {
		s.run.report(ctx, opImportQueue, err)
		return err
	}
	return nil
}

// ListQueueArchives lists archived queue exports.
func (s *Service) ListQueueArchives(ctx context.Context) ([]domain.ArchiveEntry, error) {
	if s.opts.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.opts.archive.List(ctx)
}

// ErrArchiveDisabled is returned by archive operations when no archive is
// configured.
var ErrArchiveDisabled = errors.New("queue archive not configured")
