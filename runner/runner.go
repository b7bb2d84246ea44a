package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signwatch/config"
	"github.com/signwatch/model"
	"github.com/signwatch/state"
	"github.com/signwatch/stats"
)

type StageFunc func(context.Context) error

// Runner owns the channels and goroutines of one verification pass: the
// source stage streams message envelopes, the bridge filters them, the
// harvest stage extracts attachments, and the reconcile stage consumes the
// completed attachment set. The single harvest consumer preserves discovery
// order, which the last-attachment-wins policy depends on.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	harvests chan model.Message
	sets     chan model.AttachmentSet
	events   chan stats.Event

	tracker state.Tracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMessagesOnce sync.Once
	closeHarvestsOnce sync.Once
	closeSetsOnce     sync.Once
	closeEventsOnce   sync.Once
	since             time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var tracker state.Tracker
	if cfg.SkipProcessed {
		fileTracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("state tracker: %w", err)
		}
		tracker = fileTracker
	} else {
		tracker = state.NewMemoryTracker()
	}

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		harvests: make(chan model.Message, 32),
		sets:     make(chan model.AttachmentSet, 1),
		events:   make(chan stats.Event, 128),
		tracker:  tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) MessageWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMessages() {
	r.closeMessagesOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) Harvests() <-chan model.Message {
	return r.harvests
}

// PublishSet hands the completed attachment set to the reconcile stage. The
// harvest stage calls it exactly once, after its input drains.
func (r *Runner) PublishSet(set model.AttachmentSet) {
	select {
	case <-r.ctx.Done():
	case r.sets <- set:
	}
	r.closeSetsOnce.Do(func() {
		close(r.sets)
	})
}

func (r *Runner) Sets() <-chan model.AttachmentSet {
	return r.sets
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if tracker, ok := r.tracker.(*state.FileTracker); ok {
		if err := tracker.Close(); err != nil && r.logger != nil {
			r.logger.Warn("close state tracker", "err", err)
		}
	}

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pass failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pass completed", "duration", duration)
	return nil
}

// bridge forwards scanned messages to the harvest stage. Unlike a
// connection-level failure, a per-message envelope error is logged and
// skipped so one malformed message cannot abort the pass.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeHarvests()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, MessageID: envelope.Message.ID, Err: envelope.Err})
				if r.logger != nil {
					r.logger.Warn("skipping malformed message", "messageID", envelope.Message.ID, "err", envelope.Err)
				}
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if r.cfg.SkipProcessed && msg.Hash != "" && r.tracker.AlreadyProcessed(msg.Hash) {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.harvests <- msg:
			}
		}
	}
}

func (r *Runner) closeHarvests() {
	r.closeHarvestsOnce.Do(func() {
		close(r.harvests)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
