package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageSource    Stage = "source"
	StageHarvest   Stage = "harvest"
	StageClassify  Stage = "classify"
	StageReconcile Stage = "reconcile"
)

type EventType string

const (
	EventTypeScanned            EventType = "scanned"
	EventTypeSkipped            EventType = "skipped"
	EventTypeDuplicate          EventType = "duplicate"
	EventTypeAttachmentSaved    EventType = "attachment_saved"
	EventTypeClassifiedSigned   EventType = "classified_signed"
	EventTypeClassifiedUnsigned EventType = "classified_unsigned"
	EventTypeDetectionError     EventType = "detection_error"
	EventTypeRecordUpdated      EventType = "record_updated"
	EventTypeNoReply            EventType = "no_reply"
	EventTypeError              EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Sender    string
	Err       error
	Detail    string
}

type Summary struct {
	Scanned            int
	Skipped            int
	Duplicates         int
	AttachmentsSaved   int
	ClassifiedSigned   int
	ClassifiedUnsigned int
	DetectionErrors    int
	RecordsUpdated     int
	NoReply            int
	Errors             int
	LastError          error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"skipped", s.Skipped,
		"duplicates", s.Duplicates,
		"attachmentsSaved", s.AttachmentsSaved,
		"classifiedSigned", s.ClassifiedSigned,
		"classifiedUnsigned", s.ClassifiedUnsigned,
		"detectionErrors", s.DetectionErrors,
		"recordsUpdated", s.RecordsUpdated,
		"noReply", s.NoReply,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeAttachmentSaved:
		c.summary.AttachmentsSaved++
	case EventTypeClassifiedSigned:
		c.summary.ClassifiedSigned++
	case EventTypeClassifiedUnsigned:
		c.summary.ClassifiedUnsigned++
	case EventTypeDetectionError:
		c.summary.DetectionErrors++
	case EventTypeRecordUpdated:
		c.summary.RecordsUpdated++
	case EventTypeNoReply:
		c.summary.NoReply++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter consumes the event stream and logs a pass summary once it drains,
// so a pass can be audited from the log alone.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("pass summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
