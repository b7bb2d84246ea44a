// Package harvest scans inbound messages for candidate document attachments
// and groups them by normalized sender identity.
package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/signwatch/model"
	"github.com/signwatch/runner"
	"github.com/signwatch/state"
	"github.com/signwatch/stats"
)

type Options struct {
	ExtractedDir string
}

// Harvester consumes scanned messages, extracts qualifying PDF attachments,
// writes each one under the extracted directory and collects them into an
// AttachmentSet. A malformed message is logged and skipped; it never aborts
// the pass.
type Harvester struct {
	opts     Options
	runner   *runner.Runner
	tracker  state.Tracker
	harvests <-chan model.Message
	logger   *slog.Logger
	set      model.AttachmentSet
}

func New(opts Options, r *runner.Runner, logger *slog.Logger) (*Harvester, error) {
	if opts.ExtractedDir == "" {
		return nil, fmt.Errorf("extracted directory is empty")
	}
	if err := os.MkdirAll(opts.ExtractedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extracted directory: %w", err)
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}

	harvester := &Harvester{
		opts:     opts,
		runner:   r,
		tracker:  tracker,
		harvests: r.Harvests(),
		logger:   logger,
		set:      make(model.AttachmentSet),
	}
	r.AddStage("harvest", harvester.run)
	return harvester, nil
}

// Set returns the harvested attachments. Valid once the pass has completed.
func (h *Harvester) Set() model.AttachmentSet {
	return h.set
}

func (h *Harvester) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-h.harvests:
			if !ok {
				h.runner.PublishSet(h.set)
				return nil
			}

			if err := h.harvestMessage(msg); err != nil {
				h.runner.EmitEvent(stats.Event{Stage: stats.StageHarvest, Type: stats.EventTypeSkipped, MessageID: msg.ID, Err: err})
				if h.logger != nil {
					h.logger.Warn("skipping message", "messageID", msg.ID, "err", err)
				}
				continue
			}

			if err := h.tracker.MarkProcessed(msg.Hash, msg.ID); err != nil {
				h.runner.EmitEvent(stats.Event{Stage: stats.StageHarvest, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}
		}
	}
}

func (h *Harvester) harvestMessage(msg model.Message) error {
	mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	sender := NormalizeSender(mr.Header.Get("From"))
	if sender == "" {
		return fmt.Errorf("message has no sender")
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}

		filename, qualified := qualifyPart(part)
		if !qualified {
			continue
		}

		payload, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("read attachment payload: %w", err)
		}

		if filename == "" {
			filename = fmt.Sprintf("%s_extracted_%d.pdf", sender, len(h.set[sender])+1)
		}
		filename = Filename(filename)

		// Name collisions overwrite the earlier file. Known limitation,
		// matches the audit tooling's expectations.
		path := filepath.Join(h.opts.ExtractedDir, filename)
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return fmt.Errorf("save attachment %s: %w", filename, err)
		}

		h.set.Add(model.Attachment{
			Sender:   sender,
			Filename: filename,
			Path:     path,
			Size:     int64(len(payload)),
		})
		h.runner.EmitEvent(stats.Event{Stage: stats.StageHarvest, Type: stats.EventTypeAttachmentSaved, MessageID: msg.ID, Sender: sender, Detail: filename})
		if h.logger != nil {
			h.logger.Info("saved attachment", "messageID", msg.ID, "sender", sender, "file", path)
		}
	}
}

// qualifyPart reports whether a MIME part is a candidate document attachment:
// its disposition declares an attachment, its content type is the target
// document type, or its filename carries the target extension. Multipart
// containers are flattened by the reader, not recursed into here.
func qualifyPart(part *mail.Part) (string, bool) {
	switch header := part.Header.(type) {
	case *mail.AttachmentHeader:
		filename, _ := header.Filename()
		return filename, true
	case *mail.InlineHeader:
		mediaType, params, _ := header.ContentType()
		filename := params["name"]
		if strings.EqualFold(mediaType, "application/pdf") {
			return filename, true
		}
		if strings.HasSuffix(strings.ToLower(filename), ".pdf") {
			return filename, true
		}
	}
	return "", false
}
