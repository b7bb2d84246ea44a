// Package reconcile folds classification outcomes into per-recipient status
// records: for every recipient with harvested attachments it renders page 1,
// classifies the ink region and overwrites the recipient's record.
package reconcile

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/signwatch/classify"
	"github.com/signwatch/model"
	"github.com/signwatch/render"
	"github.com/signwatch/runner"
	"github.com/signwatch/stats"
)

// Store is the slice of the record store the reconciler needs.
type Store interface {
	Recipients(ctx context.Context) ([]model.Recipient, error)
	Update(ctx context.Context, email string, rec model.RecipientStatusRecord) error
}

// Classifier decides signed/unsigned for one rendered page.
type Classifier interface {
	Classify(img image.Image, stem string) classify.Result
}

type Options struct {
	SignedDir string
	DryRun    bool
}

// Reconciler processes each recipient's attachments in discovery order and
// overwrites the status record per attachment, so the last attachment wins.
// Re-running against an unchanged attachment set reproduces the same final
// records.
type Reconciler struct {
	opts       Options
	store      Store
	renderer   render.PageRenderer
	classifier Classifier
	runner     *runner.Runner
	logger     *slog.Logger
}

func New(opts Options, st Store, renderer render.PageRenderer, classifier Classifier, r *runner.Runner, logger *slog.Logger) (*Reconciler, error) {
	if st == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer must not be nil")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier must not be nil")
	}
	if opts.SignedDir == "" {
		return nil, fmt.Errorf("signed directory is empty")
	}
	if err := os.MkdirAll(opts.SignedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create signed directory: %w", err)
	}

	rec := &Reconciler{
		opts:       opts,
		store:      st,
		renderer:   renderer,
		classifier: classifier,
		runner:     r,
		logger:     logger,
	}
	r.AddStage("reconcile", rec.run)
	return rec, nil
}

func (p *Reconciler) run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case set, ok := <-p.runner.Sets():
		if !ok {
			return nil
		}
		return p.Reconcile(ctx, set)
	}
}

// Reconcile walks every recipient once. A recipient whose identity is absent
// from the set is an explicit no-op: the prior Replied state stays untouched.
// A store failure is fatal to the pass; a render or classification failure is
// folded into a not-signed outcome and the batch continues.
func (p *Reconciler) Reconcile(ctx context.Context, set model.AttachmentSet) error {
	recipients, err := p.store.Recipients(ctx)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	for _, recipient := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}

		attachments := set[recipient.Email]
		if len(attachments) == 0 {
			p.runner.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeNoReply, Sender: recipient.Email})
			if p.logger != nil {
				p.logger.Info("no document reply", "recipient", recipient.Email)
			}
			continue
		}

		if p.logger != nil {
			p.logger.Info("recipient replied, checking signatures", "recipient", recipient.Email, "attachments", len(attachments))
		}

		record := recipient.Record
		for _, att := range attachments {
			result := p.classifyAttachment(att)

			record.Replied = true
			record.ExtractedDocumentRef = att.Path
			if result.Signed {
				record.SignatureVerified = model.SignatureVerified
				record.OfferSigned = model.OfferSigned
				p.copySigned(att)
				p.runner.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeClassifiedSigned, Sender: att.Sender, Detail: att.Filename})
				if p.logger != nil {
					p.logger.Info("signature detected", "recipient", recipient.Email, "file", att.Path, "inkRatio", result.InkRatio)
				}
			} else {
				record.SignatureVerified = model.SignatureNotDetected
				record.OfferSigned = model.OfferNotSigned
				p.runner.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeClassifiedUnsigned, Sender: att.Sender, Detail: att.Filename})
				if p.logger != nil {
					p.logger.Info("no signature", "recipient", recipient.Email, "file", att.Path, "inkRatio", result.InkRatio)
				}
			}

			if p.opts.DryRun {
				continue
			}
			if err := p.store.Update(ctx, recipient.Email, record); err != nil {
				return fmt.Errorf("update record for %s: %w", recipient.Email, err)
			}
			p.runner.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeRecordUpdated, Sender: recipient.Email, Detail: att.Filename})
		}
	}

	return nil
}

// classifyAttachment renders page 1 and classifies it. Fail-closed: a corrupt
// or unrenderable document comes back as not signed.
func (p *Reconciler) classifyAttachment(att model.Attachment) model.ClassificationResult {
	var result model.ClassificationResult

	img, err := p.renderer.RenderPage(att.Path, 1)
	if err != nil {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeDetectionError, Sender: att.Sender, Detail: att.Filename, Err: err})
		if p.logger != nil {
			p.logger.Warn("signature detection error", "file", att.Path, "err", err)
		}
		return result
	}

	stem := strings.TrimSuffix(att.Filename, filepath.Ext(att.Filename))
	if img != nil {
		renderedPath := strings.TrimSuffix(att.Path, filepath.Ext(att.Path)) + ".jpg"
		if err := imaging.Save(img, renderedPath); err != nil {
			if p.logger != nil {
				p.logger.Warn("save rendered page", "path", renderedPath, "err", err)
			}
		} else {
			result.RenderedPath = renderedPath
		}
	}

	outcome := p.classifier.Classify(img, stem)
	result.Signed = outcome.Signed
	result.InkRatio = outcome.InkRatio
	result.PreviewPath = outcome.PreviewPath
	return result
}

// copySigned copies (never moves) a verified attachment into the signed
// directory. In dry-run the copy is skipped.
func (p *Reconciler) copySigned(att model.Attachment) {
	if p.opts.DryRun {
		return
	}

	dst := filepath.Join(p.opts.SignedDir, att.Filename)
	if err := copyFile(att.Path, dst); err != nil {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeError, Sender: att.Sender, Detail: att.Filename, Err: err})
		if p.logger != nil {
			p.logger.Warn("copy signed document", "src", att.Path, "dst", dst, "err", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
