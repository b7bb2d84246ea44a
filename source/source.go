// Package source provides access to the inbound message channel: enumerate
// all message identifiers, then fetch each full message body by identifier.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/signwatch/model"
	"github.com/signwatch/runner"
)

// Source is a session on a message channel. Connection setup and teardown are
// the caller's concern; a Source is opened once per pass and must be closed on
// every exit path.
type Source interface {
	// List enumerates all message identifiers in the scanned mailbox.
	List(ctx context.Context) ([]string, error)
	// Fetch returns the full raw body of one message.
	Fetch(ctx context.Context, id string) ([]byte, error)
	Close() error
}

// Producer streams every message of a Source into the pipeline. A List
// failure is connection-level and fatal to the pass; a Fetch failure is
// per-item and flows through as an error envelope.
type Producer struct {
	src    Source
	runner *runner.Runner
	logger *slog.Logger
}

func NewProducer(src Source, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if src == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	producer := &Producer{src: src, runner: r, logger: logger}
	r.AddStage("source", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMessages()

	ids, err := p.src.List(ctx)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	if p.logger != nil {
		p.logger.Info("scanning messages", "count", len(ids))
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := p.src.Fetch(ctx, id)
		if err != nil {
			if err := p.emit(ctx, model.Envelope{
				Message: model.Message{ID: id},
				Err:     fmt.Errorf("fetch message %s: %w", id, err),
			}); err != nil {
				return err
			}
			continue
		}

		msg := model.Message{
			ID:   id,
			Hash: hashRaw(raw),
			Size: int64(len(raw)),
			Raw:  raw,
		}
		if err := p.emit(ctx, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}

	return nil
}

func (p *Producer) emit(ctx context.Context, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.runner.MessageWriter() <- env:
		return nil
	}
}

func hashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
