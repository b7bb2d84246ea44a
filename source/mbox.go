package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	mboxlib "github.com/emersion/go-mbox"
)

// MboxSource serves messages from a local mbox export. It exists for offline
// processing of a mailbox dump and for tests; the identifiers it hands out
// are positions within the archive.
type MboxSource struct {
	path string

	mu     sync.Mutex
	loaded bool
	order  []string
	raws   map[string][]byte
}

func OpenMbox(path string) (*MboxSource, error) {
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat mbox: %w", err)
	}
	return &MboxSource{path: path, raws: make(map[string][]byte)}, nil
}

func (s *MboxSource) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids, nil
}

func (s *MboxSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	raw, ok := s.raws[id]
	if !ok {
		return nil, fmt.Errorf("unknown message id %q", id)
	}
	return raw, nil
}

func (s *MboxSource) Close() error {
	return nil
}

// load reads the whole archive once. A read error mid-archive is treated as
// channel-level: the mbox framing is gone and positions past the error are
// unreliable.
func (s *MboxSource) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("mbox message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("mbox message %d read: %w", idx, err)
		}

		id := fmt.Sprintf("mbox-%05d", idx+1)
		s.order = append(s.order, id)
		s.raws[id] = raw
	}

	s.loaded = true
	return nil
}
