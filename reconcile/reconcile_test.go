package reconcile

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signwatch/classify"
	"github.com/signwatch/config"
	"github.com/signwatch/model"
	"github.com/signwatch/runner"
	"github.com/signwatch/stats"
	"github.com/signwatch/store"
)

// stubRenderer serves canned pages (or errors) per attachment path, standing
// in for the PDF renderer.
type stubRenderer struct {
	pages map[string]image.Image
	errs  map[string]error
}

func (s stubRenderer) RenderPage(path string, page int) (image.Image, error) {
	if err := s.errs[path]; err != nil {
		return nil, err
	}
	return s.pages[path], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signedPage is a white page with a dense dark mark in the bottom-right
// region, well above the ink-ratio threshold.
func signedPage() image.Image {
	img := imaging.New(400, 400, color.White)
	for y := 340; y < 364; y++ {
		for x := 340; x < 364; x++ {
			img.SetNRGBA(x, y, color.NRGBA{A: 255})
		}
	}
	return img
}

func blankPage() image.Image {
	return imaging.New(400, 400, color.White)
}

type fixture struct {
	st            *store.SQLite
	extractedDir  string
	signedDir     string
	detectionsDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		extractedDir:  filepath.Join(base, "extracted_pdfs"),
		signedDir:     filepath.Join(base, "signed_pdfs"),
		detectionsDir: filepath.Join(base, "signature_detections"),
	}
	require.NoError(t, os.MkdirAll(f.extractedDir, 0o755))

	st, err := store.Open(filepath.Join(base, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Negotiate(context.Background(), store.RecordFields))
	f.st = st
	return f
}

// attachment writes a stub PDF under the extracted dir and returns its
// attachment record.
func (f *fixture) attachment(t *testing.T, sender, filename string) model.Attachment {
	t.Helper()
	path := filepath.Join(f.extractedDir, filename)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 stub"), 0o644))
	return model.Attachment{Sender: sender, Filename: filename, Path: path, Size: 13}
}

func (f *fixture) run(t *testing.T, renderer stubRenderer, set model.AttachmentSet) error {
	t.Helper()
	logger := discardLogger()
	r, err := runner.New(config.Config{}, logger)
	require.NoError(t, err)
	stats.NewReporter(r, logger)

	classifier, err := classify.New(f.detectionsDir, logger)
	require.NoError(t, err)

	_, err = New(Options{SignedDir: f.signedDir}, f.st, renderer, classifier, r, logger)
	require.NoError(t, err)

	r.PublishSet(set)
	r.CloseMessages()
	return r.Start()
}

func (f *fixture) record(t *testing.T, email string) model.RecipientStatusRecord {
	t.Helper()
	recipients, err := f.st.Recipients(context.Background())
	require.NoError(t, err)
	for _, r := range recipients {
		if r.Email == email {
			return r.Record
		}
	}
	t.Fatalf("recipient %s not found", email)
	return model.RecipientStatusRecord{}
}

func TestReconcile_SignedReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "alice@x.com", "Alice"))

	att := f.attachment(t, "alice@x.com", "offer.pdf")
	set := model.AttachmentSet{}
	set.Add(att)

	renderer := stubRenderer{pages: map[string]image.Image{att.Path: signedPage()}}
	require.NoError(t, f.run(t, renderer, set))

	rec := f.record(t, "alice@x.com")
	assert.True(t, rec.Replied)
	assert.Equal(t, att.Path, rec.ExtractedDocumentRef)
	assert.Equal(t, model.SignatureVerified, rec.SignatureVerified)
	assert.Equal(t, model.OfferSigned, rec.OfferSigned)

	assert.FileExists(t, filepath.Join(f.signedDir, "offer.pdf"))
	assert.FileExists(t, filepath.Join(f.detectionsDir, "offer_detected.jpg"))
	assert.FileExists(t, filepath.Join(f.extractedDir, "offer.jpg"))
}

func TestReconcile_BlankReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "bob@x.com", "Bob"))

	att := f.attachment(t, "bob@x.com", "blank.pdf")
	set := model.AttachmentSet{}
	set.Add(att)

	renderer := stubRenderer{pages: map[string]image.Image{att.Path: blankPage()}}
	require.NoError(t, f.run(t, renderer, set))

	rec := f.record(t, "bob@x.com")
	assert.True(t, rec.Replied)
	assert.Equal(t, model.SignatureNotDetected, rec.SignatureVerified)
	assert.Equal(t, model.OfferNotSigned, rec.OfferSigned)

	assert.NoFileExists(t, filepath.Join(f.signedDir, "blank.pdf"))
	// The detection preview is an audit artifact, written either way.
	assert.FileExists(t, filepath.Join(f.detectionsDir, "blank_detected.jpg"))
}

func TestReconcile_SilentRecipientUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "carol@x.com", "Carol"))

	// Carol replied in an earlier pass.
	prior := model.RecipientStatusRecord{
		Replied:              true,
		ExtractedDocumentRef: "extracted_pdfs/old.pdf",
		SignatureVerified:    model.SignatureVerified,
		OfferSigned:          model.OfferSigned,
	}
	require.NoError(t, f.st.Update(ctx, "carol@x.com", prior))

	require.NoError(t, f.run(t, stubRenderer{}, model.AttachmentSet{}))

	assert.Equal(t, prior, f.record(t, "carol@x.com"))
}

func TestReconcile_CorruptAttachmentFailsClosedAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "dave@x.com", "Dave"))
	require.NoError(t, f.st.AddRecipient(ctx, "alice@x.com", "Alice"))

	corrupt := f.attachment(t, "dave@x.com", "corrupt.pdf")
	good := f.attachment(t, "alice@x.com", "offer.pdf")
	set := model.AttachmentSet{}
	set.Add(corrupt)
	set.Add(good)

	renderer := stubRenderer{
		pages: map[string]image.Image{good.Path: signedPage()},
		errs:  map[string]error{corrupt.Path: fmt.Errorf("render: cannot open document")},
	}
	require.NoError(t, f.run(t, renderer, set))

	daveRec := f.record(t, "dave@x.com")
	assert.True(t, daveRec.Replied)
	assert.Equal(t, model.SignatureNotDetected, daveRec.SignatureVerified)
	assert.Equal(t, model.OfferNotSigned, daveRec.OfferSigned)

	// The batch carried on past the corrupt document.
	assert.Equal(t, model.SignatureVerified, f.record(t, "alice@x.com").SignatureVerified)
}

func TestReconcile_LastAttachmentWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "alice@x.com", "Alice"))

	first := f.attachment(t, "alice@x.com", "signed_copy.pdf")
	second := f.attachment(t, "alice@x.com", "unsigned_copy.pdf")
	set := model.AttachmentSet{}
	set.Add(first)
	set.Add(second)

	renderer := stubRenderer{pages: map[string]image.Image{
		first.Path:  signedPage(),
		second.Path: blankPage(),
	}}
	require.NoError(t, f.run(t, renderer, set))

	rec := f.record(t, "alice@x.com")
	assert.Equal(t, second.Path, rec.ExtractedDocumentRef)
	assert.Equal(t, model.SignatureNotDetected, rec.SignatureVerified)
	assert.Equal(t, model.OfferNotSigned, rec.OfferSigned)

	// Attachment 1 was still processed on the way through: its verified copy
	// landed in the signed directory before attachment 2 overwrote the record.
	assert.FileExists(t, filepath.Join(f.signedDir, "signed_copy.pdf"))
}

func TestReconcile_ZeroPageDocumentNotSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "erin@x.com", "Erin"))

	att := f.attachment(t, "erin@x.com", "empty.pdf")
	set := model.AttachmentSet{}
	set.Add(att)

	// No page and no error: the renderer found nothing renderable.
	require.NoError(t, f.run(t, stubRenderer{}, set))

	rec := f.record(t, "erin@x.com")
	assert.True(t, rec.Replied)
	assert.Equal(t, model.SignatureNotDetected, rec.SignatureVerified)
}

func TestReconcile_DryRunLeavesStoreAndDisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.AddRecipient(ctx, "alice@x.com", "Alice"))

	att := f.attachment(t, "alice@x.com", "offer.pdf")
	set := model.AttachmentSet{}
	set.Add(att)

	logger := discardLogger()
	r, err := runner.New(config.Config{}, logger)
	require.NoError(t, err)
	stats.NewReporter(r, logger)
	classifier, err := classify.New(f.detectionsDir, logger)
	require.NoError(t, err)
	_, err = New(Options{SignedDir: f.signedDir, DryRun: true}, f.st, stubRenderer{pages: map[string]image.Image{att.Path: signedPage()}}, classifier, r, logger)
	require.NoError(t, err)
	r.PublishSet(set)
	r.CloseMessages()
	require.NoError(t, r.Start())

	rec := f.record(t, "alice@x.com")
	assert.False(t, rec.Replied)
	assert.NoFileExists(t, filepath.Join(f.signedDir, "offer.pdf"))
}
