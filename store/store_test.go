package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signwatch/model"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNegotiate_CreatesMissingColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Negotiate(ctx, RecordFields))

	cols, err := s.columns(ctx)
	require.NoError(t, err)
	for _, field := range RecordFields {
		assert.Contains(t, cols, field)
	}
}

func TestNegotiate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Negotiate(ctx, RecordFields))
	require.NoError(t, s.Negotiate(ctx, RecordFields))
}

func TestNegotiate_RejectsUnsafeFieldName(t *testing.T) {
	s := newTestStore(t)
	err := s.Negotiate(context.Background(), []string{"replied; DROP TABLE recipients"})
	assert.Error(t, err)
}

func TestRecipients_RequiresNegotiation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Recipients(context.Background())
	assert.Error(t, err)
}

func TestUpdate_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Negotiate(ctx, RecordFields))
	require.NoError(t, s.AddRecipient(ctx, "Alice@X.com", "Alice"))

	rec := model.RecipientStatusRecord{
		Replied:              true,
		ExtractedDocumentRef: "extracted_pdfs/offer.pdf",
		SignatureVerified:    model.SignatureVerified,
		OfferSigned:          model.OfferSigned,
	}
	require.NoError(t, s.Update(ctx, "alice@x.com", rec))

	recipients, err := s.Recipients(ctx)
	require.NoError(t, err)
	require.Len(t, recipients, 1)

	got := recipients[0]
	assert.Equal(t, "alice@x.com", got.Email)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, rec, got.Record)
}

func TestRecipients_DefaultsBeforeFirstReconciliation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Negotiate(ctx, RecordFields))
	require.NoError(t, s.AddRecipient(ctx, "bob@x.com", "Bob"))

	recipients, err := s.Recipients(ctx)
	require.NoError(t, err)
	require.Len(t, recipients, 1)

	rec := recipients[0].Record
	assert.False(t, rec.Replied)
	assert.Empty(t, rec.ExtractedDocumentRef)
	assert.Equal(t, model.SignatureUnknown, rec.SignatureVerified)
	assert.Equal(t, model.OfferPending, rec.OfferSigned)
}

func TestSetField_UnknownRecipient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Negotiate(ctx, RecordFields))
	err := s.SetField(ctx, "nobody@x.com", FieldReplied, "Yes")
	assert.Error(t, err)
}

func TestAddRecipient_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Negotiate(ctx, RecordFields))
	require.NoError(t, s.AddRecipient(ctx, "alice@x.com", "Alice"))
	require.NoError(t, s.AddRecipient(ctx, "alice@x.com", "Alice A."))

	recipients, err := s.Recipients(ctx)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	// First insert wins; the duplicate is ignored.
	assert.Equal(t, "Alice", recipients[0].Name)
}
