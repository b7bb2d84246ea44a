// Package store persists per-recipient status records in a tabular SQLite
// store. The schema is negotiated, not assumed: status columns are created
// lazily before the first reconciliation write, mirroring how the records
// were originally kept in a shared spreadsheet with a growing header row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/signwatch/model"
)

// Status field names, in the order they are negotiated into the schema.
const (
	FieldReplied           = "replied"
	FieldExtractedRef      = "extracted_pdf_link"
	FieldSignatureVerified = "signature_verified"
	FieldOfferSigned       = "offer_signed"
)

// RecordFields lists every status field the reconciler writes.
var RecordFields = []string{FieldReplied, FieldExtractedRef, FieldSignatureVerified, FieldOfferSigned}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLite is a recipient record store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
	// negotiated holds the field-name → column mapping established by
	// Negotiate. Reads and writes of status fields require it.
	negotiated map[string]string
}

func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS recipients (
		email TEXT PRIMARY KEY,
		name  TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recipients table: %w", err)
	}

	return &SQLite{db: db, negotiated: make(map[string]string)}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Negotiate establishes the field-name → column mapping for the given status
// fields, creating any column that does not exist yet. It runs once, before
// a reconciliation pass begins; it is idempotent.
func (s *SQLite) Negotiate(ctx context.Context, fields []string) error {
	existing, err := s.columns(ctx)
	if err != nil {
		return err
	}

	for _, field := range fields {
		if !fieldNamePattern.MatchString(field) {
			return fmt.Errorf("invalid field name %q", field)
		}
		if _, ok := existing[field]; !ok {
			stmt := fmt.Sprintf(`ALTER TABLE recipients ADD COLUMN %s TEXT NOT NULL DEFAULT ''`, field)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s: %w", field, err)
			}
		}
		s.negotiated[field] = field
	}

	return nil
}

func (s *SQLite) columns(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('recipients')`)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		existing[name] = struct{}{}
	}
	return existing, rows.Err()
}

// AddRecipient inserts a recipient row if it does not exist.
func (s *SQLite) AddRecipient(ctx context.Context, email, name string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fmt.Errorf("recipient email is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients (email, name) VALUES (?, ?) ON CONFLICT(email) DO NOTHING`,
		email, name)
	if err != nil {
		return fmt.Errorf("add recipient %s: %w", email, err)
	}
	return nil
}

// Recipients returns every row with its current status record, in stable
// insertion (rowid) order. Negotiate must have run first.
func (s *SQLite) Recipients(ctx context.Context) ([]model.Recipient, error) {
	if err := s.requireNegotiated(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT email, name, %s, %s, %s, %s FROM recipients ORDER BY rowid`,
		FieldReplied, FieldExtractedRef, FieldSignatureVerified, FieldOfferSigned)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var (
			r                         model.Recipient
			replied, ref, sig, signed string
		)
		if err := rows.Scan(&r.Email, &r.Name, &replied, &ref, &sig, &signed); err != nil {
			return nil, fmt.Errorf("scan recipient row: %w", err)
		}
		// Never-written columns read back as the pre-reply states.
		if sig == "" {
			sig = string(model.SignatureUnknown)
		}
		if signed == "" {
			signed = string(model.OfferPending)
		}
		r.Record = model.RecipientStatusRecord{
			Replied:              replied == "Yes",
			ExtractedDocumentRef: ref,
			SignatureVerified:    model.SignatureStatus(sig),
			OfferSigned:          model.OfferStatus(signed),
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// SetField is the store's update primitive: one field of one recipient row.
func (s *SQLite) SetField(ctx context.Context, email, field, value string) error {
	column, ok := s.negotiated[field]
	if !ok {
		return fmt.Errorf("field %s not negotiated", field)
	}

	stmt := fmt.Sprintf(`UPDATE recipients SET %s = ? WHERE email = ?`, column)
	res, err := s.db.ExecContext(ctx, stmt, value, email)
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", field, email, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set %s: no recipient %s", field, email)
	}
	return nil
}

// Update overwrites the full status record of one recipient, field by field
// through the update primitive.
func (s *SQLite) Update(ctx context.Context, email string, rec model.RecipientStatusRecord) error {
	replied := "No"
	if rec.Replied {
		replied = "Yes"
	}

	writes := []struct{ field, value string }{
		{FieldReplied, replied},
		{FieldExtractedRef, rec.ExtractedDocumentRef},
		{FieldSignatureVerified, string(rec.SignatureVerified)},
		{FieldOfferSigned, string(rec.OfferSigned)},
	}
	for _, w := range writes {
		if err := s.SetField(ctx, email, w.field, w.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) requireNegotiated() error {
	for _, field := range RecordFields {
		if _, ok := s.negotiated[field]; !ok {
			return fmt.Errorf("schema not negotiated: missing field %s", field)
		}
	}
	return nil
}
