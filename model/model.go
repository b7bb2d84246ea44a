package model

// SignatureStatus is the verification outcome persisted to the record store.
// The string values match the legacy audit tooling and must not change.
type SignatureStatus string

const (
	SignatureVerified    SignatureStatus = "Signature Verified"
	SignatureNotDetected SignatureStatus = "No Signature Detected"
	SignatureUnknown     SignatureStatus = "Unknown"
)

// OfferStatus tracks whether a recipient returned a countersigned document.
type OfferStatus string

const (
	OfferSigned    OfferStatus = "Signed"
	OfferNotSigned OfferStatus = "Not Signed"
	OfferPending   OfferStatus = "Pending"
)

// Message is a single raw inbound message fetched from the channel.
type Message struct {
	ID   string
	Hash string
	Size int64
	Raw  []byte
}

// Envelope wraps a message alongside an optional error encountered while
// fetching or decoding it, so a bad message can flow through the pipeline
// without aborting the pass.
type Envelope struct {
	Message Message
	Err     error
}

// Attachment is a document payload extracted from an inbound message. It is
// produced by the harvester and handed downstream by reference, never mutated.
type Attachment struct {
	// Sender is the normalized address the attachment arrived from. It is the
	// join key against recipient records.
	Sender string
	// Filename is the sanitized (or synthesized) file name.
	Filename string
	// Path is where the payload was written under the extracted directory.
	Path string
	Size int64
}

// AttachmentSet maps a normalized sender identity to its attachments in
// discovery order. Duplicate filenames are preserved; each entry is classified
// independently.
type AttachmentSet map[string][]Attachment

// Add appends an attachment under its sender, keeping discovery order.
func (s AttachmentSet) Add(att Attachment) {
	s[att.Sender] = append(s[att.Sender], att)
}

// Total returns the number of attachments across all senders.
func (s AttachmentSet) Total() int {
	n := 0
	for _, atts := range s {
		n += len(atts)
	}
	return n
}

// ClassificationResult is the outcome of the ink-density heuristic for one
// attachment.
type ClassificationResult struct {
	Signed       bool
	InkRatio     float64
	RenderedPath string
	PreviewPath  string
}

// RecipientStatusRecord is the per-recipient state folded into the record
// store. It is overwritten, not appended, on each reconciliation pass; when a
// sender returned multiple attachments the last one in discovery order wins.
type RecipientStatusRecord struct {
	Replied              bool
	ExtractedDocumentRef string
	SignatureVerified    SignatureStatus
	OfferSigned          OfferStatus
}

// Recipient is one row of the record store.
type Recipient struct {
	Email  string
	Name   string
	Record RecipientStatusRecord
}
