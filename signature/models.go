package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"settleflow/agreement"
)

// Type is the capture method of a signature.
type Type string

const (
	TypeTyped Type = "TYPED"
	TypeDrawn Type = "DRAWN"
)

// Signature mirrors the signatures table.
type Signature struct {
	DisputeID       string
	PartyRole       agreement.Party
	UserID          string
	Type            Type
	TypedName       *string
	ImageData       *string
	DocumentVersion int
	DocumentHash    string
	SignedAt        time.Time
}

// Document identifies the resolution text a signature is bound to.
type Document struct {
	Version int    `json:"agreement_document_version"`
	Hash    string `json:"agreement_document_hash"`
}

// Payload is what a party submits when signing.
type Payload struct {
	Type            Type    `json:"signature_type"`
	TypedName       *string `json:"typed_name,omitempty"`
	ImageData       *string `json:"signature_image_data,omitempty"`
	DocumentVersion int     `json:"document_version"`
	DocumentHash    string  `json:"document_hash"`
}

const hashPrefix = "sha256:"

// Hash returns the content hash of a resolution text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// DocumentFor returns the document for text at version. A nil text yields the
// zero Document.
func DocumentFor(text *string, version int) Document {
	if text == nil {
		return Document{}
	}
	return Document{Version: version, Hash: Hash(*text)}
}

// Matches reports whether the submitted hash and version refer to doc. A
// zero version in the payload is not checked.
func (p Payload) Matches(doc Document) bool {
	if doc.Hash == "" {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(p.DocumentHash), doc.Hash) {
		return false
	}
	return p.DocumentVersion == 0 || p.DocumentVersion == doc.Version
}
