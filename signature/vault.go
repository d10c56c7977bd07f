package signature

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/agreement"
)

var (
	// ErrStaleDocument is returned when a signature refers to an outdated resolution text.
	ErrStaleDocument = errors.New("signature: document hash does not match current resolution")
	// ErrInvalidSignature is returned for a malformed signature payload.
	ErrInvalidSignature = errors.New("signature: invalid signature")
)

const maxImageBytes = 512 * 1024

// Vault records signatures bound to a resolution document.
type Vault struct {
	repo Repository
	now  func() time.Time
}

func NewVault(repo Repository) *Vault {
	return &Vault{repo: repo, now: time.Now}
}

// Record validates payload against doc and stores it for party, replacing any
// earlier signature of that party. Nothing is stored on failure.
func (v *Vault) Record(ctx context.Context, tx pgx.Tx, disputeID, userID string, party agreement.Party, doc Document, payload Payload) (Signature, error) {
	if !party.Valid() {
		return Signature{}, fmt.Errorf("%w: unknown party %q", ErrInvalidSignature, party)
	}
	if err := validate(&payload); err != nil {
		return Signature{}, err
	}
	if !payload.Matches(doc) {
		return Signature{}, ErrStaleDocument
	}

	sig := Signature{
		DisputeID:       disputeID,
		PartyRole:       party,
		UserID:          userID,
		Type:            payload.Type,
		TypedName:       payload.TypedName,
		ImageData:       payload.ImageData,
		DocumentVersion: doc.Version,
		DocumentHash:    doc.Hash,
		SignedAt:        v.now().UTC(),
	}
	return v.repo.Upsert(ctx, tx, sig)
}

// InvalidateAll drops every signature of the dispute.
func (v *Vault) InvalidateAll(ctx context.Context, tx pgx.Tx, disputeID string) error {
	_, err := v.repo.DeleteAll(ctx, tx, disputeID)
	return err
}

// BothSigned reports whether plaintiff and defendant signed doc.
func (v *Vault) BothSigned(ctx context.Context, tx pgx.Tx, disputeID string, doc Document) (bool, error) {
	sigs, err := v.repo.ListTx(ctx, tx, disputeID)
	if err != nil {
		return false, err
	}
	return coversBoth(sigs, doc), nil
}

// List returns the signatures of a dispute outside any transaction.
func (v *Vault) List(ctx context.Context, disputeID string) ([]Signature, error) {
	return v.repo.List(ctx, disputeID)
}

func coversBoth(sigs []Signature, doc Document) bool {
	var plaintiff, defendant bool
	for _, s := range sigs {
		if s.DocumentHash != doc.Hash || s.DocumentVersion != doc.Version {
			continue
		}
		switch s.PartyRole {
		case agreement.Plaintiff:
			plaintiff = true
		case agreement.Defendant:
			defendant = true
		}
	}
	return plaintiff && defendant
}

func validate(p *Payload) error {
	p.Type = Type(strings.ToUpper(strings.TrimSpace(string(p.Type))))
	switch p.Type {
	case TypeTyped:
		if p.TypedName == nil || strings.TrimSpace(*p.TypedName) == "" {
			return fmt.Errorf("%w: typed_name is required for TYPED signatures", ErrInvalidSignature)
		}
		if p.ImageData != nil && *p.ImageData != "" {
			return fmt.Errorf("%w: TYPED signatures carry no image", ErrInvalidSignature)
		}
		name := strings.TrimSpace(*p.TypedName)
		p.TypedName = &name
		p.ImageData = nil
	case TypeDrawn:
		if p.ImageData == nil || *p.ImageData == "" {
			return fmt.Errorf("%w: signature_image_data is required for DRAWN signatures", ErrInvalidSignature)
		}
		if len(*p.ImageData) > maxImageBytes {
			return fmt.Errorf("%w: signature image too large", ErrInvalidSignature)
		}
		if p.TypedName != nil && strings.TrimSpace(*p.TypedName) != "" {
			return fmt.Errorf("%w: DRAWN signatures carry no typed name", ErrInvalidSignature)
		}
		p.TypedName = nil
	default:
		return fmt.Errorf("%w: signature_type must be TYPED or DRAWN", ErrInvalidSignature)
	}
	if strings.TrimSpace(p.DocumentHash) == "" {
		return fmt.Errorf("%w: document_hash is required", ErrInvalidSignature)
	}
	return nil
}
