package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/zombor/ocr-review/internal/extraction"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

const indexBucketName = "record_index"

var typeBuckets = map[extraction.DocumentType]string{
	extraction.Invoice:        "invoices",
	extraction.InvoicePayment: "invoice_payments",
	extraction.SaleReceipt:    "sale_receipts",
}

var voucherPrefixes = map[extraction.DocumentType]string{
	extraction.Invoice:        "INV",
	extraction.InvoicePayment: "PAY",
	extraction.SaleReceipt:    "SR",
}

// Store persists financial records
type Store interface {
	// Create saves rec, assigning a voucher number when it has none. A
	// second create for the same OCR id returns the existing reference.
	Create(ctx context.Context, rec *Record) (Ref, error)

	// Get retrieves a record
	Get(ctx context.Context, ref Ref) (*Record, error)

	// FindByOCR returns the record created from an OCR document, if any
	FindByOCR(ctx context.Context, ocrID string) (Ref, bool, error)
}

// BoltStore implements Store on a bbolt database shared with the document
// repository
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates the record buckets in db
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucketName)); err != nil {
			return err
		}
		for _, name := range typeBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating record buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Create saves a record and indexes it by OCR id in one transaction
func (b *BoltStore) Create(ctx context.Context, rec *Record) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	name, ok := typeBuckets[rec.Type]
	if !ok {
		return Ref{}, fmt.Errorf("unknown record type %q", rec.Type)
	}

	var ref Ref
	err := b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(indexBucketName))
		if existing := index.Get([]byte(rec.OCRID)); existing != nil {
			return json.Unmarshal(existing, &ref)
		}

		bucket := tx.Bucket([]byte(name))
		if rec.Number == "" {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating voucher number: %w", err)
			}
			rec.Number = fmt.Sprintf("%s-%06d", voucherPrefixes[rec.Type], seq)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := bucket.Put([]byte(rec.ID), data); err != nil {
			return err
		}

		ref = rec.Ref()
		idx, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("marshaling record ref: %w", err)
		}
		return index.Put([]byte(rec.OCRID), idx)
	})
	if err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Get retrieves a record by reference
func (b *BoltStore) Get(ctx context.Context, ref Ref) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, ok := typeBuckets[ref.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrNotFound, ref.Type)
	}

	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(name)).Get([]byte(ref.ID))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, ref.Type, ref.ID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByOCR looks up the record index
func (b *BoltStore) FindByOCR(ctx context.Context, ocrID string) (Ref, bool, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, false, err
	}
	var ref Ref
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(indexBucketName)).Get([]byte(ocrID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ref)
	})
	if err != nil {
		return Ref{}, false, err
	}
	return ref, found, nil
}
