package review

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/ocr-review/internal/extraction"
)

const (
	documentsBucketName  = "documents"
	ownerIndexBucketName = "documents_by_owner"
)

// Filter narrows a document listing. Empty fields match everything.
type Filter struct {
	UserID       string
	Status       Status
	DocumentType extraction.DocumentType
}

func (f Filter) matches(d *OCRData) bool {
	return (f.UserID == "" || d.UserID == f.UserID) &&
		(f.Status == "" || d.Status == f.Status) &&
		(f.DocumentType == "" || d.DocumentType == f.DocumentType)
}

// Repository persists documents. Update and Delete run their callback in the
// same transaction as the write, so a check made there cannot race another
// writer.
type Repository interface {
	// Create stores a new document
	Create(ctx context.Context, doc *OCRData) error

	// Get retrieves a document by ID
	Get(ctx context.Context, id string) (*OCRData, error)

	// Update applies fn to the stored document and saves the result. An error
	// from fn aborts the update and is returned as is.
	Update(ctx context.Context, id string, fn func(doc *OCRData) error) (*OCRData, error)

	// Delete removes a document if guard allows it and returns what was removed
	Delete(ctx context.Context, id string, guard func(doc *OCRData) error) (*OCRData, error)

	// List returns the documents matching filter, newest first
	List(ctx context.Context, filter Filter) ([]*OCRData, error)

	// ListRecent returns up to limit of the newest documents of one owner and
	// type created at or after since, newest first
	ListRecent(ctx context.Context, userID string, docType extraction.DocumentType, since time.Time, limit int) ([]*OCRData, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements Repository using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(documentsBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(ownerIndexBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Bolt returns the underlying database so other stores can share the file
func (b *BoltDB) Bolt() *bbolt.DB {
	return b.db
}

// ownerPrefix is the index prefix shared by one owner's documents of a type
func ownerPrefix(userID string, docType extraction.DocumentType) []byte {
	prefix := make([]byte, 0, len(userID)+len(docType)+2)
	prefix = append(prefix, userID...)
	prefix = append(prefix, 0)
	prefix = append(prefix, docType...)
	return append(prefix, 0)
}

func timeKey(prefix []byte, t time.Time) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(t.UnixNano()))
	return key
}

func indexKey(doc *OCRData) []byte {
	return append(timeKey(ownerPrefix(doc.UserID, doc.DocumentType), doc.CreatedAt), doc.ID...)
}

func getDocument(bucket *bbolt.Bucket, id string) (*OCRData, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var doc OCRData
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling document %s: %w", id, err)
	}
	return &doc, nil
}

func putDocument(bucket *bbolt.Bucket, doc *OCRData) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	return bucket.Put([]byte(doc.ID), data)
}

// Create stores a new document and indexes it by owner
func (b *BoltDB) Create(ctx context.Context, doc *OCRData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(documentsBucketName))
		if bucket.Get([]byte(doc.ID)) != nil {
			return fmt.Errorf("document %s already exists", doc.ID)
		}
		if err := putDocument(bucket, doc); err != nil {
			return err
		}
		return tx.Bucket([]byte(ownerIndexBucketName)).Put(indexKey(doc), []byte(doc.ID))
	})
}

// Get retrieves a document by ID
func (b *BoltDB) Get(ctx context.Context, id string) (*OCRData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *OCRData
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		doc, err = getDocument(tx.Bucket([]byte(documentsBucketName)), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Update applies fn and saves the document in one write transaction
func (b *BoltDB) Update(ctx context.Context, id string, fn func(doc *OCRData) error) (*OCRData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *OCRData
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(documentsBucketName))
		var err error
		doc, err = getDocument(bucket, id)
		if err != nil {
			return err
		}
		userID, docType, createdAt := doc.UserID, doc.DocumentType, doc.CreatedAt
		if err := fn(doc); err != nil {
			return err
		}
		// Identity and index fields are fixed at creation
		doc.ID, doc.UserID, doc.DocumentType, doc.CreatedAt = id, userID, docType, createdAt
		return putDocument(bucket, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes a document and its index entry when guard returns nil
func (b *BoltDB) Delete(ctx context.Context, id string, guard func(doc *OCRData) error) (*OCRData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *OCRData
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(documentsBucketName))
		var err error
		doc, err = getDocument(bucket, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(doc); err != nil {
				return err
			}
		}
		if err := tx.Bucket([]byte(ownerIndexBucketName)).Delete(indexKey(doc)); err != nil {
			return err
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns the documents matching filter, newest first
func (b *BoltDB) List(ctx context.Context, filter Filter) ([]*OCRData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := make([]*OCRData, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(documentsBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var doc OCRData
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("unmarshaling document: %w", err)
			}
			if filter.matches(&doc) {
				docs = append(docs, &doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
	return docs, nil
}

// ListRecent walks the owner index from since onwards and keeps the newest
// limit entries
func (b *BoltDB) ListRecent(ctx context.Context, userID string, docType extraction.DocumentType, since time.Time, limit int) ([]*OCRData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := make([]*OCRData, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		prefix := ownerPrefix(userID, docType)
		var ids []string
		c := tx.Bucket([]byte(ownerIndexBucketName)).Cursor()
		for k, v := c.Seek(timeKey(prefix, since)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, string(v))
		}
		if limit > 0 && len(ids) > limit {
			ids = ids[len(ids)-limit:]
		}

		bucket := tx.Bucket([]byte(documentsBucketName))
		for i := len(ids) - 1; i >= 0; i-- {
			doc, err := getDocument(bucket, ids[i])
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
