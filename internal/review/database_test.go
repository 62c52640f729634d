package review

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/records"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx  context.Context
		db   *BoltDB
		base time.Time
	)

	newDoc := func(id, userID string, docType extraction.DocumentType, created time.Time) *OCRData {
		return &OCRData{
			ID:           id,
			UserID:       userID,
			DocumentType: docType,
			ImageURL:     id + ".png",
			Status:       StatusProcessing,
			Attempt:      1,
			CreatedAt:    created,
			UpdatedAt:    created,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("Create and Get", func() {
		It("should round-trip a document", func() {
			doc := newDoc("doc-1", "user-1", extraction.Invoice, base)
			doc.ProcessedData = &records.Input{PartyName: "ACME"}
			Expect(db.Create(ctx, doc)).To(Succeed())

			got, err := db.Get(ctx, "doc-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.UserID).To(Equal("user-1"))
			Expect(got.ProcessedData.PartyName).To(Equal("ACME"))
			Expect(got.CreatedAt).To(BeTemporally("==", base))
		})

		It("should refuse to overwrite an existing document", func() {
			Expect(db.Create(ctx, newDoc("doc-1", "user-1", extraction.Invoice, base))).To(Succeed())
			Expect(db.Create(ctx, newDoc("doc-1", "user-2", extraction.Invoice, base))).To(MatchError(ContainSubstring("already exists")))
		})

		It("returns ErrNotFound for a missing document", func() {
			_, err := db.Get(ctx, "missing")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should honour a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err := db.Get(cancelled, "doc-1")
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Update", func() {
		BeforeEach(func() {
			Expect(db.Create(ctx, newDoc("doc-1", "user-1", extraction.Invoice, base))).To(Succeed())
		})

		It("should save the changes made by fn", func() {
			updated, err := db.Update(ctx, "doc-1", func(d *OCRData) error {
				d.Status = StatusCompleted
				d.Confidence = 0.9
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(StatusCompleted))

			got, _ := db.Get(ctx, "doc-1")
			Expect(got.Confidence).To(Equal(0.9))
		})

		It("should abort when fn fails", func() {
			_, err := db.Update(ctx, "doc-1", func(d *OCRData) error {
				d.Status = StatusFailed
				return ErrInvalidTransition
			})
			Expect(err).To(MatchError(ErrInvalidTransition))

			got, _ := db.Get(ctx, "doc-1")
			Expect(got.Status).To(Equal(StatusProcessing))
		})

		It("should keep identity and index fields", func() {
			_, err := db.Update(ctx, "doc-1", func(d *OCRData) error {
				d.ID = "other"
				d.UserID = "user-2"
				d.CreatedAt = base.Add(time.Hour)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			got, err := db.Get(ctx, "doc-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.UserID).To(Equal("user-1"))
			recent, _ := db.ListRecent(ctx, "user-1", extraction.Invoice, base, 10)
			Expect(recent).To(HaveLen(1))
		})

		It("returns ErrNotFound for a missing document", func() {
			_, err := db.Update(ctx, "missing", func(*OCRData) error { return nil })
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			Expect(db.Create(ctx, newDoc("doc-1", "user-1", extraction.Invoice, base))).To(Succeed())
		})

		It("should remove the document and its index entry", func() {
			deleted, err := db.Delete(ctx, "doc-1", func(*OCRData) error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted.ImageURL).To(Equal("doc-1.png"))

			_, err = db.Get(ctx, "doc-1")
			Expect(err).To(MatchError(ErrNotFound))
			recent, _ := db.ListRecent(ctx, "user-1", extraction.Invoice, base, 10)
			Expect(recent).To(BeEmpty())
		})

		It("should keep the document when the guard refuses", func() {
			_, err := db.Delete(ctx, "doc-1", func(*OCRData) error { return ErrLinkedRecord })
			Expect(err).To(MatchError(ErrLinkedRecord))

			_, err = db.Get(ctx, "doc-1")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			for i, status := range []Status{StatusCompleted, StatusFailed, StatusCompleted} {
				doc := newDoc(fmt.Sprintf("doc-%d", i), "user-1", extraction.Invoice, base.Add(time.Duration(i)*time.Hour))
				doc.Status = status
				Expect(db.Create(ctx, doc)).To(Succeed())
			}
			Expect(db.Create(ctx, newDoc("other", "user-2", extraction.SaleReceipt, base))).To(Succeed())
		})

		It("should return every document newest first", func() {
			docs, err := db.List(ctx, Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(4))
			Expect(docs[0].ID).To(Equal("doc-2"))
		})

		It("should filter by owner, status and type", func() {
			docs, err := db.List(ctx, Filter{UserID: "user-1", Status: StatusCompleted, DocumentType: extraction.Invoice})
			Expect(err).NotTo(HaveOccurred())
			ids := []string{}
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			Expect(ids).To(Equal([]string{"doc-2", "doc-0"}))
		})
	})

	Describe("ListRecent", func() {
		BeforeEach(func() {
			for i := 0; i < 5; i++ {
				Expect(db.Create(ctx, newDoc(fmt.Sprintf("doc-%d", i), "user-1", extraction.Invoice, base.Add(time.Duration(i)*24*time.Hour)))).To(Succeed())
			}
			Expect(db.Create(ctx, newDoc("other-user", "user-10", extraction.Invoice, base.Add(72*time.Hour)))).To(Succeed())
			Expect(db.Create(ctx, newDoc("other-type", "user-1", extraction.SaleReceipt, base.Add(72*time.Hour)))).To(Succeed())
		})

		ids := func(docs []*OCRData) []string {
			out := make([]string, 0, len(docs))
			for _, d := range docs {
				out = append(out, d.ID)
			}
			return out
		}

		It("should return the owner's documents of the type since the cutoff, newest first", func() {
			docs, err := db.ListRecent(ctx, "user-1", extraction.Invoice, base.Add(48*time.Hour), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(docs)).To(Equal([]string{"doc-4", "doc-3", "doc-2"}))
		})

		It("should keep the newest documents when limited", func() {
			docs, err := db.ListRecent(ctx, "user-1", extraction.Invoice, base, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(docs)).To(Equal([]string{"doc-4", "doc-3"}))
		})

		It("should not leak documents of an owner sharing the prefix", func() {
			docs, err := db.ListRecent(ctx, "user-10", extraction.Invoice, base, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(docs)).To(Equal([]string{"other-user"}))
		})
	})

	Describe("Bolt", func() {
		It("should share the file with the record store", func() {
			store, err := records.NewBoltStore(db.Bolt())
			Expect(err).NotTo(HaveOccurred())
			_, ok, err := store.FindByOCR(ctx, "doc-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	It("returns a wrapped error when the file cannot be opened", func() {
		_, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "missing", "dir", "test.db"))
		Expect(err).To(HaveOccurred())
		Expect(errors.Unwrap(err)).NotTo(BeNil())
	})
})
