package review

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		ctx     context.Context
		tmpDir  string
		storage *LocalStorage
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "uploads"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should save, read and delete a file", func() {
		ref, err := storage.Save(ctx, "doc-1_invoice.png", []byte("data"), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal("doc-1_invoice.png"))

		data, err := storage.Get(ctx, ref)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("data")))

		Expect(storage.Delete(ctx, ref)).To(Succeed())
		_, err = storage.Get(ctx, ref)
		Expect(err).To(MatchError(ErrFileNotFound))
	})

	It("should treat deleting a missing file as done", func() {
		Expect(storage.Delete(ctx, "never-saved.png")).To(Succeed())
	})

	It("should keep files inside the base directory", func() {
		ref, err := storage.Save(ctx, "../escape.png", []byte("data"), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal("escape.png"))
		_, statErr := os.Stat(filepath.Join(tmpDir, "escape.png"))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("should honour a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := storage.Save(cancelled, "a.png", []byte("data"), "image/png")
		Expect(err).To(MatchError(context.Canceled))
	})
})
