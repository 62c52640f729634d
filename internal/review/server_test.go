package review

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/records"
)

var _ = Describe("Server", func() {
	var (
		f           *serviceFixture
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server := NewServerWithMux(f.service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		anyPath := regexp.MustCompile(".*")
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
	}

	do := func(method, path string, body io.Reader, header http.Header) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	postJSON := func(path string, v any) *http.Response {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return do(http.MethodPost, path, bytes.NewReader(data), http.Header{"Content-Type": {"application/json"}})
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(fields map[string]string, filename string, data []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range fields {
			Expect(mw.WriteField(k, v)).To(Succeed())
		}
		if filename != "" {
			fw, err := mw.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			_, err = fw.Write(data)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(mw.Close()).To(Succeed())
		return do(http.MethodPost, "/api/documents", &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
	}

	BeforeEach(func() {
		f = newServiceFixture(lenientConfig())
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("POST /api/documents", func() {
		It("should accept the upload and report it as processing", func() {
			resp := upload(map[string]string{"document_type": "invoice", "user_id": "user-1"}, "scan.png", stripedPNG(16, 16))
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var body map[string]string
			decode(resp, &body)
			Expect(body).To(Equal(map[string]string{"id": "doc-1", "status": "PROCESSING"}))

			doc, err := f.repo.Get(f.ctx, "doc-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.ContentType).To(Equal("image/png"))
		})

		It("should take the owner from the user header", func() {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			Expect(mw.WriteField("document_type", "sale_receipt")).To(Succeed())
			fw, _ := mw.CreateFormFile("file", "receipt.jpg")
			fw.Write([]byte("jpeg"))
			Expect(mw.Close()).To(Succeed())

			resp := do(http.MethodPost, "/api/documents", &buf, http.Header{
				"Content-Type": {mw.FormDataContentType()},
				"X-User-Id":    {"user-7"},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			doc, _ := f.repo.Get(f.ctx, "doc-1")
			Expect(doc.UserID).To(Equal("user-7"))
			Expect(doc.ContentType).To(Equal("image/jpeg"))
		})

		It("returns 400 without a file", func() {
			resp := upload(map[string]string{"document_type": "invoice", "user_id": "user-1"}, "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for an unknown document type", func() {
			resp := upload(map[string]string{"document_type": "quote", "user_id": "user-1"}, "scan.png", []byte("x"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body map[string]string
			decode(resp, &body)
			Expect(body["error"]).To(ContainSubstring("unknown document type"))
		})

		It("returns 503 when the queue is full", func() {
			f.cfg.QueueSize = 0
			f.build()
			setupServer()
			resp := upload(map[string]string{"document_type": "invoice", "user_id": "user-1"}, "scan.png", []byte("x"))
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("GET /api/documents", func() {
		BeforeEach(func() {
			f.process("user-1")
			f.process("user-2")
		})

		It("should list documents filtered by owner", func() {
			resp := do(http.MethodGet, "/api/documents?user_id=user-2&status=completed", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var docs []*OCRData
			decode(resp, &docs)
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].UserID).To(Equal("user-2"))
		})

		It("returns 400 for an unknown status", func() {
			resp := do(http.MethodGet, "/api/documents?status=LOST", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for an unknown document type", func() {
			resp := do(http.MethodGet, "/api/documents?document_type=quote", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/documents/{id}", func() {
		It("should return the document with its findings", func() {
			doc := f.process("user-1")
			resp := do(http.MethodGet, "/api/documents/"+doc.ID, nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var got OCRData
			decode(resp, &got)
			Expect(got.Status).To(Equal(StatusCompleted))
			Expect(got.ExtractedData.DuplicateCheck).NotTo(BeNil())
		})

		It("returns 404 for an unknown document", func() {
			resp := do(http.MethodGet, "/api/documents/nope", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should serve the stored file", func() {
			doc := f.process("user-1")
			resp := do(http.MethodGet, "/api/documents/"+doc.ID+"/file", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			data, _ := io.ReadAll(resp.Body)
			Expect(data).To(Equal(f.storage.files[doc.ImageURL]))
		})
	})

	Describe("reviewer actions", func() {
		var doc *OCRData

		BeforeEach(func() {
			doc = f.process("user-1")
		})

		It("should approve and create a record", func() {
			resp := postJSON("/api/documents/"+doc.ID+"/approve", map[string]any{"create_record": true, "document_type": "invoice"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var got OCRData
			decode(resp, &got)
			Expect(got.Record).To(Equal(&records.Ref{Type: extraction.Invoice, ID: "rec-1"}))
		})

		It("returns 409 for a second approval", func() {
			Expect(postJSON("/api/documents/"+doc.ID+"/approve", map[string]any{"create_record": true}).StatusCode).To(Equal(http.StatusOK))
			resp := postJSON("/api/documents/"+doc.ID+"/approve", map[string]any{"create_record": true})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(f.materializer.Calls()).To(Equal(1))
		})

		It("returns 409 when approving an unaccepted duplicate", func() {
			dup := f.process("user-1")
			resp := postJSON("/api/documents/"+dup.ID+"/approve", map[string]any{"create_record": true})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("returns 400 for an unknown document type", func() {
			resp := postJSON("/api/documents/"+doc.ID+"/approve", map[string]any{"document_type": "quote"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for a malformed body", func() {
			resp := do(http.MethodPost, "/api/documents/"+doc.ID+"/reject", strings.NewReader("{"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should accept a review with the reviewer from the header", func() {
			dup := f.process("user-1")
			data, _ := json.Marshal(map[string]any{"accept_duplicate": true, "notes": "same invoice, rescanned"})
			resp := do(http.MethodPost, "/api/documents/"+dup.ID+"/review", bytes.NewReader(data), http.Header{"X-User-Id": {"reviewer-9"}})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var got OCRData
			decode(resp, &got)
			Expect(got.ExtractedData.ReviewedBy).To(Equal("reviewer-9"))
			Expect(got.ExtractedData.AcceptedDuplicate).To(BeTrue())
		})

		It("returns 422 when reviewing a completed document", func() {
			resp := postJSON("/api/documents/"+doc.ID+"/review", map[string]any{})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should reject and then retry", func() {
			resp := postJSON("/api/documents/"+doc.ID+"/reject", map[string]any{"reason": "wrong vendor"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = do(http.MethodPost, "/api/documents/"+doc.ID+"/retry", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var got OCRData
			decode(resp, &got)
			Expect(got.Status).To(Equal(StatusProcessing))
			Expect(got.Attempt).To(Equal(2))
		})

		It("returns 422 when retrying a completed document", func() {
			resp := do(http.MethodPost, "/api/documents/"+doc.ID+"/retry", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should refuse to retry a document awaiting review but allow rejecting it", func() {
			dup := f.process("user-1")
			Expect(dup.Status).To(Equal(StatusManualReview))

			resp := do(http.MethodPost, "/api/documents/"+dup.ID+"/retry", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

			resp = postJSON("/api/documents/"+dup.ID+"/reject", map[string]any{"reason": "rescan of an earlier invoice"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var got OCRData
			decode(resp, &got)
			Expect(got.Status).To(Equal(StatusFailed))
			Expect(got.ErrorMessage).To(Equal("rescan of an earlier invoice"))
		})

		It("should delete an unlinked document", func() {
			resp := do(http.MethodDelete, "/api/documents/"+doc.ID, nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(f.storage.Has(doc.ImageURL)).To(BeFalse())
		})

		It("returns 409 when deleting a linked document", func() {
			Expect(postJSON("/api/documents/"+doc.ID+"/approve", map[string]any{"create_record": true}).StatusCode).To(Equal(http.StatusOK))
			resp := do(http.MethodDelete, "/api/documents/"+doc.ID, nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("GET /api/records/{type}/{id}", func() {
		BeforeEach(func() {
			ref := records.Ref{Type: extraction.Invoice, ID: "rec-1"}
			f.records.records[ref] = &records.Record{ID: "rec-1", Type: extraction.Invoice, Number: "INV-1", Amount: decimal.RequireFromString("10")}
		})

		It("should return the record", func() {
			resp := do(http.MethodGet, "/api/records/invoice/rec-1", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var rec records.Record
			decode(resp, &rec)
			Expect(rec.Number).To(Equal("INV-1"))
		})

		It("returns 404 for an unknown record", func() {
			resp := do(http.MethodGet, "/api/records/invoice/rec-2", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for an unknown type", func() {
			resp := do(http.MethodGet, "/api/records/quote/rec-1", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("returns 401 with a challenge without credentials", func() {
			resp := do(http.MethodGet, "/api/documents", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should allow valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/documents", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp := do(http.MethodGet, "/healthz", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/documents", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
			Expect(resp.Header.Get("Access-Control-Allow-Headers")).To(ContainSubstring("X-User-ID"))
		})
	})
})
