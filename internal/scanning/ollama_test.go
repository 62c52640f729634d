package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		models chan string
		png    []byte
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		models = make(chan string, 1)
		var err error
		png, err = EncodePNG(image.NewGray(image.Rect(0, 0, 4, 4)))
		Expect(err).NotTo(HaveOccurred())

		server.RouteToHandler(http.MethodPost, "/api/chat", ghttp.CombineHandlers(
			func(w http.ResponseWriter, r *http.Request) {
				var req ollamaChatRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				models <- req.Model
				Expect(req.Messages).To(HaveLen(2))
				Expect(req.Messages[1].Images).To(HaveLen(1))
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: `{"blocks": [{"text": "Invoice No: INV-1", "confidence": 0.8}]}`},
				Done:    true,
			}),
		))
	})

	AfterEach(func() {
		server.Close()
	})

	It("should use the default model when none is configured", func() {
		engine, err := NewOllama(server.URL(), "")
		Expect(err).NotTo(HaveOccurred())

		result, err := engine.Recognize(context.Background(), Image{Data: png, ContentType: "image/png"})
		Expect(err).NotTo(HaveOccurred())
		Expect(models).To(Receive(Equal(DefaultOllamaModel)))
		Expect(result.Blocks).To(HaveLen(1))
		Expect(result.Blocks[0].Text).To(Equal("Invoice No: INV-1"))
	})

	It("should send the configured model", func() {
		engine, err := NewOllama(server.URL(), "llama3.2-vision")
		Expect(err).NotTo(HaveOccurred())

		_, err = engine.Recognize(context.Background(), Image{Data: png, ContentType: "image/png"})
		Expect(err).NotTo(HaveOccurred())
		Expect(models).To(Receive(Equal("llama3.2-vision")))
	})

	It("should wrap an API error with the engine name", func() {
		server.RouteToHandler(http.MethodPost, "/api/chat", ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		engine, err := NewOllama(server.URL(), "")
		Expect(err).NotTo(HaveOccurred())

		_, err = engine.Recognize(context.Background(), Image{Data: png, ContentType: "image/png"})
		var engErr *EngineError
		Expect(errors.As(err, &engErr)).To(BeTrue())
		Expect(engErr.Engine).To(Equal("ollama"))
		Expect(err.Error()).To(ContainSubstring("model not loaded"))
	})
})
