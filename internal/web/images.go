package web

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/vitrin/internal/photo"
	"go.uber.org/zap"
)

// ImageProcessor transforms an uploaded photo into PNG bytes.
type ImageProcessor interface {
	Process(ctx context.Context, input io.Reader, request photo.Request) ([]byte, error)
}

// HandleImageProcess accepts a multipart upload (file, prompt, operation) and
// responds with the processed PNG.
func HandleImageProcess(logger *zap.Logger, processor ImageProcessor) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if processor == nil {
		panic("image processor is required")
	}

	return func(contextGin *gin.Context) {
		fileHeader, formErr := contextGin.FormFile("file")
		if formErr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(formErr, &tooLarge) {
				logger.Warn("image upload exceeds body limit",
					zap.String("code", "images.process.too_large"),
					zap.Int64("limit", tooLarge.Limit))
				contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request too large"})
				return
			}
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file required"})
			return
		}
		upload, openErr := fileHeader.Open()
		if openErr != nil {
			logger.Warn("image upload unreadable",
				zap.String("code", "images.process.open_failed"),
				zap.Error(openErr))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file required"})
			return
		}
		defer func() { _ = upload.Close() }()

		request := photo.Request{
			Operation: contextGin.PostForm("operation"),
			Prompt:    contextGin.PostForm("prompt"),
		}
		output, processErr := processor.Process(contextGin.Request.Context(), upload, request)
		if processErr != nil {
			logger.Error("image processing failed",
				zap.String("code", "images.process.failed"),
				zap.String("operation", request.Operation),
				zap.Int64("size", fileHeader.Size),
				zap.Error(processErr))
			status := http.StatusInternalServerError
			if errors.Is(processErr, photo.ErrInputTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			contextGin.AbortWithStatusJSON(status, gin.H{"error": "processing failed"})
			return
		}

		contextGin.Header("Cache-Control", "no-store")
		contextGin.Data(http.StatusOK, "image/png", output)
	}
}

// LimitRequestBody caps the request body at maxBytes before handlers parse it.
func LimitRequestBody(maxBytes int64) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if contextGin.Request.ContentLength > maxBytes {
			contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request too large"})
			return
		}
		contextGin.Request.Body = http.MaxBytesReader(contextGin.Writer, contextGin.Request.Body, maxBytes)
		contextGin.Next()
	}
}
