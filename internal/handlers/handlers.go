package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/civiceye/civic-eye-api/internal/classifier"
	"github.com/civiceye/civic-eye-api/internal/middleware"
	"github.com/civiceye/civic-eye-api/internal/model"
)

// Classifier is the pipeline the handlers expose.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (*classifier.Prediction, error)
	ClassifyTensor(data []float32) (*classifier.Prediction, error)
	Compare(ctx context.Context, data []byte) (*classifier.Comparison, error)
	Check(ctx context.Context) classifier.Health
	Metadata() classifier.ModelInfo
	LoadedOK() bool
}

var errNoImage = errors.New("no image provided; send raw bytes or a multipart field named 'file' or 'image'")

type Handler struct {
	classifier    Classifier
	maxUploadSize int64
	log           *zap.Logger
}

func NewHandler(c Classifier, maxUploadSize int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		classifier:    c,
		maxUploadSize: maxUploadSize,
		log:           log,
	}
}

// Register mounts all routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/", h.Home)
	r.GET("/health", h.Health)
	r.GET("/model_info", h.ModelInfo)
	r.POST("/predict", h.Predict)
	r.POST("/predict_debug", h.PredictDebug)
	r.POST("/predict_tensor", h.PredictTensor)
}

func (h *Handler) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":      "Civic Eye API is running",
		"model_loaded": h.classifier.LoadedOK(),
	})
}

func (h *Handler) Health(c *gin.Context) {
	health := h.classifier.Check(c.Request.Context())
	status := http.StatusOK
	if health.Status != classifier.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (h *Handler) ModelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.classifier.Metadata())
}

func (h *Handler) Predict(c *gin.Context) {
	data, err := h.readImage(c)
	if err != nil {
		h.requestError(c, err)
		return
	}

	result, err := h.classifier.Classify(c.Request.Context(), data)
	if err != nil {
		h.pipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) PredictDebug(c *gin.Context) {
	data, err := h.readImage(c)
	if err != nil {
		h.requestError(c, err)
		return
	}

	cmp, err := h.classifier.Compare(c.Request.Context(), data)
	if err != nil {
		h.pipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"debug_results": gin.H{
			"grayscale": debugPath(cmp.Grayscale),
			"rgb":       debugPath(cmp.RGB),
		},
		"input_shapes": gin.H{
			"grayscale": cmp.GrayscaleShape,
			"rgb":       cmp.RGBShape,
		},
		"source_mode":          cmp.SourceMode,
		"source_channels":      cmp.SourceChannels,
		"model_input_channels": cmp.ExpectedChannels,
		"model_loaded":         h.classifier.LoadedOK(),
	})
}

// PredictTensor accepts an already preprocessed NHWC tensor as JSON.
func (h *Handler) PredictTensor(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.requestError(c, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	result, err := h.classifier.ClassifyTensor(req.Image)
	if err != nil {
		h.pipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func debugPath(r classifier.PathResult) gin.H {
	if r.Err != nil {
		return gin.H{"error": r.Err.Error(), "error_type": model.ErrorKind(r.Err)}
	}
	return gin.H{
		"predicted_class": r.Prediction.Label,
		"department":      r.Prediction.Department,
		"confidence":      r.Prediction.Confidence,
		"all_scores":      r.Prediction.Scores,
	}
}

// readImage returns the upload from a multipart field or the raw body.
func (h *Handler) readImage(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	if c.ContentType() == "multipart/form-data" {
		for _, field := range []string{"file", "image"} {
			header, err := c.FormFile(field)
			if err != nil {
				if errors.Is(err, http.ErrMissingFile) {
					continue
				}
				return nil, err
			}
			file, err := header.Open()
			if err != nil {
				return nil, err
			}
			defer file.Close()
			return io.ReadAll(file)
		}
		return nil, errNoImage
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errNoImage
	}
	return data, nil
}

func (h *Handler) requestError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	h.log.Info("bad request",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.Error(err))
	c.JSON(status, gin.H{
		"error":        err.Error(),
		"error_type":   "bad_request",
		"model_loaded": h.classifier.LoadedOK(),
	})
}

func (h *Handler) pipelineError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error":        err.Error(),
		"error_type":   model.ErrorKind(err),
		"model_loaded": h.classifier.LoadedOK(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrShapeMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
