package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"renderexport/admission"
	"renderexport/apperr"
	"renderexport/config"
	"renderexport/export"
	"renderexport/job"
	"renderexport/logger"
)

// Exporter is the export flow as seen from HTTP.
type Exporter interface {
	Create(ctx context.Context, clientKey string, req export.Request) (*export.Receipt, error)
	Retrieve(ctx context.Context, jobID, rel string) (*job.Artifact, error)
}

type Handler struct {
	exporter Exporter
	cfg      *config.Config
	log      *logger.Logger
}

func NewHandler(ex Exporter, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		exporter: ex,
		cfg:      cfg,
		log:      log.WithComponent("api"),
	}
}

type ExportResponse struct {
	JobID       string `json:"jobId"`
	File        string `json:"file"`
	Format      string `json:"format"`
	DownloadURL string `json:"downloadUrl"`
	// ExpiresIn is in seconds.
	ExpiresIn int64  `json:"expiresIn"`
	ExpiresAt string `json:"expiresAt"`
}

// handleCreateExport runs a capture and answers once the artifact is ready.
// With ?delivery=inline the artifact itself is the response body.
func (h *Handler) handleCreateExport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodySize)

	var req export.Request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	receipt, err := h.exporter.Create(ctx, c.ClientIP(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	setRateLimitHeaders(c, receipt.Admission)

	if c.Query("delivery") == "inline" {
		h.stream(c, receipt.JobID, receipt.File, "inline")
		return
	}

	c.JSON(http.StatusAccepted, ExportResponse{
		JobID:       receipt.JobID,
		File:        receipt.File,
		Format:      string(receipt.Format),
		DownloadURL: h.buildDownloadURL(c, receipt),
		ExpiresIn:   int64(receipt.ExpiresIn.Seconds()),
		ExpiresAt:   receipt.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleDownload streams a ready artifact once. The job's workspace is
// deleted when the response ends, however it ends.
func (h *Handler) handleDownload(c *gin.Context) {
	h.stream(c, c.Param("jobId"), c.Param("path"), "attachment")
}

func (h *Handler) stream(c *gin.Context, jobID, rel, disposition string) {
	artifact, err := h.exporter.Retrieve(c.Request.Context(), jobID, rel)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer func() {
		if err := artifact.Close(); err != nil {
			h.log.FromContext(c.Request.Context()).Warn("closing artifact failed", "job_id", jobID, "error", err.Error())
		}
	}()

	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType(disposition, map[string]string{"filename": artifact.Name}),
		"Cache-Control":       "no-store",
		"Last-Modified":       artifact.ModTime.UTC().Format(http.TimeFormat),
	}
	c.DataFromReader(http.StatusOK, artifact.Size, artifact.ContentType, artifact, headers)
}

// buildDownloadURL constructs the full URL for a ready job's file.
func (h *Handler) buildDownloadURL(c *gin.Context, r *export.Receipt) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return fmt.Sprintf("%s/export/%s/%s", baseURL, url.PathEscape(r.JobID), url.PathEscape(r.File))
}

// writeError maps err to a status and a generic message. Details only go to
// the log.
func (h *Handler) writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	status := apperr.HTTPStatus(err)

	switch {
	case errors.Is(err, apperr.ErrValidation):
		msg := "Invalid request"
		var e *apperr.Error
		if errors.As(err, &e) && e.Message != "" {
			msg = e.Message
		}
		c.JSON(status, gin.H{"error": msg})

	case errors.Is(err, apperr.ErrRateLimited):
		var rejected *export.RejectedError
		if errors.As(err, &rejected) {
			setRateLimitHeaders(c, rejected.Decision)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rejected.Decision.RetryAfter.Seconds()))))
		}
		c.JSON(status, gin.H{"error": "Too many requests"})

	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(status, gin.H{"error": "Not found"})

	default:
		args := []any{"code", apperr.GetCode(err)}
		var e *apperr.Error
		if errors.As(err, &e) {
			args = append(args, "stack", e.StackTrace())
		}
		h.log.LogError(ctx, "Export failed", err, args...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed"})
	}
}

func setRateLimitHeaders(c *gin.Context, d admission.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}
