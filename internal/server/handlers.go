package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stevedore-sh/stevedore/internal/sandbox"
	"github.com/stevedore-sh/stevedore/internal/transfer"
	"github.com/stevedore-sh/stevedore/internal/upload"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Handlers implements the REST upload endpoints.
type Handlers struct {
	resolver    *sandbox.Resolver
	manager     *upload.Manager
	maxBodySize int64
}

// InitChunked starts a chunked upload session.
func (h *Handlers) InitChunked(c *gin.Context) {
	var req types.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	sess, err := h.manager.Init(req.Path, req.Filename, req.TotalSize, req.ChunkSize, req.TotalChunks)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, types.InitUploadResponse{
		Success:   true,
		UploadID:  sess.ID,
		ChunkSize: sess.ChunkSize,
	})
}

// PutChunk receives one chunk body. uploadId and chunkIndex arrive as query
// parameters; the chunk bytes are the raw request body.
func (h *Handlers) PutChunk(c *gin.Context) {
	uploadID := c.Query("uploadId")
	index, err := strconv.ParseUint(c.Query("chunkIndex"), 10, 32)
	if uploadID == "" || err != nil {
		fail(c, http.StatusBadRequest, types.ErrProtocol)
		return
	}

	if _, err := h.manager.PutChunk(uploadID, uint(index), c.Request.Body); err != nil {
		fail(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, types.ChunkResponse{
		Success:    true,
		ChunkIndex: uint(index),
		Received:   true,
	})
}

// CompleteChunked merges all chunks into the destination file.
func (h *Handlers) CompleteChunked(c *gin.Context) {
	var req types.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	result, err := h.manager.Complete(req.UploadID)
	if err != nil {
		var missing *types.MissingChunksError
		if errors.As(err, &missing) {
			c.JSON(http.StatusConflict, types.ErrorResponse{
				Success: false,
				Error:   missing.Error(),
				Missing: missing.Indices,
			})
			return
		}
		fail(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, types.CompleteUploadResponse{
		Success: true,
		Name:    result.Name,
		Size:    result.Size,
		Path:    result.Path,
	})
}

// AbortChunked discards a session. Unknown ids succeed.
func (h *Handlers) AbortChunked(c *gin.Context) {
	var req types.AbortUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.Abort(req.UploadID); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UploadMultipart is the single-shot upload path. The request is streamed
// part by part: an optional "path" field selects the destination directory,
// then each "files" part is written through a transfer sink, never buffered
// whole in memory.
func (h *Handlers) UploadMultipart(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodySize)

	reader, err := c.Request.MultipartReader()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	dest, err := h.resolver.Resolve("/")
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	var files []types.UploadedFile

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}

		switch part.FormName() {
		case "path":
			raw, err := io.ReadAll(part)
			if err != nil {
				fail(c, http.StatusBadRequest, err)
				return
			}
			if dest, err = h.resolver.Resolve(string(raw)); err != nil {
				fail(c, statusFor(err), err)
				return
			}

		case "files":
			stored, err := h.storeFile(dest, part.FileName(), part)
			if err != nil {
				fail(c, statusFor(err), err)
				return
			}
			files = append(files, stored)
		}
	}

	c.JSON(http.StatusOK, types.UploadResponse{Success: true, Files: files})
}

func (h *Handlers) storeFile(dest sandbox.Path, filename string, body io.Reader) (types.UploadedFile, error) {
	if filename == "" {
		filename = "unknown"
	}
	if err := sandbox.CheckFilename(filename); err != nil {
		return types.UploadedFile{}, err
	}
	if err := os.MkdirAll(dest.Actual, 0755); err != nil {
		return types.UploadedFile{}, err
	}

	sink, err := transfer.CreateTemp(dest.Actual, filename)
	if err != nil {
		return types.UploadedFile{}, err
	}
	if _, err := io.Copy(sink, body); err != nil {
		sink.Discard()
		return types.UploadedFile{}, err
	}
	if err := sink.Finalize(); err != nil {
		sink.Discard()
		return types.UploadedFile{}, err
	}

	size := sink.Written()
	logical := h.resolver.Relative(filepath.Join(dest.Logical, filename))
	log.Info().Str("path", logical).Str("size", humanize.Bytes(uint64(size))).
		Msg("file uploaded")

	return types.UploadedFile{
		Name:          filename,
		Size:          size,
		SizeFormatted: humanize.Bytes(uint64(size)),
		Path:          logical,
	}, nil
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, types.ErrorResponse{Success: false, Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrSessionNotFound), errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidIndex), errors.Is(err, types.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
