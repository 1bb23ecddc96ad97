package types

// InitUploadRequest starts a chunked upload session.
type InitUploadRequest struct {
	Path        string `json:"path"`
	Filename    string `json:"filename" binding:"required"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int64  `json:"chunkSize" binding:"required"`
	TotalChunks uint   `json:"totalChunks" binding:"required"`
}

// InitUploadResponse returns the session id the client must present with
// every chunk, and echoes the negotiated chunk size.
type InitUploadResponse struct {
	Success   bool   `json:"success"`
	UploadID  string `json:"uploadId"`
	ChunkSize int64  `json:"chunkSize"`
}

// ChunkResponse acknowledges receipt of a single chunk.
type ChunkResponse struct {
	Success    bool `json:"success"`
	ChunkIndex uint `json:"chunkIndex"`
	Received   bool `json:"received"`
}

// CompleteUploadRequest finalizes a chunked upload session.
type CompleteUploadRequest struct {
	UploadID string `json:"uploadId" binding:"required"`
}

// CompleteUploadResponse describes the merged destination file.
type CompleteUploadResponse struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Path    string `json:"path"`
}

// AbortUploadRequest discards a chunked upload session. Aborting an unknown
// session id is a no-op success.
type AbortUploadRequest struct {
	UploadID string `json:"uploadId" binding:"required"`
}

// UploadedFile describes one file stored by the multipart upload endpoint.
// Paths are logical (root-relative), not symlink-resolved.
type UploadedFile struct {
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	SizeFormatted string `json:"sizeFormatted"`
	Path          string `json:"path"`
}

// UploadResponse lists the files stored by a multipart upload request.
type UploadResponse struct {
	Success bool           `json:"success"`
	Files   []UploadedFile `json:"files"`
}

// ErrorResponse is the failure envelope shared by every REST endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Missing []uint `json:"missing,omitempty"`
}
