// Package stream implements the WebSocket streaming-upload protocol. Each
// connection owns at most one upload session; there is no cross-connection
// state, so no locking either. The protocol exists to carry files past
// HTTP-body size limits: binary frames append to a temp file living in the
// destination directory, and Complete is a same-filesystem rename.
package stream

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stevedore-sh/stevedore/internal/auth"
	"github.com/stevedore-sh/stevedore/internal/sandbox"
	"github.com/stevedore-sh/stevedore/internal/transfer"
)

// progressInterval is the cumulative-byte milestone between progress
// frames. Per-frame progress messages measurably slow uploads over
// high-latency links, so reports only fire when a 2 MiB boundary is
// crossed or the declared total is reached.
const progressInterval = 2 * 1024 * 1024

// session is the per-connection upload state. Exclusively owned by the
// connection's handler goroutine.
type session struct {
	uploadID    string
	filename    string
	destLogical string // logical destination directory
	totalSize   int64
	sink        *transfer.Sink
}

// Handler upgrades HTTP requests and runs the upload protocol.
type Handler struct {
	resolver *sandbox.Resolver
	auth     *auth.Service
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket upload handler.
func NewHandler(resolver *sandbox.Resolver, authSvc *auth.Service) *Handler {
	return &Handler{
		resolver: resolver,
		auth:     authSvc,
		upgrader: websocket.Upgrader{
			// Browsers on other origins are allowed; auth happens in-band.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles one upload connection. Credentials may arrive ahead of the
// upgrade as ?auth=<base64 user:pass>; otherwise the connection starts
// unauthenticated and the server asks for an auth message.
func (h *Handler) Serve(c *gin.Context) {
	authenticated := false
	if encoded := c.Query("auth"); encoded != "" {
		authenticated = h.auth.VerifyEncoded(encoded)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	h.run(conn, authenticated)
}

func (h *Handler) run(conn *websocket.Conn, authenticated bool) {
	var sess *session

	if !authenticated {
		if send(conn, typeMessage{Type: msgAuthRequired}) != nil {
			return
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			// Abnormal close mid-upload: best-effort temp cleanup.
			if sess != nil {
				sess.sink.Discard()
				log.Warn().Str("filename", sess.filename).
					Msg("upload connection closed unexpectedly")
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				send(conn, protocolError(codeInvalidMessage, "invalid JSON: "+err.Error()))
				continue
			}

			switch msg.Type {
			case msgAuth:
				if h.auth.Verify(msg.Username, msg.Password) {
					authenticated = true
					send(conn, typeMessage{Type: msgAuthOk})
				} else {
					send(conn, authFailedMessage{Type: msgAuthFailed, Message: "Invalid credentials"})
				}

			case msgInit:
				if !authenticated {
					send(conn, typeMessage{Type: msgAuthRequired})
					continue
				}
				s, err := h.initSession(msg)
				if err != nil {
					send(conn, protocolError(codeInitFailed, err.Error()))
					continue
				}
				sess = s
				send(conn, initOkMessage{Type: msgInitOk, UploadID: s.uploadID})

			case msgComplete:
				if sess == nil {
					log.Warn().Msg("complete received but no active session")
					return
				}
				h.complete(conn, sess)
				return

			case msgCancel:
				if sess != nil {
					sess.sink.Discard()
					log.Info().Str("filename", sess.filename).Msg("upload cancelled")
				}
				return

			default:
				send(conn, protocolError(codeInvalidMessage, "unknown message type: "+msg.Type))
			}

		case websocket.BinaryMessage:
			if !authenticated {
				send(conn, typeMessage{Type: msgAuthRequired})
				continue
			}
			if sess == nil {
				send(conn, protocolError(codeNoSession, "Upload not initialized"))
				continue
			}
			if _, err := sess.sink.Write(data); err != nil {
				log.Error().Err(err).Str("upload_id", sess.uploadID).Msg("chunk write failed")
				send(conn, protocolError(codeWriteFailed, err.Error()))
				sess.sink.Discard()
				return
			}
			h.reportProgress(conn, sess, int64(len(data)))
		}
	}
}

// initSession resolves the destination, ensures it exists and opens a temp
// sink beside it. The temp file sits in the destination directory so the
// final step is an atomic same-filesystem rename.
func (h *Handler) initSession(msg clientMessage) (*session, error) {
	if err := sandbox.CheckFilename(msg.Filename); err != nil {
		return nil, err
	}
	dest, err := h.resolver.Resolve(msg.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest.Actual, 0755); err != nil {
		return nil, err
	}
	sink, err := transfer.CreateTemp(dest.Actual, msg.Filename)
	if err != nil {
		return nil, err
	}

	uploadID := uuid.New().String()
	log.Info().
		Str("upload_id", uploadID).
		Str("filename", msg.Filename).
		Int64("size", msg.Size).
		Msg("streaming upload session created")

	return &session{
		uploadID:    uploadID,
		filename:    msg.Filename,
		destLogical: dest.Logical,
		totalSize:   msg.Size,
		sink:        sink,
	}, nil
}

// reportProgress emits a progress frame when the running byte count crosses
// a milestone boundary or reaches the declared total.
func (h *Handler) reportProgress(conn *websocket.Conn, sess *session, frameLen int64) {
	received := sess.sink.Written()
	prevMilestone := (received - frameLen) / progressInterval
	currMilestone := received / progressInterval

	if currMilestone > prevMilestone || received == sess.totalSize {
		send(conn, progressMessage{
			Type:     msgProgress,
			Received: received,
			Total:    sess.totalSize,
			Percent:  progressPercent(received, sess.totalSize),
		})
	}
}

// progressPercent clamps to 100: a client may stream more bytes than it
// declared, and converting a float above 255 to uint8 is not defined.
func progressPercent(received, total int64) uint8 {
	if total <= 0 {
		return 0
	}
	percent := float64(received) / float64(total) * 100
	if percent > 100 {
		return 100
	}
	return uint8(percent)
}

// complete flushes, syncs and renames the temp file into place. On failure
// the temp file is left behind for manual cleanup: unlike Cancel and
// abnormal close, this path does not delete it.
func (h *Handler) complete(conn *websocket.Conn, sess *session) {
	size := sess.sink.Written()
	if err := sess.sink.Finalize(); err != nil {
		log.Error().Err(err).Str("upload_id", sess.uploadID).Msg("upload completion failed")
		send(conn, protocolError(codeCompleteFailed, err.Error()))
		return
	}

	logical := h.resolver.Relative(sess.destLogical)
	if logical == "/" {
		logical = ""
	}
	path := logical + "/" + sess.filename

	log.Info().
		Str("upload_id", sess.uploadID).
		Str("path", path).
		Int64("size", size).
		Msg("streaming upload completed")

	send(conn, completeOkMessage{Type: msgCompleteOk, Path: path, Size: size})
}

func send(conn *websocket.Conn, msg any) error {
	return conn.WriteJSON(msg)
}
