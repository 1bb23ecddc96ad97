package stream

// Client-to-server message types.
const (
	msgAuth     = "auth"
	msgInit     = "init"
	msgComplete = "complete"
	msgCancel   = "cancel"
)

// Server-to-client message types.
const (
	msgAuthRequired = "auth_required"
	msgAuthOk       = "auth_ok"
	msgAuthFailed   = "auth_failed"
	msgInitOk       = "init_ok"
	msgProgress     = "progress"
	msgCompleteOk   = "complete_ok"
	msgError        = "error"
)

// Error codes carried by error frames.
const (
	codeInvalidMessage = "INVALID_MESSAGE"
	codeInitFailed     = "INIT_FAILED"
	codeCompleteFailed = "COMPLETE_FAILED"
	codeWriteFailed    = "WRITE_FAILED"
	codeNoSession      = "NO_SESSION"
)

// clientMessage is the union of all text frames a client may send; Type
// selects which fields are meaningful.
type clientMessage struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Server frames are one struct per message type so every field a type owns
// is always serialized, zero or not.

type typeMessage struct {
	Type string `json:"type"`
}

type authFailedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type initOkMessage struct {
	Type     string `json:"type"`
	UploadID string `json:"upload_id"`
}

type progressMessage struct {
	Type     string `json:"type"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
	Percent  uint8  `json:"percent"`
}

type completeOkMessage struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func protocolError(code, message string) errorMessage {
	return errorMessage{Type: msgError, Code: code, Message: message}
}
