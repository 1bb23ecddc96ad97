package stream

import (
	"encoding/base64"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/internal/auth"
	"github.com/stevedore-sh/stevedore/internal/sandbox"
	"github.com/stevedore-sh/stevedore/pkg/config"
)

type wsFixture struct {
	root   string
	server *httptest.Server
}

func newFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	resolver, err := sandbox.NewResolver(t.TempDir())
	require.NoError(t, err)
	authSvc := auth.NewService(&config.AuthConfig{Username: "admin", Password: "admin123"})

	router := gin.New()
	router.GET("/api/ws/upload", NewHandler(resolver, authSvc).Serve)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsFixture{root: resolver.Root(), server: server}
}

// dial opens a connection; preAuth appends valid upgrade-time credentials.
func (f *wsFixture) dial(t *testing.T, preAuth bool) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws/upload"
	if preAuth {
		url += "?auth=" + base64.StdEncoding.EncodeToString([]byte("admin:admin123"))
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// tempFiles lists leftover temp upload files anywhere under the root.
func (f *wsFixture) tempFiles(t *testing.T) []string {
	t.Helper()
	var found []string
	err := filepath.Walk(f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasPrefix(info.Name(), ".upload_") {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestStream_UploadEndToEnd(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	sendJSON(t, conn, map[string]any{"type": "init", "filename": "a.bin", "size": 4, "path": "/"})
	msg := readMessage(t, conn)
	require.Equal(t, "init_ok", msg["type"])
	assert.NotEmpty(t, msg["upload_id"])

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{3, 4}))

	// Reaching the declared total triggers a milestone progress frame.
	msg = readMessage(t, conn)
	require.Equal(t, "progress", msg["type"])
	assert.Equal(t, float64(4), msg["received"])
	assert.Equal(t, float64(100), msg["percent"])

	sendJSON(t, conn, map[string]any{"type": "complete"})
	msg = readMessage(t, conn)
	require.Equal(t, "complete_ok", msg["type"])
	assert.Equal(t, "/a.bin", msg["path"])
	assert.Equal(t, float64(4), msg["size"])

	data, err := os.ReadFile(filepath.Join(f.root, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.Empty(t, f.tempFiles(t))
}

func TestStream_UploadIntoSubdirectory(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	sendJSON(t, conn, map[string]any{"type": "init", "filename": "b.bin", "size": 2, "path": "/nested/dir"})
	require.Equal(t, "init_ok", readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9}))
	require.Equal(t, "progress", readMessage(t, conn)["type"])

	sendJSON(t, conn, map[string]any{"type": "complete"})
	msg := readMessage(t, conn)
	require.Equal(t, "complete_ok", msg["type"])
	assert.Equal(t, "/nested/dir/b.bin", msg["path"])

	_, err := os.Stat(filepath.Join(f.root, "nested", "dir", "b.bin"))
	assert.NoError(t, err)
}

func TestStream_AuthRequiredFlow(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, false)

	// Unauthenticated connections are prompted immediately.
	require.Equal(t, "auth_required", readMessage(t, conn)["type"])

	// Init before auth is rejected and must not create a temp file.
	sendJSON(t, conn, map[string]any{"type": "init", "filename": "x.bin", "size": 1, "path": "/"})
	require.Equal(t, "auth_required", readMessage(t, conn)["type"])
	assert.Empty(t, f.tempFiles(t))

	// Failed auth keeps the connection open for retry.
	sendJSON(t, conn, map[string]any{"type": "auth", "username": "admin", "password": "wrong"})
	require.Equal(t, "auth_failed", readMessage(t, conn)["type"])

	sendJSON(t, conn, map[string]any{"type": "auth", "username": "admin", "password": "admin123"})
	require.Equal(t, "auth_ok", readMessage(t, conn)["type"])

	sendJSON(t, conn, map[string]any{"type": "init", "filename": "x.bin", "size": 1, "path": "/"})
	require.Equal(t, "init_ok", readMessage(t, conn)["type"])
}

func TestStream_DisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	sendJSON(t, conn, map[string]any{"type": "init", "filename": "c.bin", "size": 100, "path": "/"})
	require.Equal(t, "init_ok", readMessage(t, conn)["type"])
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	// Drop the connection without completing.
	conn.Close()

	require.Eventually(t, func() bool {
		return len(f.tempFiles(t)) == 0
	}, 5*time.Second, 20*time.Millisecond, "temp file should be removed after disconnect")

	_, err := os.Stat(filepath.Join(f.root, "c.bin"))
	assert.True(t, os.IsNotExist(err), "destination must never be created")
}

func TestStream_BinaryBeforeInit(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "NO_SESSION", msg["code"])
}

func TestStream_MalformedMessageKeepsConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "INVALID_MESSAGE", msg["code"])

	// Connection survives; a valid init still works.
	sendJSON(t, conn, map[string]any{"type": "init", "filename": "ok.bin", "size": 1, "path": "/"})
	require.Equal(t, "init_ok", readMessage(t, conn)["type"])
}

func TestStream_InitRejectsEscape(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	sendJSON(t, conn, map[string]any{"type": "init", "filename": "e.bin", "size": 1, "path": "/../outside"})
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "INIT_FAILED", msg["code"])
}

func TestStream_InitRejectsTraversalFilename(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, true)

	for _, name := range []string{"../c.bin", "sub/c.bin", ".."} {
		sendJSON(t, conn, map[string]any{"type": "init", "filename": name, "size": 1, "path": "/"})
		msg := readMessage(t, conn)
		require.Equal(t, "error", msg["type"], "filename %q", name)
		assert.Equal(t, "INIT_FAILED", msg["code"])
	}

	// Rejection happens before the sink opens, so nothing is left behind.
	assert.Empty(t, f.tempFiles(t))
	_, err := os.Stat(filepath.Join(filepath.Dir(f.root), "c.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestProgressPercentClamps(t *testing.T) {
	assert.Equal(t, uint8(0), progressPercent(5, 0))
	assert.Equal(t, uint8(50), progressPercent(1, 2))
	assert.Equal(t, uint8(100), progressPercent(4, 4))
	// More bytes than declared must still read as 100, not wrap.
	assert.Equal(t, uint8(100), progressPercent(1<<20, 10))
}
