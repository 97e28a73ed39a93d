// internal/cdp/transport.go
package cdp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Screenshots and document snapshots easily exceed the default 32 KiB limit.
const maxReadLimit = 256 << 20

// Transport is one WebSocket connection to the browser's remote-debugging
// endpoint. Writes are serialized with a mutex; reads happen from a single
// reader goroutine owned by the Client.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialTransport connects to a DevTools WebSocket endpoint. Plain http(s)
// endpoints are resolved to the browser-level socket via /json/version.
func DialTransport(ctx context.Context, endpoint string, logger *zap.Logger) (*Transport, error) {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		resolved, err := resolveWebSocketURL(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		wsURL = resolved
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		// CDP frames can be large; raise the buffers above the defaults.
		ReadBufferSize:  4 << 20,
		WriteBufferSize: 4 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing devtools endpoint %q: %w", wsURL, err)
	}
	conn.SetReadLimit(maxReadLimit)

	logger.Debug("DevTools transport connected.", zap.String("url", wsURL))
	return &Transport{conn: conn}, nil
}

// resolveWebSocketURL asks a http(s) DevTools endpoint for its
// webSocketDebuggerUrl.
func resolveWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	versionURL := strings.TrimRight(endpoint, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", versionURL, err)
	}
	defer resp.Body.Close()

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decoding %s response: %w", versionURL, err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("endpoint %s reported no webSocketDebuggerUrl", endpoint)
	}
	return info.WebSocketDebuggerURL, nil
}

// WriteMessage sends one text frame. Safe for concurrent callers.
func (t *Transport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage blocks for the next frame. Single reader only.
func (t *Transport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Close tears the socket down. A blocked ReadMessage returns with an error.
func (t *Transport) Close() error {
	return t.conn.Close()
}
