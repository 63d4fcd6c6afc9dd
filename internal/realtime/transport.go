package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// Transport 一条已建立的双向消息通道
type Transport interface {
	// ReadMessage 阻塞读取下一帧，通道关闭后返回错误
	ReadMessage() ([]byte, error)
	// WriteMessage 写入一帧文本消息，不可并发调用
	WriteMessage(data []byte) error
	// Close 发送关闭帧并释放连接，可重复调用
	Close(code int, reason string) error
}

// Dialer 建立 Transport
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// ============================================================================
// gorilla/websocket 实现
// ============================================================================

// WebSocketDialer 基于 gorilla/websocket 的 Dialer
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	ReadLimit    int64
}

// NewWebSocketDialer 创建默认配置的 Dialer
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		WriteTimeout: defaultWriteTimeout,
		ReadLimit:    defaultReadLimit,
	}
}

// Dial 建立 WebSocket 连接
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		// 关闭帧尽力发送，对端已失联时由 deadline 兜住
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(t.writeTimeout))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// ============================================================================
// 端点
// ============================================================================

// EndpointFromBaseURL 由 HTTP 基础地址推导实时通道地址：http→ws，https→wss
func EndpointFromBaseURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	if path != "" {
		u = u.JoinPath(path)
	}
	return u.String(), nil
}
