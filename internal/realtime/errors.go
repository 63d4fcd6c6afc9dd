package realtime

import "errors"

var (
	ErrNoEndpoint       = errors.New("realtime: endpoint is required")
	ErrTokenExpired     = errors.New("realtime: auth token expired")
	ErrManualDisconnect = errors.New("realtime: disconnected by client")
	ErrTransportClosed  = errors.New("realtime: transport closed")
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
)

// AuthError 服务端拒绝认证
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "realtime: authentication failed: " + e.Reason
}

// IsAuthError 判断是否为认证失败
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
