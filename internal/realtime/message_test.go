package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_AuthReason(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"error field", `{"type":"auth_error","error":"invalid token"}`, "invalid token"},
		{"message field", `{"type":"auth_failed","message":"token revoked"}`, "token revoked"},
		{"error wins", `{"type":"auth_error","error":"a","message":"b"}`, "a"},
		{"empty error falls through", `{"type":"auth_error","error":"","message":"b"}`, "b"},
		{"object message", `{"type":"auth_failed","message":{"code":401}}`, `{"code":401}`},
		{"no reason", `{"type":"auth_failed"}`, "authentication rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env envelope
			require.NoError(t, json.Unmarshal([]byte(tt.frame), &env))
			assert.Equal(t, tt.want, env.authReason())
		})
	}
}

// TestEnvelope_DomainMessageWithObjectField 验证业务消息的 message 字段为对象时仍能解析类型
func TestEnvelope_DomainMessageWithObjectField(t *testing.T) {
	var env envelope
	err := json.Unmarshal([]byte(`{"type":"new_message","message":{"id":"m1","body":"hi"}}`), &env)
	require.NoError(t, err)
	assert.Equal(t, "new_message", env.Type)
}

func TestMessage_DecodeAndClone(t *testing.T) {
	msg := Message{Type: "booking_updated", Raw: json.RawMessage(`{"type":"booking_updated","booking_id":"b1"}`)}

	var payload struct {
		BookingID string `json:"booking_id"`
	}
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "b1", payload.BookingID)

	c := msg.clone()
	c.Raw[0] = 'X'
	assert.Equal(t, byte('{'), msg.Raw[0])
}

func TestOutboundMessages(t *testing.T) {
	data, err := json.Marshal(Authenticate("tok"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"authenticate","token":"tok"}`, string(data))

	data, err = json.Marshal(MessageRead("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_read","conversation_id":"c1","message_ids":[]}`, string(data))

	data, err = json.Marshal(Typing("c1", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","conversation_id":"c1","is_typing":true}`, string(data))

	assert.Equal(t, TypePresenceCheck, messageType(PresenceCheck("u1", "u2")))
	assert.Equal(t, TypeMessageDelivered, messageType(MessageDelivered("m1")))
	assert.Equal(t, "custom", messageType(map[string]string{"type": "x"}))
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "student-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestCheckTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	assert.NoError(t, checkTokenExpiry("opaque-session-token", now))
	assert.NoError(t, checkTokenExpiry("a.b.c", now), "unparseable tokens are left to the server")
	assert.NoError(t, checkTokenExpiry(signedToken(t, now.Add(time.Hour)), now))
	assert.ErrorIs(t, checkTokenExpiry(signedToken(t, now.Add(-time.Minute)), now), ErrTokenExpired)
}

func TestEndpointFromBaseURL(t *testing.T) {
	tests := []struct {
		base, path, want string
		wantErr          bool
	}{
		{base: "http://localhost:8080", path: "/ws", want: "ws://localhost:8080/ws"},
		{base: "https://api.tutorhub.io/v1", path: "ws", want: "wss://api.tutorhub.io/v1/ws"},
		{base: "wss://rt.tutorhub.io", path: "", want: "wss://rt.tutorhub.io"},
		{base: "ftp://host", path: "/ws", wantErr: true},
		{base: "http://", path: "/ws", wantErr: true},
	}
	for _, tt := range tests {
		got, err := EndpointFromBaseURL(tt.base, tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}
}
