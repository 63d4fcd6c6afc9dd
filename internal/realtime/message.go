package realtime

import (
	"bytes"
	"encoding/json"
	"strings"
)

// 协议消息类型
const (
	TypeAuthenticate     = "authenticate"
	TypeAuthSuccess      = "auth_success"
	TypeAuthenticated    = "authenticated"
	TypeAuthError        = "auth_error"
	TypeAuthFailed       = "auth_failed"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeTyping           = "typing"
	TypeMessageDelivered = "message_delivered"
	TypeMessageRead      = "message_read"
	TypePresenceCheck    = "presence_check"
)

// Message 服务端推送的业务消息
//
// Raw 为原始 JSON 帧，按收到的内容原样转交订阅者。
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode 把原始帧解码到 v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

func (m Message) clone() Message {
	raw := make(json.RawMessage, len(m.Raw))
	copy(raw, m.Raw)
	return Message{Type: m.Type, Raw: raw}
}

// envelope 入站帧公共头
type envelope struct {
	Type    string          `json:"type"`
	Error   json.RawMessage `json:"error,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// authReason 从 auth_error/auth_failed 帧中提取原因，优先 error，其次 message
func (e envelope) authReason() string {
	for _, raw := range []json.RawMessage{e.Error, e.Message} {
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		return strings.TrimSpace(string(raw))
	}
	return "authentication rejected"
}

func isAuthSuccess(t string) bool {
	return t == TypeAuthSuccess || t == TypeAuthenticated
}

func isAuthFailure(t string) bool {
	return t == TypeAuthError || t == TypeAuthFailed
}

// ============================================================================
// 出站消息
// ============================================================================

// Outbound 可通过 Send 发出的消息，MessageType 用于指标标签
type Outbound interface {
	MessageType() string
}

// AuthenticateMessage 连接建立后发送的首帧
type AuthenticateMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (m AuthenticateMessage) MessageType() string { return m.Type }

// Authenticate 构造认证帧
func Authenticate(token string) AuthenticateMessage {
	return AuthenticateMessage{Type: TypeAuthenticate, Token: token}
}

// PingMessage 应用层心跳
type PingMessage struct {
	Type string `json:"type"`
}

func (m PingMessage) MessageType() string { return m.Type }

// Ping 构造心跳帧
func Ping() PingMessage {
	return PingMessage{Type: TypePing}
}

// TypingMessage 输入状态
type TypingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (m TypingMessage) MessageType() string { return m.Type }

// Typing 构造输入状态帧
func Typing(conversationID string, typing bool) TypingMessage {
	return TypingMessage{Type: TypeTyping, ConversationID: conversationID, IsTyping: typing}
}

// MessageDeliveredMessage 消息送达回执
type MessageDeliveredMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

func (m MessageDeliveredMessage) MessageType() string { return m.Type }

// MessageDelivered 构造送达回执
func MessageDelivered(messageID string) MessageDeliveredMessage {
	return MessageDeliveredMessage{Type: TypeMessageDelivered, MessageID: messageID}
}

// MessageReadMessage 已读回执
type MessageReadMessage struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

func (m MessageReadMessage) MessageType() string { return m.Type }

// MessageRead 构造已读回执
func MessageRead(conversationID string, messageIDs ...string) MessageReadMessage {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return MessageReadMessage{Type: TypeMessageRead, ConversationID: conversationID, MessageIDs: messageIDs}
}

// PresenceCheckMessage 在线状态查询
type PresenceCheckMessage struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids"`
}

func (m PresenceCheckMessage) MessageType() string { return m.Type }

// PresenceCheck 构造在线状态查询
func PresenceCheck(userIDs ...string) PresenceCheckMessage {
	if userIDs == nil {
		userIDs = []string{}
	}
	return PresenceCheckMessage{Type: TypePresenceCheck, UserIDs: userIDs}
}

// messageType 取出站消息类型，未实现 Outbound 的按 custom 计
func messageType(payload any) string {
	if o, ok := payload.(Outbound); ok && o.MessageType() != "" {
		return o.MessageType()
	}
	return "custom"
}
