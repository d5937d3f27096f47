package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// decodeStrict parses payload into v, failing on unknown fields or
// trailing data instead of silently ignoring them.
func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// Conn is the subset of connio.Conn's behavior a handler needs. It
// decouples catalog from connio so the wire format and the
// connection/worker plumbing can be tested independently.
type Conn interface {
	// UserName returns the authenticated user name, or "" if the
	// connection never sent a successful Login.
	UserName() string
	// SetUserName records a successful Login.
	SetUserName(name string)
	// Enqueue JSON-marshals v and appends the encoded frame to this
	// connection's outbound queue.
	Enqueue(messageNumber int, v any) error
	// PublishGlobal emits a GlobalChatEvent onto the bus.
	PublishGlobal(userName, message string)
	// PublishPrivate emits a PrivateChatEvent onto the bus.
	PublishPrivate(fromUserName, toUserName, message string)
	// Roster returns the user names of every currently connected,
	// authenticated connection across all workers.
	Roster() []string
}

// Dispatch decodes frame's JSON payload for its message number and
// invokes the matching handler effect against conn. An unknown
// message number is a framing error: the caller must close the
// connection.
func Dispatch(conn Conn, messageNumber int, payload []byte) error {
	switch messageNumber {
	case MsgPing:
		var raw struct {
			Nonce *uint32 `json:"nonce"`
			Reply *bool   `json:"reply"`
		}
		if err := decodeStrict(payload, &raw); err != nil {
			return fmt.Errorf("catalog: decode ping: %w", err)
		}
		if raw.Nonce == nil || raw.Reply == nil {
			return fmt.Errorf("catalog: ping: missing required field")
		}
		if !*raw.Reply {
			return conn.Enqueue(MsgPing, Ping{Nonce: *raw.Nonce, Reply: true})
		}
		return nil

	case MsgLogin:
		var raw struct {
			UserName *string `json:"user_name"`
		}
		if err := decodeStrict(payload, &raw); err != nil {
			return fmt.Errorf("catalog: decode login: %w", err)
		}
		if raw.UserName == nil || *raw.UserName == "" {
			return fmt.Errorf("catalog: login: missing required field user_name")
		}
		conn.SetUserName(*raw.UserName)
		return nil

	case MsgPublishGlobalChatMessage:
		var raw struct {
			Message *string `json:"message"`
		}
		if err := decodeStrict(payload, &raw); err != nil {
			return fmt.Errorf("catalog: decode publish global: %w", err)
		}
		if raw.Message == nil || *raw.Message == "" {
			return fmt.Errorf("catalog: publish global: missing required field message")
		}
		if userName := conn.UserName(); userName != "" {
			conn.PublishGlobal(userName, *raw.Message)
		}
		return nil

	case MsgPublishPrivateChatMessage:
		var raw struct {
			ToUserName *string `json:"to_user_name"`
			Message    *string `json:"message"`
		}
		if err := decodeStrict(payload, &raw); err != nil {
			return fmt.Errorf("catalog: decode publish private: %w", err)
		}
		if raw.ToUserName == nil || *raw.ToUserName == "" || raw.Message == nil || *raw.Message == "" {
			return fmt.Errorf("catalog: publish private: missing required field")
		}
		if userName := conn.UserName(); userName != "" {
			conn.PublishPrivate(userName, *raw.ToUserName, *raw.Message)
		}
		return nil

	case MsgRequestUserList:
		return conn.Enqueue(MsgListUsers, ListUsers{UserNames: conn.Roster()})

	case MsgGlobalChatMessage, MsgPrivateChatMessage, MsgUserLeft, MsgListUsers:
		// Server->client only; the server ignores these inbound.
		return nil

	default:
		return fmt.Errorf("catalog: unknown message number %d", messageNumber)
	}
}
