/*
Package message defines what travels over the wire: exactly one JSON object per text
frame. The connection layer treats a Message opaquely; the only field it knows about
is the "type" discriminator that owners switch on.
*/
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	CommentType MessageType = "comment"
	ErrorType   MessageType = "error"

	typeKey = "type"

	placeholderComment = "Entering no comments mode."
)

// Message is a decoded wire frame. Fields other than "type" are left untouched.
type Message map[string]interface{}

// Comment is a chat comment as sent by the comment form
type Comment struct {
	Type    MessageType `json:"type"`
	Comment string      `json:"comment"`
}

// Error is sent by the server when it rejects a request
type Error struct {
	Type    MessageType `json:"type"`
	Error   string      `json:"error"`
	Message string      `json:"message"`
}

// ParseError means an inbound frame was not a JSON object
type ParseError struct {
	Payload  []byte
	InnerErr error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed message %q: %s", truncate(e.Payload, 64), e.InnerErr)
}

func (e *ParseError) Unwrap() error { return e.InnerErr }

func NewComment(comment string) Comment {
	return Comment{
		Type:    CommentType,
		Comment: comment,
	}
}

// Placeholder is delivered to owners that run without a live backend
func Placeholder() Message {
	return Message{
		typeKey:   string(CommentType),
		"comment": placeholderComment,
	}
}

// Parse decodes a single frame. Anything other than a JSON object is rejected.
func Parse(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ParseError{Payload: data, InnerErr: fmt.Errorf("expected a json object")}
	}

	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, &ParseError{Payload: data, InnerErr: err}
	}
	return m, nil
}

// Marshal serializes any message value into a single frame
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Type returns the discriminator, or "" if it is missing or not a string
func (m Message) Type() MessageType {
	if t, ok := m[typeKey].(string); ok {
		return MessageType(t)
	}
	return ""
}

func (m Message) Is(t MessageType) bool {
	return m.Type() == t
}

// Decode copies the message into a typed struct such as Comment
func (m Message) Decode(into interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s message: %w", m.Type(), err)
	}

	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode %s message into %T: %w", m.Type(), into, err)
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
