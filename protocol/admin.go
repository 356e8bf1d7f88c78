package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StartServerRequest asks a manager to make sure a service is listening.
type StartServerRequest struct {
	URL      string `json:"url"`
	Service  string `json:"service"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Instance string `json:"instance,omitempty"`
}

// StartServerReply is returned by the manager.
type StartServerReply struct {
	Started bool   `json:"started"` // false when the service was already running
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message,omitempty"`
}

// AliveReply answers MsgTypeIsAlive.
type AliveReply struct {
	PID      int    `json:"pid"`
	Service  string `json:"service"`
	Instance string `json:"instance"`
}

// NumClientsReply answers MsgTypeGetNumClients.
type NumClientsReply struct {
	Clients    int `json:"clients"`
	MaxClients int `json:"max_clients"`
}

// ErrorReply is the payload of any reply with a non-zero error code.
type ErrorReply struct {
	Message string `json:"message"`
}

// EncodePayload marshals an administrative payload.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes a payload into an administrative structure
func DecodePayload(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// NewStatusMessage builds a server status command with an optional payload.
func NewStatusMessage(msgType int32, v interface{}) (*Message, error) {
	msg := &Message{Type: msgType, Category: CategoryServerStatus}
	if v != nil {
		payload, err := EncodePayload(v)
		if err != nil {
			return nil, err
		}
		msg.Payload = payload
	}
	return msg, nil
}

// ErrorMessage returns a reply to req carrying code and a text payload.
func ErrorMessage(req *Message, code int32, text string) *Message {
	payload, _ := EncodePayload(ErrorReply{Message: text})
	if req == nil {
		return &Message{Category: CategoryServerStatus, ErrCode: code, Payload: payload}
	}
	reply := req.Reply(code, payload)
	reply.Flags = 0
	return reply
}

// ErrorText extracts the text of an ErrorReply payload, falling back to the
// code name when the payload does not decode.
func ErrorText(msg *Message) string {
	var reply ErrorReply
	if err := DecodePayload(msg.Payload, &reply); err != nil || reply.Message == "" {
		return CodeName(msg.ErrCode)
	}
	return reply.Message
}
