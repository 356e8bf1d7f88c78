package protocol

import "fmt"

// Category classifies a message. Server status messages are answered by the
// acceptor itself; the other categories belong to the application.
type Category uint8

const (
	CategoryGeneric         Category = 0
	CategoryServiceSpecific Category = 1
	CategoryServerStatus    Category = 2
)

func (c Category) Valid() bool {
	return c <= CategoryServerStatus
}

func (c Category) String() string {
	switch c {
	case CategoryGeneric:
		return "generic"
	case CategoryServiceSpecific:
		return "service-specific"
	case CategoryServerStatus:
		return "server-status"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// Server status message types
const (
	MsgTypeIsAlive       int32 = 0x01 // Liveness probe
	MsgTypeGetNumClients int32 = 0x02 // Active client count
	MsgTypeShutdown      int32 = 0x03 // Stop the acceptor
	MsgTypeStartServer   int32 = 0x10 // Ask the manager to start a service
)

// Error codes carried in Message.ErrCode. Zero means success.
const (
	CodeOK             int32 = 0
	CodeBadHost        int32 = 1 // Manager does not serve the requested host
	CodeBadPort        int32 = 2 // Requested port is unusable
	CodeServiceDenied  int32 = 3 // Acceptor is at its client ceiling
	CodeBadMessage     int32 = 4 // Request could not be decoded
	CodeServerError    int32 = 5 // Request could not be read
	CodeUnknownCommand int32 = 6 // Unrecognized server status command
	CodeUnknownService int32 = 7 // Manager has no entry for the service
	CodeStartFailed    int32 = 8 // Launched service never answered
)

// Flags
const (
	FlagCompressed uint8 = 1 << 0 // Payload is zstd-compressed on the wire
)

// Message is one request or reply envelope.
type Message struct {
	Type     int32
	Category Category
	ErrCode  int32
	Flags    uint8
	Payload  []byte
}

// NewMessage returns a generic-category message with the given type and payload.
func NewMessage(msgType int32, payload []byte) *Message {
	return &Message{Type: msgType, Payload: payload}
}

// Reply returns an empty reply to m carrying the same type and category.
func (m *Message) Reply(errCode int32, payload []byte) *Message {
	return &Message{
		Type:     m.Type,
		Category: m.Category,
		ErrCode:  errCode,
		Flags:    m.Flags & FlagCompressed,
		Payload:  payload,
	}
}

// CodeName returns a short name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeOK:
		return "ok"
	case CodeBadHost:
		return "bad host"
	case CodeBadPort:
		return "bad port"
	case CodeServiceDenied:
		return "service denied"
	case CodeBadMessage:
		return "bad message"
	case CodeServerError:
		return "server error"
	case CodeUnknownCommand:
		return "unknown command"
	case CodeUnknownService:
		return "unknown service"
	case CodeStartFailed:
		return "start failed"
	default:
		return fmt.Sprintf("code %d", code)
	}
}
