// Package protocol translates between the chat wire envelope and typed frames.
//
// Server to client traffic uses an envelope of the form
//
//	{"type": "message", "data": {"id": "...", "sender_id": "...", ...}}
//
// while client to server commands are flat objects such as
//
//	{"type": "message", "message": "hello", "mentions": []}
//
// Every envelope type maps to exactly one Frame implementation carrying only the
// fields that type uses.
package protocol

// Type is the envelope discriminator.
type Type string

const (
	TypeMessage  Type = "message"
	TypeTyping   Type = "typing"
	TypeRead     Type = "read"
	TypePresence Type = "presence"
	TypeError    Type = "error"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
)

// Frame is a decoded envelope.
type Frame interface {
	FrameType() Type
}

// ChatMessage is a chat message broadcast by the server.
type ChatMessage struct {
	ID           string
	TicketID     string
	SenderID     string
	SenderName   string
	SenderRole   string
	EmployeeCode string
	Message      string
	Mentions     []string
	CreatedAt    string
}

// Typing signals that SenderID is composing a message.
type Typing struct {
	SenderID string
}

// Read is a read receipt for message ID.
type Read struct {
	ID       string
	SenderID string
}

// Presence reports that SenderID joined or left the conversation.
type Presence struct {
	SenderID string
}

// Error carries a server side error description.
type Error struct {
	Message string
}

// Ping is the keep-alive frame.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

func (ChatMessage) FrameType() Type { return TypeMessage }
func (Typing) FrameType() Type      { return TypeTyping }
func (Read) FrameType() Type        { return TypeRead }
func (Presence) FrameType() Type    { return TypePresence }
func (Error) FrameType() Type       { return TypeError }
func (Ping) FrameType() Type        { return TypePing }
func (Pong) FrameType() Type        { return TypePong }

// Command is a client to server frame.
type Command interface {
	CommandType() Type
}

// SendChat asks the server to persist and broadcast a chat message.
type SendChat struct {
	Message  string
	Mentions []string
}

// SendTyping announces local typing activity.
type SendTyping struct{}

// SendPing is the client keep-alive.
type SendPing struct{}

func (SendChat) CommandType() Type   { return TypeMessage }
func (SendTyping) CommandType() Type { return TypeTyping }
func (SendPing) CommandType() Type   { return TypePing }
