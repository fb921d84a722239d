package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned for envelopes whose type is not part of the protocol.
var ErrUnknownType = errors.New("unknown frame type")

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type payload struct {
	ID           string   `json:"id,omitempty"`
	TicketID     string   `json:"ticket_id,omitempty"`
	SenderID     string   `json:"sender_id,omitempty"`
	SenderName   string   `json:"sender_name,omitempty"`
	SenderRole   string   `json:"sender_role,omitempty"`
	EmployeeCode string   `json:"employee_code,omitempty"`
	Message      string   `json:"message,omitempty"`
	Mentions     []string `json:"mentions,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Decode parses one server envelope. It performs structural parsing only.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var p payload
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}

	switch env.Type {
	case TypeMessage:
		return ChatMessage{
			ID:           p.ID,
			TicketID:     p.TicketID,
			SenderID:     p.SenderID,
			SenderName:   p.SenderName,
			SenderRole:   p.SenderRole,
			EmployeeCode: p.EmployeeCode,
			Message:      p.Message,
			Mentions:     p.Mentions,
			CreatedAt:    p.CreatedAt,
		}, nil
	case TypeTyping:
		return Typing{SenderID: p.SenderID}, nil
	case TypeRead:
		return Read{ID: p.ID, SenderID: p.SenderID}, nil
	case TypePresence:
		return Presence{SenderID: p.SenderID}, nil
	case TypeError:
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		return Error{Message: msg}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode renders a server envelope. The relay uses it to fan frames out to clients.
func Encode(f Frame) ([]byte, error) {
	var p *payload
	switch v := f.(type) {
	case ChatMessage:
		p = &payload{
			ID:           v.ID,
			TicketID:     v.TicketID,
			SenderID:     v.SenderID,
			SenderName:   v.SenderName,
			SenderRole:   v.SenderRole,
			EmployeeCode: v.EmployeeCode,
			Message:      v.Message,
			Mentions:     v.Mentions,
			CreatedAt:    v.CreatedAt,
		}
	case Typing:
		p = &payload{SenderID: v.SenderID}
	case Read:
		p = &payload{ID: v.ID, SenderID: v.SenderID}
	case Presence:
		p = &payload{SenderID: v.SenderID}
	case Error:
		p = &payload{Error: v.Message}
	case Ping, Pong:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}

	env := envelope{Type: f.FrameType()}
	if p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

type chatCommand struct {
	Type     Type     `json:"type"`
	Message  string   `json:"message"`
	Mentions []string `json:"mentions"`
}

type bareCommand struct {
	Type Type `json:"type"`
}

// EncodeCommand renders a client to server frame.
func EncodeCommand(c Command) ([]byte, error) {
	switch v := c.(type) {
	case SendChat:
		mentions := v.Mentions
		if mentions == nil {
			mentions = []string{}
		}
		return json.Marshal(chatCommand{Type: TypeMessage, Message: v.Message, Mentions: mentions})
	case SendTyping, SendPing:
		return json.Marshal(bareCommand{Type: c.CommandType()})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, c)
	}
}

// DecodeCommand parses a client to server frame. Frames without a type are
// treated as chat messages, matching what browsers historically sent.
func DecodeCommand(data []byte) (Command, error) {
	var raw struct {
		Type     Type     `json:"type"`
		Message  string   `json:"message"`
		Mentions []string `json:"mentions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	switch raw.Type {
	case TypeMessage, "":
		return SendChat{Message: raw.Message, Mentions: raw.Mentions}, nil
	case TypeTyping:
		return SendTyping{}, nil
	case TypePing:
		return SendPing{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, raw.Type)
	}
}
