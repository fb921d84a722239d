// Package models defines the data types shared by the ticket chat engine.
//
// These types describe conversation messages as the local participant sees them,
// the durable comment records returned by the ticket service, and the identity of
// the participant driving a chat session.
package models

import (
	"fmt"
	"time"
)

// DeliveryState tracks how far a message has travelled towards durable storage.
type DeliveryState string

const (
	// DeliveryPending is an optimistic entry not yet handed to any transport.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent was written to the live connection and awaits the server echo.
	DeliverySent DeliveryState = "sent"
	// DeliveryConfirmed is present in durable history.
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed means the delivery attempt errored.
	DeliveryFailed DeliveryState = "failed"
)

// ConversationMessage is one entry in a ticket conversation.
type ConversationMessage struct {
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversation_id"`
	SenderID           string        `json:"sender_id"`
	SenderName         string        `json:"sender_name"`
	SenderRole         string        `json:"sender_role"`
	SenderEmployeeCode string        `json:"sender_employee_code,omitempty"`
	Content            string        `json:"content"`
	CreatedAt          time.Time     `json:"created_at"`
	IsLocalOrigin      bool          `json:"is_local_origin"`
	DeliveryState      DeliveryState `json:"delivery_state"`
}

// Confirmed reports whether the message is known to be durable.
func (m ConversationMessage) Confirmed() bool {
	return m.DeliveryState == DeliveryConfirmed
}

// Comment is a durable comment record as served by the ticket service.
type Comment struct {
	ID           string `json:"id"`
	TicketID     string `json:"ticketId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	UserRole     string `json:"userRole,omitempty"`
	EmployeeCode string `json:"employeeCode,omitempty"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
}

// Attachment is the result of uploading a file to the file service.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Key         string `json:"key,omitempty"`
}

// MarkdownLink renders the attachment the way it is embedded into composed text.
func (a Attachment) MarkdownLink() string {
	return fmt.Sprintf("\n[File: %s](%s)", a.Filename, a.URL)
}

// Participant identifies the person driving a chat session.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	EmployeeCode string `json:"employee_code,omitempty"`
}

// Valid reports whether the participant carries an id.
func (p Participant) Valid() bool {
	return p.ID != ""
}

// DefaultRole is used when a record does not carry a sender role.
const DefaultRole = "user"

// ParseTimestamp parses the ISO-8601 timestamps used on the wire and in comment
// records. An empty or malformed value yields the zero time and false.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
