package webhook

import (
	"encoding/json"
	"fmt"
)

// UnitKind tags the known webhook change kinds. Unknown kinds are carried
// through explicitly instead of being guessed at, so new upstream event
// types degrade to a logged skip rather than a parse failure.
type UnitKind string

const (
	UnitKindMessage UnitKind = "message"
	UnitKindStatus  UnitKind = "status"
	UnitKindUnknown UnitKind = "unknown"
)

// Payload is the top-level webhook delivery from the platform
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry represents one business account entry; a single delivery may batch
// several conversation changes
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change wraps a single change notification
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds the change data. Messages and statuses stay raw until
// each unit is decoded independently, so one malformed unit cannot sink
// its siblings.
type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         Metadata          `json:"metadata"`
	Messages         []json.RawMessage `json:"messages,omitempty"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

// Metadata identifies the receiving phone number
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// MessageUnit is one inbound message extracted from a delivery
type MessageUnit struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *TextContent `json:"text,omitempty"`

	// Raw is the original message object as received
	Raw json.RawMessage `json:"-"`
}

// TextContent holds a text message body
type TextContent struct {
	Body string `json:"body"`
}

// Body returns the text body, empty for non-text messages
func (m *MessageUnit) Body() string {
	if m.Text == nil {
		return ""
	}
	return m.Text.Body
}

// StatusUnit is one delivery/read receipt extracted from a delivery
type StatusUnit struct {
	MessageID   string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Unit is the tagged union of extractable webhook change units
type Unit struct {
	Kind          UnitKind
	PhoneNumberID string
	// Field is the raw change field name, kept for unknown kinds
	Field string
	// Message is set when Kind is UnitKindMessage
	Message *MessageUnit
	// Status is set when Kind is UnitKindStatus
	Status *StatusUnit
}

// Parse decodes a verified raw payload
func Parse(rawBody []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	return &p, nil
}

// Units flattens the payload into independently processable units.
// Units that fail to decode come back as UnitKindUnknown rather than
// aborting the rest of the batch.
func (p *Payload) Units() []Unit {
	var units []Unit
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			phoneNumberID := change.Value.Metadata.PhoneNumberID

			if change.Field != "messages" {
				units = append(units, Unit{
					Kind:          UnitKindUnknown,
					PhoneNumberID: phoneNumberID,
					Field:         change.Field,
				})
				continue
			}

			for _, raw := range change.Value.Messages {
				var msg MessageUnit
				if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
					units = append(units, Unit{
						Kind:          UnitKindUnknown,
						PhoneNumberID: phoneNumberID,
						Field:         change.Field,
					})
					continue
				}
				msg.Raw = raw
				units = append(units, Unit{
					Kind:          UnitKindMessage,
					PhoneNumberID: phoneNumberID,
					Field:         change.Field,
					Message:       &msg,
				})
			}

			for _, raw := range change.Value.Statuses {
				var st StatusUnit
				if err := json.Unmarshal(raw, &st); err != nil || st.MessageID == "" {
					units = append(units, Unit{
						Kind:          UnitKindUnknown,
						PhoneNumberID: phoneNumberID,
						Field:         change.Field,
					})
					continue
				}
				units = append(units, Unit{
					Kind:          UnitKindStatus,
					PhoneNumberID: phoneNumberID,
					Field:         change.Field,
					Status:        &st,
				})
			}
		}
	}
	return units
}
