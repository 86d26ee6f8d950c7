// Package notify abstracts the chat/UI transport used to reach parties.
// The workflow core only queues messages and resolves handles; the
// concrete transport (bot, HTTP poller) lives outside this module.
package notify

import "errors"

// ErrUndeliverable signals that a handle cannot be resolved or a party
// cannot be reached directly; the caller falls back to an invitation
// token.
var ErrUndeliverable = errors.New("undeliverable")

// Message is one outbound notification.
type Message struct {
	PartyID string `json:"party_id"`
	Text    string `json:"text"`
}

// Delivery resolves handles to addressable party ids and delivers
// messages to them.
type Delivery interface {
	// Resolve maps a human-supplied handle (with or without a leading @)
	// to a party id, or ErrUndeliverable.
	Resolve(handle string) (string, error)
	// Send delivers text to a party, or returns ErrUndeliverable.
	Send(partyID, text string) error
}
