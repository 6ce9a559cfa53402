package models

import "time"

type MessageAuthor string

const (
	AuthorBot  MessageAuthor = "bot"
	AuthorUser MessageAuthor = "user"
)

// Action is one choice offered to the human at a script step. Type is the
// stable tag handlers dispatch on; Label is for display only.
type Action struct {
	Type  string `json:"type"`
	Label string `json:"label"`
}

// Message is one entry in a negotiation session's presentational log. It is
// reconstructible from script state and never authoritative for the
// transaction itself.
type Message struct {
	ID        string        `json:"id"`
	Author    MessageAuthor `json:"author"`
	Text      string        `json:"text"`
	Actions   []Action      `json:"actions,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
