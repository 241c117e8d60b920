package protocol

import (
	"regexp"
	"strings"
	"time"
)

// TimeLayout is the ISO-8601 layout used for every timestamp on the wire
// (millisecond precision, always UTC).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts any RFC 3339 timestamp, with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var tagRe = regexp.MustCompile(`^\[([A-Z]+)\]\s*(.*)$`)

// ParseTag extracts a leading "[TAG] body" marker from text. ok is false when
// the text does not start with an uppercase bracketed tag.
func ParseTag(text string) (tag, body string, ok bool) {
	m := tagRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// Event is a single inbound channel message as emitted by a gateway.
type Event struct {
	TeamID   string `json:"teamId"`
	TeamName string `json:"teamName"`
	Channel  string `json:"channel"`
	Nick     string `json:"nick"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

// MessageEntry is an Event enriched with its parsed tag. Entries are
// immutable once built.
type MessageEntry struct {
	TeamID   string  `json:"teamId"`
	TeamName string  `json:"teamName"`
	Channel  string  `json:"channel"`
	Nick     string  `json:"nick"`
	Text     string  `json:"text"`
	Time     string  `json:"time"`
	Tag      *string `json:"tag"`
	TagBody  *string `json:"tagBody"`
}

// NewEntry builds the MessageEntry for ev.
func NewEntry(ev Event) MessageEntry {
	entry := MessageEntry{
		TeamID:   ev.TeamID,
		TeamName: ev.TeamName,
		Channel:  ev.Channel,
		Nick:     ev.Nick,
		Text:     ev.Text,
		Time:     ev.Time,
	}
	if tag, body, ok := ParseTag(ev.Text); ok {
		entry.Tag = &tag
		entry.TagBody = &body
	}
	return entry
}

// TagName returns the tag or "" when the entry is untagged.
func (e MessageEntry) TagName() string {
	if e.Tag == nil {
		return ""
	}
	return *e.Tag
}
