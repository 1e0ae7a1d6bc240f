package model

import "time"

type Status string

const (
	Scheduled Status = "scheduled"
	Pending   Status = "pending"
	Sent      Status = "sent"
	Failed    Status = "failed"
	Stopped   Status = "stopped"
)

// Column names one of the four media reference columns of a message record.
type Column string

const (
	ImageColumn    Column = "image_url"
	VideoColumn    Column = "video_url"
	AudioColumn    Column = "audio_url"
	DocumentColumn Column = "document_url"
)

// Kind returns the media kind stored in the column. Unknown columns
// (including the legacy "file_path") are delivered as documents.
func (c Column) Kind() MediaKind {
	switch c {
	case ImageColumn:
		return Image
	case VideoColumn:
		return Video
	case AudioColumn:
		return Audio
	default:
		return Document
	}
}

type MediaKind string

const (
	Image    MediaKind = "image"
	Video    MediaKind = "video"
	Audio    MediaKind = "audio"
	Document MediaKind = "document"
	Text     MediaKind = "text"
)

// Column is the inverse of Column.Kind.
func (k MediaKind) Column() Column {
	switch k {
	case Image:
		return ImageColumn
	case Video:
		return VideoColumn
	case Audio:
		return AudioColumn
	case Document:
		return DocumentColumn
	}
	return ""
}

type Message struct {
	ID            int64
	UserID        int64
	GroupID       string
	Caption       string
	ImageURL      *string
	VideoURL      *string
	AudioURL      *string
	DocumentURL   *string
	Status        Status
	Error         *string
	ScheduledTime *time.Time
	CreatedAt     time.Time
}

// MediaRef returns the first non-empty media reference in fallback order
// image, video, document, audio, and the column it came from.
func (m Message) MediaRef() (string, Column) {
	for _, c := range []struct {
		v   *string
		col Column
	}{
		{m.ImageURL, ImageColumn},
		{m.VideoURL, VideoColumn},
		{m.DocumentURL, DocumentColumn},
		{m.AudioURL, AudioColumn},
	} {
		if c.v != nil && *c.v != "" {
			return *c.v, c.col
		}
	}
	return "", ""
}

// InboundMessage is what the live viewer receives for every inbound group message.
type InboundMessage struct {
	GroupID     string    `json:"groupId"`
	SenderID    string    `json:"senderId"`
	Text        string    `json:"text"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	VideoURL    string    `json:"videoUrl,omitempty"`
	AudioURL    string    `json:"audioUrl,omitempty"`
	DocumentURL string    `json:"documentUrl,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
