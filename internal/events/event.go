// Package events is the ordered multi-subscriber broadcast of image and
// notification events.
package events

import (
	"encoding/json"
	"time"
)

// Event types as they appear in the "type" field.
const (
	TypeImage        = "image"
	TypeNotification = "notification"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Image announces a converted frame.
type Image struct {
	Device    string
	URL       string
	Histogram []float64
	BinEdges  []float64
	ID        string
}

// Notification is a user-facing message.
type Notification struct {
	Level   string
	Title   string
	Message string
}

// Event is one of Image or Notification. Seq and Time are stamped by the
// bus on publish; events are not modified after that.
type Event struct {
	Seq          uint64
	Time         time.Time
	Image        *Image
	Notification *Notification
}

// NewImage builds an image event.
func NewImage(img Image) Event {
	return Event{Image: &img}
}

// NewNotification builds a notification event.
func NewNotification(level, title, message string) Event {
	return Event{Notification: &Notification{Level: level, Title: title, Message: message}}
}

// Type returns TypeImage or TypeNotification.
func (e Event) Type() string {
	if e.Image != nil {
		return TypeImage
	}
	return TypeNotification
}

type imageJSON struct {
	Type      string    `json:"type"`
	URL       string    `json:"image_url"`
	Histogram []float64 `json:"histogram-data"`
	Bins      []float64 `json:"histogram-bins"`
	ID        string    `json:"image_id"`
}

type notificationJSON struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// MarshalJSON encodes the event as the tagged record sent to observers.
func (e Event) MarshalJSON() ([]byte, error) {
	if img := e.Image; img != nil {
		return json.Marshal(imageJSON{
			Type:      TypeImage,
			URL:       img.URL,
			Histogram: nonNil(img.Histogram),
			Bins:      nonNil(img.BinEdges),
			ID:        img.ID,
		})
	}
	n := e.Notification
	if n == nil {
		n = &Notification{}
	}
	return json.Marshal(notificationJSON{
		Type:    TypeNotification,
		Level:   n.Level,
		Title:   n.Title,
		Message: n.Message,
	})
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
