package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DeliveryJob is the JSON document stored on the durable queue.
//
// RecordID is optional: producers that only know the (user, group, media)
// tuple may omit it, in which case status writes fall back to a tuple match.
type DeliveryJob struct {
	RecordID      int64      `json:"recordId,omitempty"`
	AttemptID     string     `json:"attemptId,omitempty"`
	UserID        int64      `json:"userId"`
	GroupID       string     `json:"groupId"`
	FilePath      string     `json:"filePath,omitempty"`
	MediaURL      string     `json:"mediaUrl,omitempty"`
	Column        Column     `json:"column,omitempty"`
	MediaKind     MediaKind  `json:"mediaKind,omitempty"`
	Caption       string     `json:"caption,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`

	ImageURL    string `json:"image_url,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

// Resolve applies the fallback chain: explicit path, then the first non-empty
// of image, video, document, audio. The column comes from the explicit hint,
// then the media kind, then whichever media field is set.
func (j DeliveryJob) Resolve() (path string, col Column) {
	for _, p := range []string{j.FilePath, j.MediaURL, j.ImageURL, j.VideoURL, j.DocumentURL, j.AudioURL} {
		if p != "" {
			path = p
			break
		}
	}

	switch {
	case j.Column != "":
		col = j.Column
	case j.MediaKind.Column() != "":
		col = j.MediaKind.Column()
	case j.ImageURL != "":
		col = ImageColumn
	case j.VideoURL != "":
		col = VideoColumn
	case j.DocumentURL != "":
		col = DocumentColumn
	case j.AudioURL != "":
		col = AudioColumn
	}
	return path, col
}

// Validate reports a malformed job: one that has no safe match key or
// nothing to send.
func (j DeliveryJob) Validate() error {
	if j.IsText() {
		return validation.Errors{
			"recordId": validation.Validate(j.RecordID, validation.Required),
			"groupId":  validation.Validate(j.GroupID, validation.Required),
		}.Filter()
	}
	path, col := j.Resolve()
	return validation.Errors{
		"userId":  validation.Validate(j.UserID, validation.Required),
		"groupId": validation.Validate(j.GroupID, validation.Required),
		"path":    validation.Validate(path, validation.Required),
		"column":  validation.Validate(string(col), validation.Required),
	}.Filter()
}

// IsText reports a media-less job. Only the sweep builds these, always with
// a record id.
func (j DeliveryJob) IsText() bool {
	path, _ := j.Resolve()
	return j.MediaKind == Text && path == ""
}

// MediaRefs lists the media references the job may have been created from.
// Used as the tuple match key when RecordID is unknown.
func (j DeliveryJob) MediaRefs() []string {
	path, _ := j.Resolve()
	refs := []string{}
	seen := map[string]bool{}
	for _, p := range []string{path, j.ImageURL, j.VideoURL, j.AudioURL, j.DocumentURL} {
		if p != "" && !seen[p] {
			seen[p] = true
			refs = append(refs, p)
		}
	}
	return refs
}

// JobFromMessage builds the queue payload for a stored record. It returns
// false when the record has no usable media reference.
func JobFromMessage(m Message) (DeliveryJob, bool) {
	ref, col := m.MediaRef()
	if ref == "" || m.GroupID == "" {
		return DeliveryJob{}, false
	}
	return DeliveryJob{
		RecordID:      m.ID,
		UserID:        m.UserID,
		GroupID:       m.GroupID,
		FilePath:      ref,
		Column:        col,
		MediaKind:     col.Kind(),
		Caption:       m.Caption,
		ScheduledTime: m.ScheduledTime,
	}, true
}

const NoContent = "Sem conteúdo"

// TextJobFromMessage builds a text job for a record without media. The
// caption is the body, or a placeholder when empty.
func TextJobFromMessage(m Message) DeliveryJob {
	body := m.Caption
	if body == "" {
		body = NoContent
	}
	return DeliveryJob{
		RecordID:      m.ID,
		UserID:        m.UserID,
		GroupID:       m.GroupID,
		MediaKind:     Text,
		Caption:       body,
		ScheduledTime: m.ScheduledTime,
	}
}
