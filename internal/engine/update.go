package engine

import "github.com/ageniuscoder/mmchat/msgsync/internal/models"

type UpdateKind int

const (
	// UpdateThread: the thread or unread count of Key changed.
	UpdateThread UpdateKind = iota + 1
	// UpdateTyping: the peer typing indicator of Key changed to Typing.
	UpdateTyping
	// UpdateScroll: the view of Key should scroll to the bottom.
	UpdateScroll
	// UpdateSendFailed: a send failed and was rolled back. Content and Attachments hold what the
	// user submitted so it can be restored into the input.
	UpdateSendFailed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateThread:
		return "thread"
	case UpdateTyping:
		return "typing"
	case UpdateScroll:
		return "scroll"
	case UpdateSendFailed:
		return "send_failed"
	}
	return "unknown"
}

type Update struct {
	Kind        UpdateKind
	Key         string
	Typing      bool
	Content     string
	Attachments []models.Attachment
	Err         error
}
