package storage

import (
	"errors"
	"time"

	"postline/internal/platform"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrHandleTaken means the owner already registered this handle.
	// Two different owners may each register the same handle independently.
	ErrHandleTaken = errors.New("handle already registered by this owner")

	// ErrNotCancellable: cancel is only valid while the post is still pending
	// and its scheduled time is strictly in the future.
	ErrNotCancellable = errors.New("post is not cancellable")

	// ErrNotRetryable: manual retry is only valid for failed posts.
	ErrNotRetryable = errors.New("post is not retryable")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type PostStatus string

const (
	StatusPending   PostStatus = "pending"
	StatusSending   PostStatus = "sending"
	StatusSent      PostStatus = "sent"
	StatusFailed    PostStatus = "failed"
	StatusCancelled PostStatus = "cancelled"
)

type PostType string

const (
	PostText  PostType = "text"
	PostMedia PostType = "media"
)

// Channel is a verified binding between an owner and a platform destination.
//
// PlatformChannelID is authoritative for dispatch; Handle is only used
// during (re-)verification.
type Channel struct {
	ID                int64
	OwnerID           int64
	Name              string
	Handle            string
	Platform          platform.Kind
	IsVerified        bool
	PlatformChannelID string
	FailedReason      string
	CreatedAt         time.Time
}

// Destination returns the address dispatch should use.
func (c Channel) Destination() platform.Destination {
	if c.PlatformChannelID != "" {
		return platform.Destination(c.PlatformChannelID)
	}
	return platform.Destination(c.Handle)
}

// Post is a unit of content to deliver to one or more channels.
type Post struct {
	ID           int64
	OwnerID      int64
	Content      string
	Type         PostType
	Status       PostStatus
	ScheduledAt  *time.Time // nil = immediate
	ErrorMessage string
	CreatedAt    time.Time
	SentAt       *time.Time
}

// Attachment is a file bound to a post, ordered by creation.
type Attachment struct {
	ID        int64
	PostID    int64
	Path      string
	Caption   string
	CreatedAt time.Time
}

// AuditEntry records one dispatch invocation for the audit trail.
type AuditEntry struct {
	At         time.Time
	PostID     int64
	Invocation string
	Attempt    int
	Status     PostStatus
	OKCount    int
	FailCount  int
	Detail     string
	TookMS     int64
}
