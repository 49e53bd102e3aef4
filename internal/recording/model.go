package recording

import (
	"time"

	"github.com/google/uuid"
)

// State is the upload lifecycle of one recording artifact.
type State string

const (
	StateCapturing     State = "capturing"
	StateBuffered      State = "buffered"
	StateUploading     State = "uploading"
	StateStored        State = "stored"
	StateUploadFailed  State = "upload_failed"
	StateLocalFallback State = "stored_locally_pending_retry"
)

// Recording is the durable row tracking one artifact. The captured bytes live
// in the object store (or the local fallback dir); this row carries where and
// how far along the upload got.
type Recording struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	MeetingID string
	State     State
	ObjectKey *string
	LocalPath *string
	SizeBytes int64
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// URL renders the stable reference stored on the session. Signed links are
// minted from it at read time; this value itself never expires.
func (r *Recording) URL() string {
	switch {
	case r.State == StateStored && r.ObjectKey != nil:
		return "store://" + *r.ObjectKey
	case r.LocalPath != nil:
		return "local://" + *r.LocalPath
	default:
		return ""
	}
}
