// internal/notify/notify.go
//
// Notification fan-out stub.
//
// Context
//   The workflow engine and the inactivity sweep enqueue notifications to
//   requesters, commenters, and farm operators.  Delivery internals (mail,
//   on-wiki echo, webhooks) belong to a collaborating subsystem; this
//   package defines the interface they implement and ships a logging stub
//   so the control plane works stand-alone.
//
// Style
//   Two-space sentence spacing, Oxford comma, concise inline notes.
//
//------------------------------------------------------------------------------

package notify

import (
	"context"

	"go.uber.org/zap"
)

// Categories used by the workflow engine and the sweep.  Each maps to a
// distinct user-facing template in the delivery subsystem.
const (
	CategoryRequestComment     = "request-comment"
	CategoryRequestApproved    = "request-approved"
	CategoryRequestDeclined    = "request-declined"
	CategoryRequestOnHold      = "request-onhold"
	CategoryRequestMoreDetails = "request-moredetails"
	CategoryWikiCreated        = "wiki-created"
	CategoryWikiClosed         = "wiki-closed"
	CategoryWikiNotice         = "wiki-notice"
)

// Message is one outbound notification job.
type Message struct {
	Category   string
	Recipients []string
	Subject    string
	Body       string
}

// Notifier is implemented by the delivery collaborator.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier logs the payload and returns nil so callers proceed without
// blocking.  Swap for the real delivery implementation in production.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	zap.S().Infow("notification queued",
		"category", msg.Category,
		"recipients", msg.Recipients,
		"subject", msg.Subject,
	)
	return nil
}
