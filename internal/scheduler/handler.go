package scheduler

import (
	"context"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Status is the classified outcome of one handled item.
type Status string

const (
	// StatusAccepted means a new article was stored.
	StatusAccepted Status = "accepted"
	// StatusDuplicate means the article was already known.
	StatusDuplicate Status = "duplicate"
	// StatusRejected means the page fetched but failed content validation.
	StatusRejected Status = "rejected"
	// StatusFailed means the fetch failed; Result.Failure says how.
	StatusFailed Status = "failed"
	// StatusListed means a discovery page was read; Result.Links holds its links.
	StatusListed Status = "listed"
)

// Result is what a Handler reports for one item.
type Result struct {
	Status  Status
	Failure ingest.FailureKind
	// Found is true when the page existed and carried article content, even
	// if it was then rejected or found to be a duplicate.
	Found bool
	// Links are article items discovered on a listing, feed or date page.
	Links []ingest.WorkItem
}

// RejectReason says why admission turned an item away.
type RejectReason string

const (
	// RejectStored means the URL is already stored.
	RejectStored RejectReason = "stored"
	// RejectRepeated means the URL was already handed out in this run.
	RejectRepeated RejectReason = "repeated"
	// RejectDead means the dead-link registry excludes the URL.
	RejectDead RejectReason = "dead"
)

// Rejection pairs a refused item with its reason.
type Rejection struct {
	Item   ingest.WorkItem
	Reason RejectReason
}

// Admission partitions a batch of article-level items.
type Admission struct {
	Accepted []ingest.WorkItem
	Rejected []Rejection
}

// Handler performs the per-item work the scheduler orchestrates. Any error
// returned is fatal to the run; per-item problems belong in Result.
type Handler interface {
	// Admit filters a batch of article-level items before they are queued.
	Admit(ctx context.Context, source string, items []ingest.WorkItem) (Admission, error)
	// Handle fetches and processes one item.
	Handle(ctx context.Context, item ingest.WorkItem) (Result, error)
	// Escalate hands a finally failed article URL to the dead-link registry.
	Escalate(ctx context.Context, item ingest.WorkItem, failure ingest.FailureKind) error
}
