package crawler

import (
	"context"
	"io"
	"time"
)

// Action is a unit of browser protocol work, satisfied by chromedp actions and cdproto commands.
type Action interface {
	Do(ctx context.Context) error
}

// Engine opens isolated browser/agent sessions, one per site task.
type Engine interface {
	Open(ctx context.Context, site SiteEntry) (Session, error)
}

// Page is one browser tab.
type Page interface {
	// TargetID is the protocol target of the tab.
	TargetID() string
	// ListenEvents registers fn for every protocol event of the tab. fn must not block.
	ListenEvents(fn func(ev any))
	// Run executes protocol actions against the tab.
	Run(ctx context.Context, actions ...Action) error
}

// Session is a live browser with an agent attached to it. Observers must be
// attached before Submit is called.
type Session interface {
	// Page is the tab the browser was launched with.
	Page
	// OnNewPage registers fn for every tab opened after the call, once it is attached.
	OnNewPage(fn func(Page))
	// OnStep registers fn for every agent step as it is reported.
	OnStep(fn func(step AgentStep))
	// Submit runs the agent with the composed instruction until it finishes or ctx ends.
	Submit(ctx context.Context, instruction string) (Trace, error)
	Close() error
}

// Preflight checks that a site is reachable before a browser is spent on it.
type Preflight interface {
	Check(ctx context.Context, url string) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ResultStore persists one row per finished site.
type ResultStore interface {
	StoreResult(ctx context.Context, runID string, result SiteCrawlResult) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of artifact files.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for site tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
