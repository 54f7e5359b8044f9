package ingest

import (
	"context"

	"github.com/quantpulse/btcstream/internal/models"
)

// Feed delivers the ordered market event stream to the aggregator. A feed
// owns its transport; the aggregator only sees the event channel.
type Feed interface {
	// Events returns the channel the feed delivers on. The channel closes
	// when the feed stops permanently.
	Events() <-chan models.Event
	// Run drives the transport until ctx is done.
	Run(ctx context.Context) error
}

// ChannelFeed is an in-process feed backed by a plain channel. Tests and the
// self test push synthetic events through it.
type ChannelFeed struct {
	ch chan models.Event
}

// NewChannelFeed creates a feed with the given buffer depth.
func NewChannelFeed(depth int) *ChannelFeed {
	return &ChannelFeed{ch: make(chan models.Event, depth)}
}

// Push enqueues one event, blocking if the buffer is full.
func (f *ChannelFeed) Push(ev models.Event) { f.ch <- ev }

// Close signals end-of-input.
func (f *ChannelFeed) Close() { close(f.ch) }

// Events implements Feed.
func (f *ChannelFeed) Events() <-chan models.Event { return f.ch }

// Run implements Feed; a channel feed has no transport to drive.
func (f *ChannelFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
