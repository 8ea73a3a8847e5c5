package queuedispatcher

import "context"

// ChannelAdapter is an in-process Adapter backed by a Go channel, used
// by tests and by local development to exercise QueueDispatcher without
// a real message bus.
type ChannelAdapter struct {
	ch chan Message
}

// NewChannelAdapter builds a ChannelAdapter with the given buffer size.
func NewChannelAdapter(buffer int) *ChannelAdapter {
	return &ChannelAdapter{ch: make(chan Message, buffer)}
}

// Publish enqueues a message for the dispatcher to receive; intended
// for test setup, not part of the Adapter interface.
func (a *ChannelAdapter) Publish(msg Message) {
	a.ch <- msg
}

func (a *ChannelAdapter) Connect(ctx context.Context) error    { return nil }
func (a *ChannelAdapter) Disconnect(ctx context.Context) error { close(a.ch); return nil }

func (a *ChannelAdapter) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-a.ch:
		if !ok {
			return Message{}, context.Canceled
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (a *ChannelAdapter) Complete(ctx context.Context, msg Message) error { return nil }
func (a *ChannelAdapter) Abandon(ctx context.Context, msg Message) error { return nil }
