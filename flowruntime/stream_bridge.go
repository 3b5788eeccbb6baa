package flowruntime

import (
	"context"

	"github.com/penguiflow/penguiflow-go/stream"
)

// StreamBridge is a Subscriber that forwards selected middleware events to a
// stream.Sink, so external callers can observe node lifecycle over a
// sequenced event wire.
// Only user-relevant events are forwarded; NodeError becomes KindError and
// NodeFinished becomes KindStepFinished, while NodeStarted becomes
// KindStepStart. MessageEmitted is dropped here since emissions already
// travel through the flow graph itself.
type StreamBridge struct {
	sink      stream.Sink
	sessionID string
}

// NewStreamBridge constructs a Subscriber that publishes to sink, tagging
// every event with sessionID.
func NewStreamBridge(sink stream.Sink, sessionID string) *StreamBridge {
	if sink == nil {
		sink = stream.Discard
	}
	return &StreamBridge{sink: sink, sessionID: sessionID}
}

// HandleEvent implements Subscriber.
func (b *StreamBridge) HandleEvent(ctx context.Context, event Event) error {
	var kind stream.Kind
	switch event.Type {
	case NodeStarted:
		kind = stream.KindStepStart
	case NodeFinished:
		kind = stream.KindStepFinished
	case NodeError:
		kind = stream.KindError
	default:
		return nil
	}
	b.sink.Publish(stream.Event{
		Kind:      kind,
		TraceID:   event.TraceID,
		SessionID: b.sessionID,
		Payload:   event,
	})
	return nil
}
