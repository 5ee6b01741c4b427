// Package pulse bridges the in-process event hub to goa.design/pulse streams
// over Redis so observers in other processes can tail runs. Each run maps to
// the Pulse stream "run/<runID>"; the relay copies hub events into it and the
// subscriber reads them back out as event.Event values.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/strandsec/strand/runtime/event"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams for run event transport.
	Client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}
)

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (*Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// StreamName is the Pulse stream carrying one run's events.
func StreamName(runID string) string { return "run/" + runID }

func (c *Client) stream(name string) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return str, nil
}

// Publish writes one event to the run's Pulse stream. The payload is the
// event's JSON encoding; the Pulse event name is the event kind.
func (c *Client) Publish(ctx context.Context, ev event.Event) error {
	str, err := c.stream(StreamName(ev.RunID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, string(ev.Kind), payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Relay copies a run's hub subscription into its Pulse stream until the run's
// terminal event, the context ends, or the subscription overruns. It returns
// once the relay goroutine is started; the returned stop function ends it.
func (c *Client) Relay(ctx context.Context, hub *event.Hub, runID string, after int64) func() {
	relayCtx, cancel := context.WithCancel(ctx)
	sub := hub.Subscribe(relayCtx, runID, after)
	go func() {
		defer sub.Close()
		for ev := range sub.C() {
			if ev.Kind == event.KindOverrun {
				return
			}
			if err := c.Publish(relayCtx, ev); err != nil {
				return
			}
			if ev.Kind.Terminal() {
				return
			}
		}
	}()
	return cancel
}

// Subscribe opens a consumer group on the run's Pulse stream and returns
// channels for decoded events and errors. The cancel function stops
// consumption and closes both channels.
func (c *Client) Subscribe(ctx context.Context, runID, sinkName string) (<-chan event.Event, <-chan error, context.CancelFunc, error) {
	if sinkName == "" {
		sinkName = "strand_subscriber"
	}
	str, err := c.stream(StreamName(runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan event.Event, 64)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, events, errs)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, stop, nil
}

// consume reads from the Pulse sink, decodes payloads, and emits events,
// acking each after delivery.
func consume(ctx context.Context, sink *streaming.Sink, out chan<- event.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var decoded event.Event
			if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
