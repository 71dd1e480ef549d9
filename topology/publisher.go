package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/types"
)

// PublisherConfig configures the NATS JetStream event publisher.
type PublisherConfig struct {
	// StreamName is the JetStream stream holding cluster events.
	// Default: "cqlwire-events"
	StreamName string

	// SubjectPrefix is the prefix for subjects. Events are published to
	// "{SubjectPrefix}.{kind}" (e.g., "cqlwire.events.host_down").
	// Default: "cqlwire.events"
	SubjectPrefix string

	// MaxAge is the maximum age of events in the stream.
	// Default: 24 hours
	MaxAge time.Duration

	// Replicas is the number of stream replicas (for fault tolerance).
	// Default: 1 (use 3 for production clusters)
	Replicas int

	// PublishTimeout is the timeout for publishing one event.
	// Default: 5 seconds
	PublishTimeout time.Duration

	// QueueSize bounds the events waiting to be published by the
	// listener returned from Listener. Events beyond it are dropped.
	// Default: 256
	QueueSize int

	Logger types.Logger
}

// DefaultPublisherConfig returns the default configuration.
//
// Returns:
//   - PublisherConfig: Default configuration
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		StreamName:     "cqlwire-events",
		SubjectPrefix:  "cqlwire.events",
		MaxAge:         24 * time.Hour,
		Replicas:       1,
		PublishTimeout: 5 * time.Second,
		QueueSize:      256,
	}
}

// PublisherOption configures a NATSEventPublisher.
type PublisherOption func(*PublisherConfig)

// WithStreamName sets the JetStream stream name.
func WithStreamName(name string) PublisherOption {
	return func(c *PublisherConfig) {
		c.StreamName = name
	}
}

// WithSubjectPrefix sets the subject prefix for events.
//
// Parameters:
//   - prefix: Subject prefix
//
// Returns:
//   - PublisherOption: Configuration option
func WithSubjectPrefix(prefix string) PublisherOption {
	return func(c *PublisherConfig) {
		c.SubjectPrefix = prefix
	}
}

// WithMaxAge sets the maximum age of events in the stream.
func WithMaxAge(d time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.MaxAge = d
	}
}

// WithReplicas sets the number of stream replicas.
func WithReplicas(n int) PublisherOption {
	return func(c *PublisherConfig) {
		c.Replicas = n
	}
}

// WithPublishTimeout sets the timeout for publishing one event.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.PublishTimeout = d
	}
}

// WithQueueSize sets the listener queue size.
func WithQueueSize(n int) PublisherOption {
	return func(c *PublisherConfig) {
		c.QueueSize = n
	}
}

// WithPublisherLogger sets the logger for dropped and failed events.
func WithPublisherLogger(l types.Logger) PublisherOption {
	return func(c *PublisherConfig) {
		c.Logger = l
	}
}

// NATSEventPublisher publishes cluster events to NATS JetStream so other
// services can follow the topology seen by the driver.
type NATSEventPublisher struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	config PublisherConfig

	queue chan ClusterEvent
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewNATSEventPublisher creates or updates the event stream and starts the
// background publisher.
//
// Parameters:
//   - js: A JetStream context (created via jetstream.New(conn))
//   - opts: Optional configuration options
//
// Returns:
//   - *NATSEventPublisher: The publisher
//   - error: Error if js is nil or stream creation fails
//
// Example:
//
//	pub, _ := topology.NewNATSEventPublisher(js)
//	unsubscribe := control.Subscribe(pub.Listener())
func NewNATSEventPublisher(js jetstream.JetStream, opts ...PublisherOption) (*NATSEventPublisher, error) {
	if js == nil {
		return nil, errors.New("cqlwire/topology: JetStream context is nil")
	}

	config := DefaultPublisherConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	config.Logger = logging.OrNop(config.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        config.StreamName,
		Description: "cqlwire cluster topology and schema events",
		Subjects:    []string{config.SubjectPrefix + ".*"}, // {prefix}.{kind}
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      config.MaxAge,
		Replicas:    config.Replicas,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("cqlwire/topology: failed to create/update stream: %w", err)
	}

	p := &NATSEventPublisher{
		js:     js,
		stream: stream,
		config: config,
		queue:  make(chan ClusterEvent, config.QueueSize),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Subject returns the subject events of kind are published to.
func (p *NATSEventPublisher) Subject(kind EventKind) string {
	return p.config.SubjectPrefix + "." + kind.String()
}

// Stream returns the JetStream stream events are stored in.
func (p *NATSEventPublisher) Stream() jetstream.Stream {
	return p.stream
}

// Publish encodes ev with MessagePack and publishes it synchronously.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - ev: The event
//
// Returns:
//   - error: types.ErrSessionClosed after Close, encoding or publish errors
func (p *NATSEventPublisher) Publish(ctx context.Context, ev ClusterEvent) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return types.ErrSessionClosed
	}

	return p.publish(ctx, ev)
}

func (p *NATSEventPublisher) publish(ctx context.Context, ev ClusterEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := ev.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("cqlwire/topology: failed to marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if _, err := p.js.Publish(pubCtx, p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("cqlwire/topology: failed to publish event: %w", err)
	}

	return nil
}

// Listener returns a non-blocking Listener that queues events for the
// background publisher.
func (p *NATSEventPublisher) Listener() Listener {
	return func(ev ClusterEvent) {
		p.mu.RLock()
		defer p.mu.RUnlock()

		if p.closed {
			return
		}
		select {
		case p.queue <- ev:
		default:
			p.config.Logger.Warn("event queue full, dropping cluster event", "kind", ev.Kind.String(), "addr", ev.Addr)
		}
	}
}

func (p *NATSEventPublisher) run() {
	defer p.wg.Done()

	for {
		select {
		case ev := <-p.queue:
			p.publishQueued(ev)
		case <-p.done:
			// flush what was queued before Close
			for {
				select {
				case ev := <-p.queue:
					p.publishQueued(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *NATSEventPublisher) publishQueued(ev ClusterEvent) {
	if err := p.publish(context.Background(), ev); err != nil {
		p.config.Logger.Warn("failed to publish cluster event", "kind", ev.Kind.String(), "error", err)
	}
}

// Close stops the background publisher after flushing queued events.
// It does not close the NATS connection.
func (p *NATSEventPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	return nil
}
