package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// Notifier posts a notification to a webhook whenever an entity is created, updated or
// deleted. It is plugged into the storage engine as a hook set.
type Notifier interface {
	storage.HookSet

	Start() error
	Stop() error
}

var tracer = otel.Tracer("odata-broker/notifier")

const (
	EntityCreated string = "EntityCreated"
	EntityUpdated string = "EntityUpdated"
	EntityDeleted string = "EntityDeleted"
)

// Notification is the body posted to the webhook
type Notification struct {
	Type       string          `json:"type"`
	EntitySet  string          `json:"entitySet"`
	Partition  types.Partition `json:"partition"`
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	ETag       string          `json:"etag,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	NotifiedAt string          `json:"notifiedAt"`
}

type action func()

type notifier struct {
	storage.NopHooks

	mu       sync.Mutex
	running  bool
	stopped  bool
	endpoint string
	sets     map[string]struct{}
	client   http.Client

	queue chan action
	done  chan struct{}
}

type Option func(*notifier)

// WithQueueSize sets how many notifications may wait to be posted before new ones are dropped
func WithQueueSize(size int) Option {
	return func(n *notifier) {
		if size > 0 {
			n.queue = make(chan action, size)
		}
	}
}

// WithEntitySets restricts notifications to the named entity sets
func WithEntitySets(names ...string) Option {
	return func(n *notifier) {
		for _, name := range names {
			n.sets[name] = struct{}{}
		}
	}
}

func NewNotifier(ctx context.Context, endpoint string, opts ...Option) (Notifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("notifier requires an endpoint")
	}

	n := &notifier{
		endpoint: endpoint,
		sets:     map[string]struct{}{},
		client: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		queue: make(chan action, 32),
		done:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n, nil
}

func (n *notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running || n.stopped {
		return fmt.Errorf("notifier can only be started once")
	}

	n.running = true

	go n.run()

	return nil
}

// Stop drains the queued notifications and waits for them to be posted. A stopped
// notifier drops everything handed to it.
func (n *notifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	n.running = false
	n.stopped = true
	close(n.queue)
	<-n.done

	return nil
}

func (n *notifier) AfterCreate(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord) {
	n.enqueue(ctx, newNotification(EntityCreated, set, e))
}

func (n *notifier) AfterUpdate(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord) {
	n.enqueue(ctx, newNotification(EntityUpdated, set, e))
}

func (n *notifier) AfterDelete(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord) {
	notification := newNotification(EntityDeleted, set, e)
	notification.ETag = ""
	notification.Properties = nil
	n.enqueue(ctx, notification)
}

func newNotification(typ string, set *schema.EntitySet, e *types.EntityRecord) Notification {
	props := make(map[string]any, len(e.Static)+len(e.Dynamic))
	for k, v := range e.Dynamic {
		props[k] = v
	}
	for k, v := range e.Static {
		props[k] = v
	}

	return Notification{
		Type:       typ,
		EntitySet:  set.Name,
		Partition:  e.Partition,
		ID:         e.ID,
		Key:        types.KeyFromValues(set.Key, e.Static).String(),
		ETag:       e.ETag(),
		Properties: props,
		NotifiedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (n *notifier) enqueue(ctx context.Context, notification Notification) {
	if len(n.sets) > 0 {
		if _, ok := n.sets[notification.EntitySet]; !ok {
			return
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}

	var err error

	logger := logging.GetFromContext(ctx)

	ctx, span := tracer.Start(
		tracing.ExtractHeaders(context.Background(), tracing.InjectHeaders(ctx)),
		"post",
	)

	post := func() {
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = n.post(ctx, notification)
		if err != nil {
			logger.Error("failed to post notification", "type", notification.Type, "id", notification.ID, "err", err.Error())
		}
	}

	// callers hold the partition lock, so a slow endpoint must never block them
	select {
	case n.queue <- post:
	default:
		err = fmt.Errorf("notification queue is full")
		logger.Warn("dropping notification", "type", notification.Type, "id", notification.ID)
		tracing.RecordAnyErrorAndEndSpan(err, span)
	}
}

func (n *notifier) post(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshalling error (%w)", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("unable to create new request (%w)", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook responded with status code %d", resp.StatusCode)
	}

	return nil
}

func (n *notifier) run() {
	defer close(n.done)

	for action := range n.queue {
		action()
	}
}
