// Package runtimepool implements the process-wide Runtime Client Pool and
// Event Consumer fan-out described in spec.md §4.1: one runtime client per
// socket URI, one event-stream subscription per client, multiplexed to
// every engine that asked to be notified.
package runtimepool

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Zallist/slumber-proxy/internal/runtime"
)

// Handler is invoked for every event on a client's stream. Each handler runs
// on its own goroutine fed by a bounded, drop-oldest mailbox, so a handler
// that blocks (e.g. on I/O) never stalls the producer; it delays only its
// own later events, and once its mailbox is full the oldest queued events
// are dropped.
type Handler func(runtime.Event)

const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second

	subscriberBuffer = 32
)

type entry struct {
	client *runtime.Client

	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	cancelEvent context.CancelFunc
}

// subscriber is one handler's bounded, drop-oldest mailbox. Per spec.md §9,
// a slow handler must never stall the event-stream producer goroutine.
type subscriber struct {
	mailbox chan runtime.Event
	cancel  context.CancelFunc
}

func newSubscriber(handler Handler) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{mailbox: make(chan runtime.Event, subscriberBuffer), cancel: cancel}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.mailbox:
				handler(ev)
			}
		}
	}()

	return s
}

// offer enqueues ev, dropping the oldest queued event if the mailbox is
// full rather than blocking the caller.
func (s *subscriber) offer(ev runtime.Event) {
	for {
		select {
		case s.mailbox <- ev:
			return
		default:
			select {
			case <-s.mailbox:
			default:
			}
		}
	}
}

// Pool deduplicates runtime clients by socket URI and multiplexes each
// client's event stream to every subscribed handler.
//
// Grounded on the teacher's src/docker_client.go package-level
// (_dockerClient, _lock sync.Mutex) singleton: this generalizes that
// single-client global into a map keyed by URI, still mutex-guarded for
// insertion exactly as the teacher guards _dockerClient with _lock.
type Pool struct {
	dial func(uri string) (*runtime.Client, error)
	log  *logrus.Entry

	mu      sync.RWMutex
	clients map[string]*entry

	sf singleflight.Group
}

// New builds a Pool. dial is the client constructor (runtime.NewDockerClient
// in production, a fake in tests).
func New(dial func(uri string) (*runtime.Client, error), log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		dial:    dial,
		log:     log,
		clients: make(map[string]*entry),
	}
}

// GetClient returns the shared runtime.Client for uri, dialing it on first
// use. Safe for concurrent callers; concurrent first-use for the same URI
// collapses to a single dial via singleflight.
func (p *Pool) GetClient(uri string) (*runtime.Client, error) {
	p.mu.RLock()
	if e, ok := p.clients[uri]; ok {
		p.mu.RUnlock()
		return e.client, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.sf.Do("dial:"+uri, func() (interface{}, error) {
		p.mu.RLock()
		if e, ok := p.clients[uri]; ok {
			p.mu.RUnlock()
			return e.client, nil
		}
		p.mu.RUnlock()

		cli, err := p.dial(uri)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.clients[uri] = &entry{client: cli, subscribers: make(map[int]*subscriber)}
		p.mu.Unlock()

		return cli, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*runtime.Client), nil
}

// Subscribe registers handler for every event on client's stream, starting
// the underlying event-stream goroutine on the first subscription for that
// client. The returned function removes the subscription.
func (p *Pool) Subscribe(uri string, handler Handler) (unsubscribe func(), err error) {
	cli, err := p.GetClient(uri)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	e := p.clients[uri]
	p.mu.RUnlock()

	sub := newSubscriber(handler)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[id] = sub
	startMonitor := e.cancelEvent == nil
	if startMonitor {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancelEvent = cancel
		go p.runEventLoop(ctx, uri, cli, e)
	}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
		sub.cancel()
	}, nil
}

// runEventLoop owns the single long-lived event-stream task per client. On
// stream failure it retries with full-jitter exponential backoff
// (1s doubling to 30s), per spec.md §4.1.
func (p *Pool) runEventLoop(ctx context.Context, uri string, cli *runtime.Client, e *entry) {
	backoff := backoffInitial

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, errs := cli.MonitorEvents(ctx)
		streamOK := true

		for streamOK {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					streamOK = false
					break
				}
				p.dispatch(e, ev)
				backoff = backoffInitial
			case err := <-errs:
				if err != nil {
					p.log.WithField("socket_uri", uri).WithError(err).Warn("event stream disconnected, retrying")
				}
				streamOK = false
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(d)))
}

// dispatch fans an event out to every current subscriber's mailbox. Per
// spec.md §9, a slow subscriber must not stall the producer: offer() never
// blocks, dropping the oldest queued event instead.
func (p *Pool) dispatch(e *entry, ev runtime.Event) {
	e.mu.Lock()
	subs := make([]*subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.offer(ev)
	}
}

// Close cancels every event-stream task and closes every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, e := range p.clients {
		e.mu.Lock()
		if e.cancelEvent != nil {
			e.cancelEvent()
		}
		e.mu.Unlock()

		if err := e.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.clients = make(map[string]*entry)
	return firstErr
}
