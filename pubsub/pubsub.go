package pubsub

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrClosed = errors.New("pubsub is closed")

// NotifyTimeout is how long Notify waits for a slow listener before giving up.
var NotifyTimeout = 5 * time.Second

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback starting from this position. Blocks until Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-process Notifier and Listener. Each channel is a buffered go channel with a
// single listener. Payload channels are never closed: done signals Close to both sides.
type PubSub struct {
	chans      map[string]chan Payload
	mu         *sync.Mutex
	closed     bool
	done       chan struct{}
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]chan Payload),
		mu:         &sync.Mutex{},
		done:       make(chan struct{}),
		bufferSize: bufferSize,
	}
}

func (ps *PubSub) getChan(chanName string) (chan Payload, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, ErrClosed
	}
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch, nil
}

// Notify hands p to the listener of chanName, waiting up to NotifyTimeout for buffer space.
func (ps *PubSub) Notify(chanName string, p Payload) error {
	ch, err := ps.getChan(chanName)
	if err != nil {
		return err
	}
	timer := time.NewTimer(NotifyTimeout)
	defer timer.Stop()
	select {
	case ch <- p:
		return nil
	case <-ps.done:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	close(ps.done)
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ch, err := ps.getChan(chanName)
	if err != nil {
		return err
	}
	for {
		select {
		case payload := <-ch:
			fn(payload)
		case <-ps.done:
			// deliver whatever was buffered before Close
			for {
				select {
				case payload := <-ch:
					fn(payload)
				default:
					return nil
				}
			}
		}
	}
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	reg        prometheus.Registerer
	msgCounter *prometheus.CounterVec
	errCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	err := p.Notifier.Notify(chanName, payload)
	if err != nil {
		p.errCounter.WithLabelValues(payload.Type()).Inc()
	}
	return err
}

func (p *PromNotifier) Close() error {
	p.reg.Unregister(p.msgCounter)
	p.reg.Unregister(p.errCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, reg prometheus.Registerer, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		reg:      reg,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
		errCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: subsystem,
			Name:      "num_payload_failures",
			Help:      "Number of payloads which could not be published",
		}, []string{"payload_type"}),
	}
	reg.MustRegister(p.msgCounter, p.errCounter)
	return p
}
