package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single delivery during [Registry.Broadcast].
const DefaultWriteTimeout = 5 * time.Second

var (
	// ErrAlreadyJoined is returned by [Registry.Join] when the connection is
	// already a member of a different channel.
	ErrAlreadyJoined = errors.New("registry: connection already joined to another channel")

	// ErrClosed is returned by [Conn] implementations once the connection has
	// been closed by either side.
	ErrClosed = errors.New("registry: connection closed")
)

// Conn is a message-oriented connection that can be grouped into a channel.
//
// Send must be safe to call concurrently with itself and with Close, and must
// honour the context deadline. Close must be idempotent.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// DeliveryError describes a failed delivery to one connection.
type DeliveryError struct {
	Channel string
	ConnID  string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s on channel %q failed: %v", e.ConnID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Result summarises one broadcast.
type Result struct {
	Delivered int
	Failed    []*DeliveryError
}

// Observer receives registry events. Used for metrics; nil fields are skipped.
type Observer struct {
	OnMembership func(channel string, members int)
	OnDelivery   func(channel string, ok bool)
}

// Registry owns the live connections grouped by channel name.
//
// Membership mutations take the write lock. Broadcast copies the member set
// under the read lock and performs all writes outside it, one goroutine per
// connection, each bounded by the write timeout. A connection whose write
// fails is closed and removed; concurrent removals from the connection's own
// disconnect path are harmless because Leave is idempotent.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Conn
	memberOf map[string]string

	writeTimeout time.Duration
	logger       *slog.Logger
	observer     Observer
}

// Option configures a [Registry].
type Option func(*Registry)

// WithWriteTimeout sets the per-connection delivery timeout. Non-positive
// values are ignored.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers callbacks for membership and delivery events.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// New creates an empty [Registry].
func New(opts ...Option) *Registry {
	r := &Registry{
		channels:     make(map[string]map[string]Conn),
		memberOf:     make(map[string]string),
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds conn to channel. Joining the same channel twice is a no-op.
// Returns [ErrAlreadyJoined] if conn belongs to another channel.
func (r *Registry) Join(channel string, conn Conn) error {
	r.mu.Lock()
	if current, ok := r.memberOf[conn.ID()]; ok {
		r.mu.Unlock()
		if current == channel {
			return nil
		}
		return fmt.Errorf("%w: %s is in %q", ErrAlreadyJoined, conn.ID(), current)
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]Conn)
		r.channels[channel] = members
	}
	members[conn.ID()] = conn
	r.memberOf[conn.ID()] = channel
	count := len(members)
	r.mu.Unlock()

	r.notifyMembership(channel, count)
	return nil
}

// Leave removes conn from channel. It reports whether conn was a member;
// leaving a channel the connection is not in is a no-op.
func (r *Registry) Leave(channel string, conn Conn) bool {
	r.mu.Lock()
	members, ok := r.channels[channel]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := members[conn.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(members, conn.ID())
	delete(r.memberOf, conn.ID())
	count := len(members)
	r.mu.Unlock()

	r.notifyMembership(channel, count)
	return true
}

// Broadcast delivers msg to every member of channel at the time of the call.
//
// Deliveries run concurrently and Broadcast returns once every delivery has
// finished or timed out. Failed connections are closed and removed from the
// channel before Broadcast returns.
func (r *Registry) Broadcast(ctx context.Context, channel string, msg []byte) Result {
	members := r.snapshot(channel)
	if len(members) == 0 {
		return Result{}
	}

	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, conn := range members {
		wg.Add(1)
		go func(i int, conn Conn) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			defer cancel()
			errs[i] = conn.Send(sendCtx, msg)
		}(i, conn)
	}
	wg.Wait()

	var res Result
	for i, err := range errs {
		conn := members[i]
		if err == nil {
			res.Delivered++
			r.notifyDelivery(channel, true)
			continue
		}

		derr := &DeliveryError{Channel: channel, ConnID: conn.ID(), Err: err}
		res.Failed = append(res.Failed, derr)
		r.notifyDelivery(channel, false)
		r.logger.Warn("dropping connection after failed delivery",
			"channel", channel,
			"conn_id", conn.ID(),
			"error", err.Error(),
		)
		r.Leave(channel, conn)
		_ = conn.Close()
	}
	return res
}

// Members returns the number of connections currently in channel.
func (r *Registry) Members(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// ChannelOf returns the channel conn currently belongs to.
func (r *Registry) ChannelOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.memberOf[conn.ID()]
	return ch, ok
}

// Channels returns the names of every channel ever joined, sorted. Channels
// stay listed after their last member leaves.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// snapshot copies the member list of channel under the read lock.
func (r *Registry) snapshot(channel string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (r *Registry) notifyMembership(channel string, count int) {
	if r.observer.OnMembership != nil {
		r.observer.OnMembership(channel, count)
	}
}

func (r *Registry) notifyDelivery(channel string, ok bool) {
	if r.observer.OnDelivery != nil {
		r.observer.OnDelivery(channel, ok)
	}
}
