// Package appcontrol talks to an external application controller that
// starts and stops the system under test around an analysis. The
// controller is an operational collaborator, not part of the exploration:
// a missing controller fails the analysis setup, never a run.
package appcontrol

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"concheck/driver"
	"concheck/event"
)

const (
	startMethod = "/concheck.AppController/Start"
	stopMethod  = "/concheck.AppController/Stop"

	defaultRetries = 5
	defaultBackoff = 100 * time.Millisecond
)

// Client is a bounded-retry controller client. Every call is attempted a
// fixed number of times with a constant backoff and then given up on; the
// retry budget is the whole tolerance for a controller that is still
// coming up.
type Client struct {
	cc      *grpc.ClientConn
	retries int
	backoff time.Duration
}

// Option adjusts a Client.
type Option func(*Client)

// WithRetries sets the attempt budget per call.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// Dial connects to the controller at addr. The connection is lazy; a
// controller that is down surfaces on the first call, bounded by the retry
// budget.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{retries: defaultRetries, backoff: defaultBackoff}
	for _, o := range opts {
		o(c)
	}
	cc, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("appcontrol: dialing %s: %w", addr, err)
	}
	c.cc = cc
	return c, nil
}

// Start asks the controller to start the system under test.
func (c *Client) Start(ctx context.Context) error {
	return c.invoke(ctx, startMethod)
}

// Stop asks the controller to tear the system under test down.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, stopMethod)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string) error {
	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = c.cc.Invoke(ctx, method, &emptypb.Empty{}, &emptypb.Empty{})
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("appcontrol: %s failed after %d attempts: %w", method, c.retries, err)
}

// EventManager bridges uninstrumented grpc traffic of the target into the
// driver's message model: outgoing calls are counted as in-flight so the
// wait-for-messages policy can hold scheduling until they settle, and
// replies from registered peers are injected into the destination mailbox.
type EventManager struct {
	d     *driver.Driver
	peers map[string]event.PID
}

// NewEventManager creates an event manager for one driver.
func NewEventManager(d *driver.Driver) *EventManager {
	return &EventManager{d: d, peers: make(map[string]event.PID)}
}

// Bind registers the logical process that receives replies from the peer
// at the given target address.
func (m *EventManager) Bind(target string, p event.PID) {
	m.peers[target] = p
}

// UnaryInterceptor returns the client interceptor that performs the
// bridging. Install it on every connection the target opens.
func (m *EventManager) UnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		m.d.NoteInFlight()
		defer m.d.NoteDelivered()
		if err := invoker(ctx, method, req, reply, cc, opts...); err != nil {
			return err
		}
		if p, ok := m.peers[cc.Target()]; ok {
			m.d.Inject(0, p, reply)
		}
		return nil
	}
}
