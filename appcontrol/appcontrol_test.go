package appcontrol

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"concheck/driver"
)

func TestStartExhaustsRetryBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing listens on a reserved port; every attempt must fail fast.
	c, err := Dial(ctx, "127.0.0.1:1", WithRetries(2), WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	start := time.Now()
	if err := c.Start(ctx); err == nil {
		t.Fatalf("Expected Start to fail against a dead controller")
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("Retry budget did not bound the call")
	}
}

func TestInvokeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, "127.0.0.1:1", WithRetries(100), WithBackoff(time.Hour))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := c.Stop(ctx); err == nil {
		t.Fatalf("Expected Stop to fail once the context is cancelled")
	}
}

func TestEventManagerBridgesReplies(t *testing.T) {
	d := driver.New(driver.Policy{StepTimeout: time.Second})
	defer d.Teardown()

	cc, err := grpc.Dial("passthrough:///controller",
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer cc.Close()

	m := NewEventManager(d)
	m.Bind(cc.Target(), 1)
	interceptor := m.UnaryInterceptor()

	var seenInFlight int64
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		seenInFlight = d.InFlight()
		return nil
	}
	if err := interceptor(context.Background(), "/x/Y", nil, "pong", cc, invoker); err != nil {
		t.Fatalf("Interceptor failed: %v", err)
	}
	if seenInFlight != 1 {
		t.Errorf("Expected the call to count as in flight, saw %d", seenInFlight)
	}
	if d.InFlight() != 0 {
		t.Errorf("Expected the in-flight counter settled, got %d", d.InFlight())
	}
	if d.MailboxLen(1) != 1 {
		t.Errorf("Expected the reply injected into P1's mailbox, got %d messages", d.MailboxLen(1))
	}
}

func TestEventManagerSettlesOnFailure(t *testing.T) {
	d := driver.New(driver.Policy{StepTimeout: time.Second})
	defer d.Teardown()

	cc, err := grpc.Dial("passthrough:///controller",
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer cc.Close()

	m := NewEventManager(d)
	m.Bind(cc.Target(), 1)
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return context.DeadlineExceeded
	}
	if err := m.UnaryInterceptor()(context.Background(), "/x/Y", nil, nil, cc, invoker); err == nil {
		t.Fatalf("Expected the invoker error to propagate")
	}
	if d.InFlight() != 0 {
		t.Errorf("Expected the in-flight counter settled after a failure, got %d", d.InFlight())
	}
	if d.MailboxLen(1) != 0 {
		t.Errorf("No reply must be injected on failure, got %d messages", d.MailboxLen(1))
	}
}
