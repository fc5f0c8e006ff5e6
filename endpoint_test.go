package unison

import (
	"context"
	"testing"
	"time"
)

func newEndpointConfig(t *testing.T) EndpointConfig {
	t.Helper()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	var networkID [16]byte
	networkID[0] = 0x7
	return EndpointConfig{
		Identity:  id,
		NetworkID: networkID,
		NodeType:  NodeTypeAgent,
		Local:     DefaultLocalConfig(),
	}
}

func TestListenDialAcceptRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep, err := Listen(ctx, "127.0.0.1:0", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ep.Shutdown(ctx)

	client, err := Dial(ctx, ep.Addr().String(), "127.0.0.1", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, err := ep.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}
	if err := us.SendOneway(ctx, samplePayload{Name: "loopback", Count: 1}, 0); err != nil {
		t.Fatalf("send oneway: %v", err)
	}

	serverStream, err := func() (*UserStream, error) {
		select {
		case s := <-server.IncomingUserStreams():
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}()
	if err != nil {
		t.Fatalf("waiting for incoming stream: %v", err)
	}
	p, err := serverStream.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	out, err := Payload[samplePayload](p)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if out.Name != "loopback" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestEndpointConnectionsTracksAccepted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep, err := Listen(ctx, "127.0.0.1:0", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ep.Shutdown(ctx)

	client, err := Dial(ctx, ep.Addr().String(), "127.0.0.1", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, err := ep.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if got := ep.Connections(); len(got) != 1 || got[0] != server {
		t.Fatalf("expected Connections() to report the one accepted connection, got %v", got)
	}

	server.Close()
	deadline := time.After(time.Second)
	for {
		if len(ep.Connections()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected Connections() to drop the connection after it closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEndpointShutdownClosesUnacceptedConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep, err := Listen(ctx, "127.0.0.1:0", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	client, err := Dial(ctx, ep.Addr().String(), "127.0.0.1", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// Give the server side a moment to finish its handshake and land in
	// the incoming queue, then shut down without ever calling Accept.
	time.Sleep(100 * time.Millisecond)
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the peer's shutdown to tear down the client connection")
	}
}

func TestEndpointShutdownClosesAcceptedConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep, err := Listen(ctx, "127.0.0.1:0", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	client, err := Dial(ctx, ep.Addr().String(), "127.0.0.1", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, err := ep.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-server.Done():
	default:
		t.Fatalf("expected Shutdown to close an already-accepted connection")
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the peer's shutdown to tear down the client connection")
	}
}

func TestEndpointShutdownWaitsForInFlightRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep, err := Listen(ctx, "127.0.0.1:0", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	client, err := Dial(ctx, ep.Addr().String(), "127.0.0.1", newEndpointConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, err := ep.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}

	done := make(chan struct{})
	var reqErr error
	go func() {
		defer close(done)
		_, reqErr = us.SendRequest(ctx, samplePayload{Name: "pending", Count: 1}, 0, 2*time.Second)
	}()

	// Give SendRequest time to register before shutting down, so
	// Shutdown actually observes an in-flight request to wait for.
	deadline := time.After(time.Second)
	for client.Metrics().InFlightRequests == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected the request to register as in-flight")
		case <-time.After(5 * time.Millisecond):
		}
	}

	serverStream, err := func() (*UserStream, error) {
		select {
		case s := <-server.IncomingUserStreams():
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}()
	if err != nil {
		t.Fatalf("waiting for incoming stream: %v", err)
	}

	go func() {
		req, err := serverStream.Recv(ctx)
		if err != nil {
			return
		}
		serverStream.SendResponse(ctx, req.Header().MessageID, samplePayload{Name: "answered"}, 0)
	}()

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Shutdown to wait for the in-flight request to finish")
	}
	if reqErr != nil {
		t.Fatalf("expected the in-flight request to complete before teardown, got %v", reqErr)
	}
}

func TestDialUnreachableAddressFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "127.0.0.1:1", "127.0.0.1", newEndpointConfig(t))
	if err == nil {
		t.Fatalf("expected dialing a closed port to fail")
	}
	if _, ok := err.(*DialError); !ok {
		t.Fatalf("expected a *DialError, got %v (%T)", err, err)
	}
}

func TestRunKeepaliveLoopRecordsHeartbeat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := newEndpointConfig(t)
	cfg.KeepaliveInterval = 30 * time.Millisecond
	ep, err := Listen(ctx, "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ep.Shutdown(ctx)

	clientCfg := newEndpointConfig(t)
	clientCfg.KeepaliveInterval = 30 * time.Millisecond
	client, err := Dial(ctx, ep.Addr().String(), "127.0.0.1", clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, err := ep.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	deadline := time.After(2 * time.Second)
	for server.Metrics().LastHeartbeatAt.IsZero() {
		select {
		case <-deadline:
			t.Fatalf("expected the server to observe at least one heartbeat from the client")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
