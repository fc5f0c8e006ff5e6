// Command unison-echo-client dials a Unison endpoint, opens a user
// stream, and sends a request/response exchange plus a oneway packet.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"time"

	"github.com/unisonrpc/unison"
)

func main() {
	addr := flag.String("addr", "localhost:4433", "address to dial")
	serverName := flag.String("server-name", "localhost:4433", "TLS server name")
	message := flag.String("message", "hello from unison", "message to send")
	flag.Parse()

	id, err := unison.GenerateIdentity()
	if err != nil {
		log.Fatalf("generating identity: %v", err)
	}

	cfg := unison.NewEndpointConfig(
		unison.WithIdentity(id),
		unison.WithNodeType(unison.NodeTypeAgent),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := unison.Dial(ctx, *addr, *serverName, cfg)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	slog.Info("handshake complete", "capabilities", conn.NegotiatedCapabilities())

	us, err := conn.OpenUserStream(ctx)
	if err != nil {
		log.Fatalf("opening user stream: %v", err)
	}
	defer us.Close()

	resp, err := us.SendRequest(ctx, []byte(*message), 0, 5*time.Second)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	body, err := unison.Payload[[]byte](resp)
	if err != nil {
		log.Fatalf("decoding response: %v", err)
	}
	slog.Info("got response", "body", string(body))

	if err := us.SendOneway(ctx, []byte("bye"), 0); err != nil {
		log.Fatalf("oneway failed: %v", err)
	}

	slog.Info("metrics", "snapshot", conn.Metrics())
}
