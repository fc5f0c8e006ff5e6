// Command unison-echo-server listens for Unison connections and
// echoes back every oneway packet and request it receives on any
// user stream.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"github.com/unisonrpc/unison"
)

func main() {
	addr := flag.String("addr", "localhost:4433", "address to listen on")
	flag.Parse()

	id, err := unison.GenerateIdentity()
	if err != nil {
		log.Fatalf("generating identity: %v", err)
	}
	slog.Info("node identity", "node_id", id.ID())

	cfg := unison.NewEndpointConfig(
		unison.WithIdentity(id),
		unison.WithNodeType(unison.NodeTypeHub),
	)

	ep, err := unison.Listen(context.Background(), *addr, cfg)
	if err != nil {
		log.Fatalf("listening on %s: %v", *addr, err)
	}
	slog.Info("listening", "addr", *addr)

	for {
		conn, err := ep.Accept(context.Background())
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		go serve(conn)
	}
}

func serve(conn *unison.Connection) {
	slog.Info("connection ready", "peer", conn.NegotiatedCapabilities())
	defer conn.Close()

	for {
		us, err := nextStream(conn)
		if err != nil {
			return
		}
		go echoStream(us)
	}
}

func nextStream(conn *unison.Connection) (*unison.UserStream, error) {
	select {
	case us := <-conn.IncomingUserStreams():
		return us, nil
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return nil, err
		}
		return nil, unison.ErrConnectionClosed
	}
}

func echoStream(us *unison.UserStream) {
	ctx := context.Background()
	for {
		p, err := us.Recv(ctx)
		if err != nil {
			return
		}
		body, err := unison.Payload[[]byte](p)
		if err != nil {
			slog.Warn("decoding payload failed", "err", err)
			continue
		}

		h := p.Header()
		if h.IsRequest() {
			if err := us.SendResponse(ctx, h.MessageID, body, 0); err != nil {
				slog.Warn("sending response failed", "err", err)
			}
			continue
		}
		if err := us.SendOneway(ctx, body, 0); err != nil {
			slog.Warn("echoing oneway failed", "err", err)
		}
	}
}
