// Command unison-shell runs a Unison listener alongside an SSH debug
// console for introspecting its live connections.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/unisonrpc/unison"
	"golang.org/x/crypto/ssh"
)

func generateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

func main() {
	unisonAddr := flag.String("unison-addr", "localhost:4433", "address for the Unison listener")
	sshAddr := flag.String("ssh-addr", "localhost:2222", "address for the SSH debug console")
	flag.Parse()
	unison.Init()

	id, err := unison.GenerateIdentity()
	if err != nil {
		log.Fatalf("generating identity: %v", err)
	}

	ep, err := unison.Listen(context.Background(), *unisonAddr, unison.NewEndpointConfig(
		unison.WithIdentity(id),
		unison.WithNodeType(unison.NodeTypeHub),
	))
	if err != nil {
		log.Fatalf("listening on %s: %v", *unisonAddr, err)
	}
	go drainAccepts(ep)

	hostKey, err := generateHostKey()
	if err != nil {
		log.Fatalf("generating ssh host key: %v", err)
	}

	sshCfg := &ssh.ServerConfig{NoClientAuth: true}
	sshCfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", *sshAddr)
	if err != nil {
		log.Fatalf("listening for ssh on %s: %v", *sshAddr, err)
	}
	log.Printf("unison listening on %s, debug console on %s", *unisonAddr, *sshAddr)

	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Fatalf("ssh accept: %v", err)
		}
		go serveSSH(nc, sshCfg, ep)
	}
}

// drainAccepts accepts every incoming Unison connection but does not
// otherwise serve it; the console exists to inspect connections, not
// to exercise the echo protocol.
func drainAccepts(ep *unison.Endpoint) {
	for {
		if _, err := ep.Accept(context.Background()); err != nil {
			return
		}
	}
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig, ep *unison.Endpoint) {
	defer nc.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			ch.Reject(ssh.UnknownChannelType, "only session channels supported")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)
		go runShell(channel, ep)
	}
}

// runShell implements a tiny line-oriented debug console: "list" shows
// connections, "metrics <n>" shows a connection's snapshot, "log"
// dumps the in-memory log ring buffer, "quit" ends the session.
func runShell(channel ssh.Channel, ep *unison.Endpoint) {
	defer channel.Close()
	fmt.Fprintln(channel, "unison debug console. commands: list, metrics <n>, log, quit")

	scanner := bufio.NewScanner(channel)
	for {
		fmt.Fprint(channel, "> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		switch {
		case line == "list":
			for i, c := range ep.Connections() {
				fmt.Fprintf(channel, "%d: caps=%v\n", i, c.NegotiatedCapabilities())
			}
		case strings.HasPrefix(line, "metrics "):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "metrics ")))
			conns := ep.Connections()
			if err != nil || n < 0 || n >= len(conns) {
				fmt.Fprintf(channel, "no such connection %q\n", line)
				continue
			}
			fmt.Fprintf(channel, "%+v\n", conns[n].Metrics())
		case line == "log":
			io.Copy(channel, mustDmesgReader())
		case line == "quit":
			return
		default:
			fmt.Fprintf(channel, "unknown command %q\n", line)
		}
	}
}

func mustDmesgReader() io.Reader {
	pr, pw := io.Pipe()
	go func() {
		unison.LogDmesg(pw)
		pw.Close()
	}()
	return pr
}
