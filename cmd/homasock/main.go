// Command homasock is a minimal Homa client/server demo over the QUIC
// datagram transport: -server listens and echoes every request back as
// its response; otherwise the command sends one request to -peer and
// prints the response.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"homa"
	"homa/internal/config"
	"homa/internal/debuglog"
	"homa/internal/grant"
	"homa/internal/peer"
	"homa/internal/pprofutil"
	"homa/internal/socktab"
	"homa/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "homasock:", err)
		os.Exit(1)
	}
}

func run() error {
	listenAddr := flag.String("listen", "127.0.0.1:0", "address to listen on")
	peerAddr := flag.String("peer", "", "peer address to send a request to (client mode)")
	server := flag.Bool("server", false, "run as a Homa server, echoing requests back as responses")
	message := flag.String("message", "hello", "request payload to send in client mode")
	flag.Parse()

	if err := pprofutil.StartFromEnv(os.Stdout); err != nil {
		return err
	}

	cfg := config.FromEnv()
	sock := socktab.New(uint16(config.HomaMinDefaultPort))
	peers := peer.NewTable(cfg.PeerIdleSecsMax, cfg.PeerGCThreshold)
	grants := grant.New(cfg)

	var hs *homa.Socket
	ep, err := transport.Listen(*listenAddr, func(data []byte, from netip.Addr) {
		hs.Deliver(data, from)
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", *listenAddr, err)
	}
	defer ep.Close()

	hs, err = homa.Open("default", cfg, sock, peers, grants, ep)
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer hs.Shutdown()

	debuglog.Logf("homasock: listening on %s", ep.LocalAddr())

	if *server {
		hs.SetServer(true)
		return serve(hs)
	}
	return sendOnce(hs, *peerAddr, *message)
}

// serve loops forever, reading each completed request and echoing its
// payload straight back to the caller as the response.
func serve(hs *homa.Socket) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		msg, err := hs.Recv(ctx, 0, false, false)
		cancel()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		if _, err := hs.Send(context.Background(), msg.From, msg.FromPort, msg.ID, msg.Payload, 0, false); err != nil {
			debuglog.Logf("homasock: echo failed for rpc %d: %v", msg.ID, err)
		}
		hs.ReleaseBuffers(msg.Bpages)
	}
}

func sendOnce(hs *homa.Socket, peerAddr, message string) error {
	if peerAddr == "" {
		return fmt.Errorf("-peer is required in client mode")
	}
	addrPort, err := netip.ParseAddrPort(peerAddr)
	if err != nil {
		return fmt.Errorf("parse -peer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := hs.Send(ctx, addrPort.Addr(), addrPort.Port(), 0, []byte(message), 0, true)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	resp, err := hs.Recv(ctx, id, true, false)
	if err != nil {
		return fmt.Errorf("recv response: %w", err)
	}
	fmt.Printf("%s\n", resp.Payload)
	return nil
}
