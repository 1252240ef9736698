// Command displaymuxd is a minimal endpoint binary demonstrating the
// session state machine over a websocket byte transport: -listen runs a
// server that accepts one connection and -dial runs a client against it.
// Any framed byte transport would do; websockets are simply a convenient
// stand-in with a batteries-included Go library.
package main

import (
	"errors"
	"flag"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/muxconfig"
	"github.com/arlojansen/vmux/internal/session"
	"github.com/arlojansen/vmux/internal/tracehook"
)

type logEvents struct{}

func (logEvents) OnEvent(chid uint8, event []byte) {
	log.Printf("event on channel %d: %q", chid, event)
}

type logAuth struct{}

func (logAuth) OnAuth() { log.Printf("handshake complete, session keys installed") }

func main() {
	listenAddr := flag.String("listen", "", "address to accept one connection on, e.g. :8765")
	dialAddr := flag.String("dial", "", "address to dial, e.g. ws://127.0.0.1:8765/mux")
	configPath := flag.String("config", "vmux.json", "path to the endpoint config file")
	flag.Parse()

	cfg, created, err := muxconfig.Ensure(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", *configPath)
	}

	switch {
	case *listenAddr != "":
		runServer(*listenAddr, cfg)
	case *dialAddr != "":
		runClient(*dialAddr, cfg)
	default:
		log.Fatal("one of -listen or -dial is required")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func runServer(addr string, cfg muxconfig.Config) {
	accepted := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/mux", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade: %v", err)
			return
		}
		accepted <- conn
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	log.Printf("waiting for a connection on %s/mux", addr)
	conn := <-accepted
	defer conn.Close()

	st, err := session.NewServer(session.Config{
		Role:                 cfg.Identity.Role,
		TwoRound:             cfg.Handshake.TwoRound,
		PresharedSecret:      cfg.Handshake.PresharedSecret,
		MTU:                  cfg.Transport.MTU,
		CongestionWindowSize: cfg.Transport.CongestionWindowSize,
		TraceTag:             "server",
		TraceMask:            tracehook.Mask(cfg.Trace.Mask),
		Events:               logEvents{},
		Auth:                 logAuth{},
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer st.Close()

	pump(conn, st)
}

func runClient(addr string, cfg muxconfig.Config) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	st, err := session.NewClient(session.Config{
		Role:                 cfg.Identity.Role,
		TwoRound:             cfg.Handshake.TwoRound,
		PresharedSecret:      cfg.Handshake.PresharedSecret,
		MTU:                  cfg.Transport.MTU,
		CongestionWindowSize: cfg.Transport.CongestionWindowSize,
		TraceTag:             "client",
		TraceMask:            tracehook.Mask(cfg.Trace.Mask),
		Events:               logEvents{},
		Auth:                 logAuth{},
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer st.Close()

	if err := st.ClientStart(); err != nil {
		log.Fatalf("client start: %v", err)
	}
	if err := flushTo(conn, st); err != nil {
		log.Fatalf("send first hello: %v", err)
	}

	go func() {
		if err := st.OpenChannel(1, 0, channel.SegmentPrimary, channel.DirectionOutput, 0); err != nil {
			log.Printf("open channel: %v", err)
			return
		}
		if err := flushTo(conn, st); err != nil {
			log.Printf("flush newch: %v", err)
		}
	}()

	pump(conn, st)
}

// pump alternates reading inbound frames off conn into st and flushing
// whatever st queued in response back out, until the connection breaks or
// closes. One goroutine per direction would also work; this keeps the
// demo single-threaded per the session's own single-threaded-per-connection
// contract.
func pump(conn *websocket.Conn, st *session.State) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("read: %v", err)
			return
		}
		if err := st.Unpack(raw); err != nil {
			var broken *session.ErrBroken
			if errors.As(err, &broken) {
				log.Printf("connection broken: %v", broken)
				return
			}
			log.Printf("unpack: %v", err)
			continue
		}
		if err := flushTo(conn, st); err != nil {
			log.Printf("flush: %v", err)
			return
		}
	}
}

func flushTo(conn *websocket.Conn, st *session.State) error {
	for {
		out, err := st.Flush()
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return err
		}
	}
}

var _ callback.EventSink = logEvents{}
var _ callback.AuthSink = logAuth{}
