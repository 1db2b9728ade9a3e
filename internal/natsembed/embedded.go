// Package natsembed starts an in-process JetStream-enabled NATS server for
// deployments that set queue-backend: nats without pointing at an external
// broker.
package natsembed

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Server wraps an embedded NATS server plus the client connection and
// JetStream context dispatch queues are built from.
type Server struct {
	ns   *server.Server
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Start launches an embedded NATS server with JetStream enabled, storing
// stream data under dataDir, and connects an in-process client to it.
func Start(dataDir string) (*Server, error) {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       -1, // let the OS assign a free port
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   dataDir,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("natsembed: create server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("natsembed: server not ready for connections")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("natsembed: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("natsembed: jetstream context: %w", err)
	}

	return &Server{ns: ns, conn: conn, js: js}, nil
}

// JetStream returns the JetStream context queues are built against.
func (s *Server) JetStream() nats.JetStreamContext {
	return s.js
}

// URL returns the embedded server's client connection URL.
func (s *Server) URL() string {
	return s.ns.ClientURL()
}

// Shutdown closes the client connection and stops the embedded server.
func (s *Server) Shutdown() {
	s.conn.Close()
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
