package signal

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSChannel(t *testing.T) *NATSChannel {
	t.Helper()
	addr := os.Getenv("WARP_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSChannel: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		t.Log("TestNATSChannel: using embedded NATS server")
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATS(conn, WithSubjectPrefix("test.signal"))
}

func TestNATSChannel(t *testing.T) {
	runChannelSuite(t, newNATSChannel(t))
}

func TestNATSCursorClosed(t *testing.T) {
	c := newNATSChannel(t)
	cur, err := c.Tail(context.Background(), "a")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := cur.Next(context.Background(), time.Millisecond); !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("expected ErrCursorClosed, got %v", err)
	}
}
