package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/resolverd/internal/config"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestConnectEmptyURLDisablesPublishing(t *testing.T) {
	pub, err := Connect(config.EventsConfig{URL: ""}, nil)
	require.NoError(t, err)
	assert.Nil(t, pub)

	// A nil publisher is safe to use.
	pub.Publish(context.Background(), ResolutionEvent{RecordID: "rec-1"})
	pub.Close()
}

func TestPublishDeliversEvent(t *testing.T) {
	server := startTestNATSServer(t)

	pub, err := Connect(config.EventsConfig{
		URL:     server.ClientURL(),
		Subject: "resolverd.resolutions",
	}, nil)
	require.NoError(t, err)
	defer pub.Close()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("resolverd.resolutions", received)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck
	require.NoError(t, nc.Flush())

	sent := ResolutionEvent{
		RecordID:           "rec-42",
		FinalAction:        "approve",
		ConfidenceScore:    0.85,
		ExceptionsFound:    1,
		ExceptionsResolved: 1,
		Timestamp:          time.Now().UTC(),
	}
	pub.Publish(context.Background(), sent)

	select {
	case msg := <-received:
		var got ResolutionEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "rec-42", got.RecordID)
		assert.Equal(t, "approve", got.FinalAction)
		assert.Equal(t, 0.85, got.ConfidenceScore)
	case <-time.After(5 * time.Second):
		t.Fatal("resolution event not delivered")
	}
}

func TestPublishAfterCloseIsSwallowed(t *testing.T) {
	server := startTestNATSServer(t)

	pub, err := Connect(config.EventsConfig{
		URL:     server.ClientURL(),
		Subject: "resolverd.resolutions",
	}, nil)
	require.NoError(t, err)

	pub.Close()

	// Delivery failures never propagate to the caller.
	pub.Publish(context.Background(), ResolutionEvent{RecordID: "rec-1"})
}
