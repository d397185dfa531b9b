package verifier

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
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

func TestNATSTransport(t *testing.T) {
	server := startTestNATSServer(t)

	workerNC, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer workerNC.Close()

	sc, err := NewNATSServer(workerNC, "darkscan.verifier.test", nil)
	require.NoError(t, err)
	require.NoError(t, workerNC.Flush())

	loader := &countingLoader{embedder: &hashEmbedder{}}
	sem := NewSemantic(loader.load, testExamples(), DefaultThresholds(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, sc, sem, nil)
	}()
	defer func() {
		cancel()
		<-done
		_ = sc.Close()
	}()

	issuerNC, err := ConnectNATS(server.ClientURL())
	require.NoError(t, err)
	defer issuerNC.Close()

	cc, err := NewNATSClient(issuerNC, "darkscan.verifier.test", nil)
	require.NoError(t, err)
	client := NewClient(cc, 2*time.Second, nil)
	defer client.Close()

	res, err := client.Predict(context.Background(), "Hurry, this offer ends soon!")
	require.NoError(t, err)
	assert.Equal(t, "fakeUrgency", res.Category)
	assert.Equal(t, TierHigh, res.Confidence)
	assert.Equal(t, StateReady, client.Status(context.Background()).State)
}

func TestNATSNoWorkerTimesOut(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	cc, err := NewNATSClient(nc, "darkscan.verifier.nobody", nil)
	require.NoError(t, err)
	client := NewClient(cc, 100*time.Millisecond, nil)
	defer client.Close()

	_, err = client.Predict(context.Background(), "Hurry")
	assert.ErrorIs(t, err, ErrTimeout)
}
