package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{subject, data})
	return nil
}

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNATSNotifierPublishesJSON(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub, "")

	sig := Signal{Kind: KindHalt, ExecutionID: "exec-1", ActionID: "a-9", Reason: "chain_broken", At: at}
	require.NoError(t, n.Notify(context.Background(), sig))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "gateway.escalation.halt", pub.msgs[0].subject)
	var got Signal
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, sig, got)
}

func TestNATSNotifierErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("connection closed")}
	n := NewNATSNotifier(pub, "ops")
	err := n.Notify(context.Background(), Signal{Kind: KindDetection})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops.detection")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, Signal{Kind: KindHalt}), context.Canceled)
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), Signal{Kind: KindApprovalNeeded, ExecutionID: "e"}))
	require.NoError(t, n.Notify(context.Background(), Signal{Kind: KindHalt, ExecutionID: "e"}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"level":"WARN"`)
	assert.Contains(t, string(lines[1]), `"level":"ERROR"`)
	assert.Contains(t, string(lines[1]), `"kind":"halt"`)
}

func TestMultiNotifierAttemptsAll(t *testing.T) {
	failing := NewNATSNotifier(&recordingPublisher{err: errors.New("down")}, "a")
	ok := &recordingPublisher{}
	m := MultiNotifier{failing, nil, NewNATSNotifier(ok, "b")}

	err := m.Notify(context.Background(), Signal{Kind: KindRetriesExhausted})
	require.Error(t, err)
	require.Len(t, ok.msgs, 1)
	assert.Equal(t, "b.retries_exhausted", ok.msgs[0].subject)
}

func TestNATSNotifierLive(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	n, err := ConnectNATS(url, "gateway.test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("gateway.test.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, n.Notify(context.Background(), Signal{Kind: KindHalt, ExecutionID: "live", At: at}))
	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "gateway.test.halt", msg.Subject)
}
