package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes each signal as JSON to "<prefix>.<kind>".
type NATSNotifier struct {
	pub    Publisher
	prefix string
	close  func()
}

// DefaultSubjectPrefix is used when no prefix is given.
const DefaultSubjectPrefix = "gateway.escalation"

func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{pub: pub, prefix: prefix}
}

// ConnectNATS dials url and returns a notifier owning the connection.
func ConnectNATS(url, prefix string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("helm-gateway-escalation"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("nats connected", "url", url, "prefix", prefix)
	n := NewNATSNotifier(nc, prefix)
	n.close = nc.Close
	return n, nil
}

// Subject is the subject a signal of kind k is published on.
func (n *NATSNotifier) Subject(k Kind) string {
	return n.prefix + "." + string(k)
}

func (n *NATSNotifier) Notify(ctx context.Context, s Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	subject := n.Subject(s.Kind)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.close != nil {
		n.close()
	}
	return nil
}
