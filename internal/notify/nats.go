package notify

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"go-sparchat/pkg/logger"
)

// DefaultSubject is where toasts are mirrored when no subject is configured.
const DefaultSubject = "sparchat.notifications"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink mirrors toasts to a NATS subject so bots and bridges can react to
// invitations without holding their own realtime connection.
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *logger.Logger
}

func NewNATSSink(pub Publisher, subject string, log *logger.Logger) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject, logger: logger.OrGlobal(log).Named("nats-sink")}
}

func (s *NATSSink) Notify(t Toast) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.pub.Publish(s.subject+"."+string(t.Level), data); err != nil {
		s.logger.Warn("failed to publish notification", zap.Error(err))
	}
}

// ConnectNATS dials the server with the reconnect behavior used for sinks.
func ConnectNATS(url string, log *logger.Logger) (*nats.Conn, error) {
	l := logger.OrGlobal(log).Named("nats")
	return nats.Connect(url,
		nats.Name("sparchat-client"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("NATS reconnected")
		}),
	)
}
