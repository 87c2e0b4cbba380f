package proposal

import (
	"time"

	"shielded-pool/common"
	"shielded-pool/log"

	"github.com/nats-io/nats.go"
)

// NatsConfig is the configuration of the NATS connection
type NatsConfig struct {
	URL string
	// Stream is the JetStream stream the proposals are stored in.  It is
	// created if it doesn't exist.
	Stream string
	// Subject is the subject prefix of the proposals
	Subject        string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxAge of the stored proposals
	MaxAge time.Duration
}

// NatsPublisher publishes proposals on a NATS JetStream stream
type NatsPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNatsPublisher connects to the NATS server and makes sure the stream
// exists
func NewNatsPublisher(cfg NatsConfig) (*NatsPublisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnw("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, common.Wrap(err)
	}
	p := &NatsPublisher{conn: conn, js: js}
	if err := p.ensureStream(cfg); err != nil {
		conn.Close()
		return nil, common.Wrap(err)
	}
	return p, nil
}

func (p *NatsPublisher) ensureStream(cfg NatsConfig) error {
	if _, err := p.js.StreamInfo(cfg.Stream); err == nil {
		log.Debugw("NATS stream exists", "stream", cfg.Stream)
		return nil
	}
	if _, err := p.js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Storage:   nats.FileStorage,
	}); err != nil {
		return common.Wrap(err)
	}
	log.Infow("NATS stream created", "stream", cfg.Stream, "subjects", cfg.Subject+".>")
	return nil
}

// Publish implements Publisher
func (p *NatsPublisher) Publish(subject string, data []byte) error {
	if _, err := p.js.Publish(subject, data); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// Close the connection
func (p *NatsPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
