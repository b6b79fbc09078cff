package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const subjectRoot = "clms.preload"

var (
	errNilBus       = errors.New("nats publisher not initialized")
	errEmptySubject = errors.New("empty subject")
)

type conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Publisher sends JSON-encoded events over NATS core subjects.
type Publisher struct {
	nc conn
}

// Connect dials NATS at the provided URL.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("clms-preload"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc}, nil
}

// PublishJSON encodes v and publishes it on subject.
func (p *Publisher) PublishJSON(subject string, v any) error {
	if p == nil || p.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(subject) == "" {
		return errEmptySubject
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Flush(); err != nil {
		logging.Warn("bus", "flush before close failed", "err", err)
	}
	p.nc.Close()
}

// ProgressSubject is the per-run subject progress events are published on.
func ProgressSubject(runID string) string {
	if runID == "" {
		return ""
	}
	return subjectRoot + "." + runID + ".progress"
}
