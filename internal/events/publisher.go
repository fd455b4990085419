package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
)

// ResolutionEvent is the wire shape published for each resolved record.
type ResolutionEvent struct {
	RecordID           string    `json:"record_id"`
	FinalAction        string    `json:"final_action"`
	ConfidenceScore    float64   `json:"confidence_score"`
	ExceptionsFound    int       `json:"exceptions_found"`
	ExceptionsResolved int       `json:"exceptions_resolved"`
	SimilarCasesFound  int       `json:"similar_cases_found"`
	Timestamp          time.Time `json:"timestamp"`
}

// Publisher emits resolution events on a NATS subject. A nil Publisher
// is valid and publishes nothing.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// Connect dials the configured broker. An empty URL returns a nil
// Publisher, which callers use as-is.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &Publisher{conn: nc, subject: cfg.Subject, logger: logger}, nil
}

// Publish emits one resolution event. Failures are logged and swallowed;
// event delivery never fails a resolution.
func (p *Publisher) Publish(ctx context.Context, ev ResolutionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn(ctx, "encode resolution event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn(ctx, "publish resolution event",
			zap.String("subject", p.subject), zap.Error(err))
	}
}

// Close drains the connection. Safe on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
