package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/devblac/netflow-tower/internal/config"
	"github.com/devblac/netflow-tower/internal/metrics"
	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/devblac/netflow-tower/internal/units"
)

// DeliveryRecorder persists notification outcomes.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d storage.Delivery) error
}

// Target is a configured sink with its amount threshold.
type Target struct {
	ID        string
	Sender    Sender
	MinAmount *big.Int
}

// BuildTargets creates senders for every configured sink.
func BuildTargets(sinks []config.Sink, decimals int32) ([]Target, error) {
	targets := make([]Target, 0, len(sinks))
	for _, s := range sinks {
		var (
			sender Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = NewWebhookSender(s.URL, s.Method, s.Template, nil)
		case "kafka":
			sender, err = NewKafkaSender(s.Brokers, s.Topic)
		default:
			err = fmt.Errorf("unsupported sink type: %s", s.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		t := Target{ID: s.ID, Sender: sender}
		if s.MinAmount != "" {
			threshold, err := units.Parse(s.MinAmount, decimals)
			if err != nil {
				return nil, fmt.Errorf("sink %s: min_amount: %w", s.ID, err)
			}
			t.MinAmount = threshold
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Dispatcher fans recorded transfers out to sinks. Failures are logged and recorded, never returned.
type Dispatcher struct {
	targets  []Target
	token    Token
	recorder DeliveryRecorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dryRun   bool
}

// NewDispatcher builds a dispatcher. recorder may be nil.
func NewDispatcher(targets []Target, tok Token, recorder DeliveryRecorder, logger *slog.Logger, m *metrics.Metrics, dryRun bool) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		targets:  targets,
		token:    tok,
		recorder: recorder,
		logger:   logger.With("component", "sink"),
		metrics:  m,
		dryRun:   dryRun,
	}
}

// Notify sends each transfer to every sink whose threshold it meets.
func (d *Dispatcher) Notify(ctx context.Context, recs []storage.TransferRecord) {
	for _, rec := range recs {
		payload := NewTransferPayload(rec, d.token)
		for _, t := range d.targets {
			if t.MinAmount != nil && rec.Amount.Cmp(t.MinAmount) < 0 {
				continue
			}
			if d.dryRun {
				d.logger.Info("dry run: notification suppressed", "sink", t.ID, "tx", rec.TxHash, "log_index", rec.LogIndex)
				continue
			}
			d.deliver(ctx, t, rec, payload)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t Target, rec storage.TransferRecord, payload TransferPayload) {
	delivery := storage.Delivery{TxHash: rec.TxHash, LogIndex: rec.LogIndex, SinkID: t.ID, Status: "sent"}
	if err := t.Sender.Send(ctx, payload); err != nil {
		delivery.Status = "failed"
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			delivery.ResponseCode = statusErr.Code
		}
		d.logger.Warn("notification failed", "sink", t.ID, "tx", rec.TxHash, "log_index", rec.LogIndex, "err", err)
	} else {
		d.logger.Debug("notification sent", "sink", t.ID, "tx", rec.TxHash, "log_index", rec.LogIndex)
	}
	d.metrics.Notification(delivery.Status)
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordDelivery(context.WithoutCancel(ctx), delivery); err != nil {
		d.logger.Warn("record delivery failed", "sink", t.ID, "tx", rec.TxHash, "err", err)
	}
}

// Close releases sinks that hold connections.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, t := range d.targets {
		if c, ok := t.Sender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("sink %s: %w", t.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
