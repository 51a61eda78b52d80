// Package stats keeps the display counters (purchases, sales, downloads,
// enrollments) in step with committed purchases. Counters are eventually
// consistent and never take part in balance checks.
package stats

import (
	"context"
	"errors"
	"log/slog"
)

type Event struct {
	BuyerID  string
	SellerID string
	FileIDs  []string
	BundleID string
	CourseID string
}

type CounterStore interface {
	AddPurchases(ctx context.Context, accountID string, n int) error
	AddSales(ctx context.Context, accountID string, n int) error
	AddDownloads(ctx context.Context, fileIDs []string) error
	AddBundleSale(ctx context.Context, bundleID string) error
	AddEnrollment(ctx context.Context, courseID string) error
	Rebuild(ctx context.Context) error
}

type Projector struct {
	counters CounterStore
	events   chan Event
	logger   *slog.Logger
}

func NewProjector(counters CounterStore, queueSize int, logger *slog.Logger) *Projector {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		counters: counters,
		events:   make(chan Event, queueSize),
		logger:   logger,
	}
}

// Publish queues an event without blocking. It reports false when the queue
// is full and the event was dropped.
func (p *Projector) Publish(event Event) bool {
	select {
	case p.events <- event:
		return true
	default:
		p.logger.Warn("stats queue full, dropping event",
			slog.String("buyer_id", event.BuyerID),
			slog.String("seller_id", event.SellerID),
		)
		return false
	}
}

// Run applies queued events until ctx is done.
func (p *Projector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.events:
			if err := p.Apply(ctx, event); err != nil {
				p.logger.Error("apply stats event", slog.Any("error", err))
			}
		}
	}
}

func (p *Projector) Apply(ctx context.Context, event Event) error {
	units := len(event.FileIDs)
	if event.CourseID != "" {
		units = 1
	}
	if units == 0 {
		return nil
	}
	var errs []error
	if event.BuyerID != "" {
		errs = append(errs, p.counters.AddPurchases(ctx, event.BuyerID, units))
	}
	if event.SellerID != "" {
		errs = append(errs, p.counters.AddSales(ctx, event.SellerID, units))
	}
	if len(event.FileIDs) > 0 {
		errs = append(errs, p.counters.AddDownloads(ctx, event.FileIDs))
	}
	if event.BundleID != "" {
		errs = append(errs, p.counters.AddBundleSale(ctx, event.BundleID))
	}
	if event.CourseID != "" {
		errs = append(errs, p.counters.AddEnrollment(ctx, event.CourseID))
	}
	return errors.Join(errs...)
}

func (p *Projector) Rebuild(ctx context.Context) error {
	return p.counters.Rebuild(ctx)
}
