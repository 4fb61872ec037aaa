package stats

import (
	"context"
	"sync/atomic"
	"time"
)

// DummyCollector is a no-op collector used when statistics are disabled.
// It hands out connection IDs so callers never special-case a nil collector.
type DummyCollector struct {
	nextID int64
}

// NewDummyCollector creates a new no-op statistics collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(_ context.Context, _, _ string, _ int, _ string) (int64, error) {
	return atomic.AddInt64(&d.nextID, 1), nil
}

func (d *DummyCollector) EndConnection(_ context.Context, _ int64, _, _ int64, _ time.Duration, _ string) error {
	return nil
}

func (d *DummyCollector) RecordHTTPRequest(_ context.Context, _ int64, _, _, _ string, _ int64) error {
	return nil
}

func (d *DummyCollector) RecordHTTPResponse(_ context.Context, _ int64, _ int, _ int64) error {
	return nil
}

func (d *DummyCollector) RecordError(_ context.Context, _ int64, _, _ string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(_ context.Context, _ int64, _, _ int64) error {
	return nil
}

func (d *DummyCollector) HealthCheck(_ context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
