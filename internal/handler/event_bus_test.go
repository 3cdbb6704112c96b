// internal/handler/event_bus_test.go
package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"cash-device-service/pkg/driver"
)

// blockingCashSink holds every HandleCashEvent call until released,
// standing in for a payment flow that answers cash events with driver
// commands serviced by the device poll loop.
type blockingCashSink struct {
	mu      sync.Mutex
	handled []string
	release chan struct{}
	seen    chan string
}

func newBlockingCashSink() *blockingCashSink {
	return &blockingCashSink{
		release: make(chan struct{}),
		seen:    make(chan string, 16),
	}
}

func (s *blockingCashSink) HandleCashEvent(deviceID string, event *driver.CashEvent) {
	<-s.release
	s.mu.Lock()
	s.handled = append(s.handled, string(event.Type))
	s.mu.Unlock()
	s.seen <- string(event.Type)
}

func (s *blockingCashSink) handledTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.handled...)
}

func newTestEventHandler(sink CashEventSink) *DeviceEventHandler {
	ws := NewWebSocketHandler(nil, nil, zap.NewNop())
	return NewDeviceEventHandler(ws, sink, zap.NewNop())
}

func TestOnCashEventReturnsWithoutWaitingOnPaymentFlow(t *testing.T) {
	sink := newBlockingCashSink()
	deh := newTestEventHandler(sink)

	done := make(chan struct{})
	go func() {
		deh.OnCashEvent("bill_acceptor", &driver.CashEvent{
			Type:      driver.CashEventEscrow,
			Amount:    10000,
			Timestamp: time.Now(),
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cash event callback blocked on the payment flow")
	}

	close(sink.release)
	select {
	case <-sink.seen:
	case <-time.After(time.Second):
		t.Fatal("queued cash event never reached the payment flow")
	}
	assert.Equal(t, []string{string(driver.CashEventEscrow)}, sink.handledTypes())
}

func TestCashEventsReachPaymentFlowInArrivalOrder(t *testing.T) {
	sink := newBlockingCashSink()
	close(sink.release)
	deh := newTestEventHandler(sink)

	deh.OnCashEvent("bill_acceptor", &driver.CashEvent{Type: driver.CashEventEscrow})
	deh.OnCashEvent("bill_acceptor", &driver.CashEvent{Type: driver.CashEventAccepted})

	for i := 0; i < 2; i++ {
		select {
		case <-sink.seen:
		case <-time.After(time.Second):
			t.Fatal("queued cash event never reached the payment flow")
		}
	}
	assert.Equal(t, []string{
		string(driver.CashEventEscrow),
		string(driver.CashEventAccepted),
	}, sink.handledTypes())
}

func TestOnCashEventIgnoresNilEvent(t *testing.T) {
	sink := newBlockingCashSink()
	close(sink.release)
	deh := newTestEventHandler(sink)

	deh.OnCashEvent("bill_acceptor", nil)

	select {
	case evt := <-sink.seen:
		t.Fatalf("nil cash event was handed to the payment flow as %q", evt)
	case <-time.After(100 * time.Millisecond):
	}
}
