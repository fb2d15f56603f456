package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventMeta(t *testing.T) {
	tests := []struct {
		name             string
		event            any
		wantTypeName     string
		wantExchangeName string
	}{
		{
			name:             "ServiceRegisteredEvent",
			event:            ServiceRegisteredEvent{},
			wantTypeName:     "urn:message:Meshgate.Common.Messaging:ServiceRegisteredEvent",
			wantExchangeName: "Meshgate.Common.Messaging:ServiceRegisteredEvent",
		},
		{
			name:             "ServiceDeregisteredEvent",
			event:            ServiceDeregisteredEvent{},
			wantTypeName:     "urn:message:Meshgate.Common.Messaging:ServiceDeregisteredEvent",
			wantExchangeName: "Meshgate.Common.Messaging:ServiceDeregisteredEvent",
		},
		{
			name:             "ServiceHealthChangedEvent",
			event:            ServiceHealthChangedEvent{},
			wantTypeName:     "urn:message:Meshgate.Common.Messaging:ServiceHealthChangedEvent",
			wantExchangeName: "Meshgate.Common.Messaging:ServiceHealthChangedEvent",
		},
		{
			name:             "BreakerStateChangedEvent",
			event:            BreakerStateChangedEvent{},
			wantTypeName:     "urn:message:Meshgate.Common.Messaging:BreakerStateChangedEvent",
			wantExchangeName: "Meshgate.Common.Messaging:BreakerStateChangedEvent",
		},
		{
			name:             "unknown event type",
			event:            "not an event",
			wantTypeName:     "urn:message:Unknown",
			wantExchangeName: "Unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typeName, exchangeName := eventMeta(tt.event)
			if typeName != tt.wantTypeName {
				t.Errorf("eventMeta() typeName = %q, want %q", typeName, tt.wantTypeName)
			}
			if exchangeName != tt.wantExchangeName {
				t.Errorf("eventMeta() exchangeName = %q, want %q", exchangeName, tt.wantExchangeName)
			}
		})
	}
}

func TestMassTransitEnvelope_Fields(t *testing.T) {
	event := ServiceRegisteredEvent{
		EventID:     "test-1",
		Timestamp:   time.Now().UTC(),
		ServiceID:   "svc-1",
		ServiceName: "test-service",
		Address:     "127.0.0.1",
		Port:        8080,
	}

	typeName, _ := eventMeta(event)
	if !strings.HasPrefix(typeName, "urn:message:") {
		t.Errorf("expected URN prefix, got %q", typeName)
	}
}

func TestNewPublisher_NoopWhenURLEmpty(t *testing.T) {
	p, err := NewPublisher("", discardLogger())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if err := p.Publish(context.Background(), ServiceRegisteredEvent{ServiceID: "svc-1"}); err != nil {
		t.Fatalf("Publish() on no-op publisher: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() on no-op publisher: %v", err)
	}
}
