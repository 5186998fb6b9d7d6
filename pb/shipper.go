// Package pb carries the hand-maintained client contract for the external
// delivery ledger service. The real service records every outbound shipment
// and archived dead letter; local and test deployments use the mock client.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Shipment delivery statuses.
type Shipment_Status int32

const (
	Shipment_DELIVERED   Shipment_Status = 0
	Shipment_DEAD_LETTER Shipment_Status = 1
	Shipment_REDELIVERED Shipment_Status = 2
)

// Shipment is one recorded outbound delivery attempt outcome.
type Shipment struct {
	EventId        string
	EventType      string
	TenantId       string
	SubscriptionId string
	Status         Shipment_Status
	Attempts       int32
	Cause          string
	DeliveredAt    *timestamppb.Timestamp
}

// ShipmentAck acknowledges a recorded shipment.
type ShipmentAck struct {
	EventId  string
	Accepted bool
}

// ShipmentLedgerClient is the client surface of the delivery ledger.
type ShipmentLedgerClient interface {
	RecordShipment(ctx context.Context, in *Shipment, opts ...grpc.CallOption) (*ShipmentAck, error)
	RecordDeadLetter(ctx context.Context, in *Shipment, opts ...grpc.CallOption) (*ShipmentAck, error)
}

// MockShipmentLedgerClient accepts everything; used when no ledger endpoint
// is configured.
type MockShipmentLedgerClient struct{}

func (m *MockShipmentLedgerClient) RecordShipment(ctx context.Context, in *Shipment, opts ...grpc.CallOption) (*ShipmentAck, error) {
	if in.EventId == "" {
		return nil, status.Error(codes.InvalidArgument, "shipment missing event_id")
	}
	return &ShipmentAck{EventId: in.EventId, Accepted: true}, nil
}

func (m *MockShipmentLedgerClient) RecordDeadLetter(ctx context.Context, in *Shipment, opts ...grpc.CallOption) (*ShipmentAck, error) {
	if in.EventId == "" {
		return nil, status.Error(codes.InvalidArgument, "dead letter missing event_id")
	}
	return &ShipmentAck{EventId: in.EventId, Accepted: true}, nil
}
