package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/connection"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/outbox"
	"github.com/matheus3301/meshlink/internal/serial"
	"github.com/matheus3301/meshlink/internal/store"
)

const (
	defaultLimit   = 50
	maxLimit       = 500
	eventBufSize   = 256
	payloadVersion = 1
)

// toStatus maps a domain error onto a gRPC status. fallback is used for
// errors with no specific mapping.
func toStatus(op string, err error, fallback codes.Code) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	code := fallback
	switch {
	case errors.Is(err, connection.ErrSuperseded):
		code = codes.Aborted
	case errors.Is(err, connection.ErrDeviceNotFound):
		code = codes.NotFound
	case errors.Is(err, device.ErrBadConversation):
		code = codes.InvalidArgument
	case errors.Is(err, connection.ErrNotReady),
		errors.Is(err, device.ErrNotConnected),
		errors.Is(err, outbox.ErrNoDevice):
		code = codes.FailedPrecondition
	case errors.Is(err, connection.ErrHandshake),
		errors.Is(err, device.ErrTimeout),
		errors.Is(err, serial.ErrStopped):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func intField(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func limitField(s *structpb.Struct) int {
	n := int(intField(s, "limit"))
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}

// newStruct wraps structpb.NewStruct, reporting conversion failures as
// Internal.
func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// payloadValue converts an event payload to a protobuf Value through its
// JSON form.
func payloadValue(p any) (*structpb.Value, error) {
	if p == nil {
		return structpb.NewNullValue(), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	v := &structpb.Value{}
	if err := protojson.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// envelope wraps a bus event for the wire.
func envelope(profile string, evt bus.Event) (*structpb.Struct, error) {
	payload, err := payloadValue(evt.Payload)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event_id":            structpb.NewStringValue(uuid.NewString()),
		"profile":             structpb.NewStringValue(profile),
		"kind":                structpb.NewStringValue(evt.Kind),
		"occurred_at_unix_ms": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
		"payload_version":     structpb.NewNumberValue(payloadVersion),
		"payload":             payload,
	}}, nil
}

// streamEvents forwards bus events under namespace until the client goes
// away or a send fails.
func streamEvents(b *bus.Bus, profile, namespace string, stream grpc.ServerStreamingServer[structpb.Struct], log *zap.Logger) error {
	ch, unsub := b.Subscribe(namespace, eventBufSize)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-ch:
			env, err := envelope(profile, evt)
			if err != nil {
				log.Warn("api: encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func messageToMap(m *store.Message) map[string]any {
	return map[string]any{
		"id":                  m.ID,
		"conversation":        m.Conversation,
		"direction":           m.Direction,
		"sender_name":         m.SenderName,
		"body":                m.Body,
		"sender_ts":           m.SenderTS,
		"received_at_unix_ms": m.ReceivedAt,
		"timestamp_corrected": m.TimestampCorrected,
		"path_len":            m.PathLen,
		"snr":                 m.SNR,
		"status":              m.Status,
		"client_msg_id":       m.ClientMsgID,
	}
}

func deviceToMap(d *store.Device) map[string]any {
	return map[string]any{
		"id":                d.ID,
		"transport":         d.Transport,
		"address":           d.Address,
		"name":              d.Name,
		"model":             d.Model,
		"version":           d.Version,
		"firmware_version":  d.FirmwareVersion,
		"last_connected_at": d.LastConnectedAt,
	}
}
