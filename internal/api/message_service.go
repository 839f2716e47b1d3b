package api

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/store"
)

// Enqueuer queues outgoing texts.
type Enqueuer interface {
	Enqueue(ctx context.Context, conversation, text string) (*store.OutboxEntry, error)
}

// MessageService implements MessageServiceServer.
type MessageService struct {
	profile string
	db      *store.DB
	conn    Connector
	outbox  Enqueuer
	bus     *bus.Bus
	log     *zap.Logger
}

var _ MessageServiceServer = (*MessageService)(nil)

// NewMessageService creates a new message service backed by the store.
func NewMessageService(profile string, db *store.DB, conn Connector, outbox Enqueuer, b *bus.Bus, logger *zap.Logger) *MessageService {
	return &MessageService{
		profile: profile,
		db:      db,
		conn:    conn,
		outbox:  outbox,
		bus:     b,
		log:     logger,
	}
}

// deviceFor picks the device a read request is about: the explicit
// device_id, then the connected radio, then the most recently used one.
func (s *MessageService) deviceFor(ctx context.Context, req *structpb.Struct) (string, error) {
	if id := stringField(req, "device_id"); id != "" {
		return id, nil
	}
	st, err := s.conn.Status(ctx)
	if err != nil {
		return "", toStatus("status", err, codes.Unavailable)
	}
	if st.DeviceID != "" {
		return st.DeviceID, nil
	}
	devices, err := s.db.ListDevices()
	if err != nil {
		return "", toStatus("list devices", err, codes.Internal)
	}
	if len(devices) == 0 {
		return "", grpcstatus.Error(codes.FailedPrecondition, "no device has been connected yet")
	}
	return devices[0].ID, nil
}

func (s *MessageService) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := s.deviceFor(ctx, req)
	if err != nil {
		return nil, err
	}
	limit := limitField(req)
	convs, err := s.db.ListConversations(deviceID, limit)
	if err != nil {
		return nil, toStatus("list conversations", err, codes.Internal)
	}

	out := make([]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, map[string]any{
			"id":              c.ID,
			"name":            c.Name,
			"message_count":   c.MessageCount,
			"last_message_at": c.LastMessageAt,
			"preview":         c.LastMessagePreview,
		})
	}
	return newStruct(map[string]any{
		"device_id":     deviceID,
		"conversations": out,
		"has_more":      len(convs) == limit,
	})
}

func (s *MessageService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv := stringField(req, "conversation")
	if conv == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation is required")
	}
	deviceID, err := s.deviceFor(ctx, req)
	if err != nil {
		return nil, err
	}
	limit := limitField(req)
	msgs, err := s.db.ListMessages(deviceID, conv, intField(req, "before_ts"), limit)
	if err != nil {
		return nil, toStatus("list messages", err, codes.Internal)
	}

	out := make([]any, 0, len(msgs))
	for i := range msgs {
		m := messageToMap(&msgs[i])
		reactions, err := s.db.ListReactions(msgs[i].ID)
		if err != nil {
			return nil, toStatus("list reactions", err, codes.Internal)
		}
		if len(reactions) > 0 {
			rs := make([]any, 0, len(reactions))
			for _, r := range reactions {
				rs = append(rs, map[string]any{"sender": r.Sender, "emoji": r.Emoji})
			}
			m["reactions"] = rs
		}
		out = append(out, m)
	}
	return newStruct(map[string]any{
		"messages": out,
		"has_more": len(msgs) == limit,
	})
}

func (s *MessageService) SearchMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := strings.TrimSpace(stringField(req, "query"))
	if query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	deviceID, err := s.deviceFor(ctx, req)
	if err != nil {
		return nil, err
	}
	limit := limitField(req)
	results, err := s.db.SearchMessages(query, deviceID, stringField(req, "conversation"), limit)
	if err != nil {
		return nil, toStatus("search messages", err, codes.Internal)
	}

	out := make([]any, 0, len(results))
	for i := range results {
		out = append(out, map[string]any{
			"message": messageToMap(&results[i].Message),
			"snippet": results[i].Snippet,
		})
	}
	return newStruct(map[string]any{
		"results":  out,
		"has_more": len(results) == limit,
	})
}

func (s *MessageService) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv := stringField(req, "conversation")
	text := stringField(req, "text")
	if conv == "" || strings.TrimSpace(text) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation and text are required")
	}
	e, err := s.outbox.Enqueue(ctx, conv, text)
	if err != nil {
		return nil, toStatus("queue text", err, codes.Internal)
	}
	return newStruct(map[string]any{
		"client_msg_id": e.ClientMsgID,
		"device_id":     e.DeviceID,
		"status":        e.Status,
	})
}

func (s *MessageService) WatchMessageEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	return streamEvents(s.bus, s.profile, "message.", stream, s.log)
}
