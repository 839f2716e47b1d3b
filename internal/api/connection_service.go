package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/connection"
	"github.com/matheus3301/meshlink/internal/store"
	"github.com/matheus3301/meshlink/internal/transport/ble"
)

// Connector is the part of the connection manager the API drives.
type Connector interface {
	Connect(ctx context.Context, deviceID string, forceFullSync bool) error
	ConnectViaAlternateTransport(ctx context.Context, host string, port int, forceFullSync bool) error
	SwitchDevice(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context) error
	SetForeground(fg bool)
	Status(ctx context.Context) (connection.Status, error)
}

// PairedLister lists radios paired with the host.
type PairedLister interface {
	Paired(ctx context.Context) ([]ble.Device, error)
}

// ConnectionService implements ConnectionServiceServer.
type ConnectionService struct {
	profile   string
	startedAt time.Time
	conn      Connector
	db        *store.DB
	paired    PairedLister
	bus       *bus.Bus
	log       *zap.Logger
}

var _ ConnectionServiceServer = (*ConnectionService)(nil)

// NewConnectionService creates the connection service. paired may be nil
// when no Bluetooth adapter is available.
func NewConnectionService(profile string, conn Connector, db *store.DB, paired PairedLister, b *bus.Bus, logger *zap.Logger) *ConnectionService {
	return &ConnectionService{
		profile:   profile,
		startedAt: time.Now(),
		conn:      conn,
		db:        db,
		paired:    paired,
		bus:       b,
		log:       logger,
	}
}

func (s *ConnectionService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.conn.Status(ctx)
	if err != nil {
		return nil, toStatus("status", err, codes.Unavailable)
	}

	resp := map[string]any{
		"profile":         s.profile,
		"state":           string(st.State),
		"since_unix_ms":   st.Since.UnixMilli(),
		"device_id":       st.DeviceID,
		"transport":       string(st.Transport),
		"intent":          st.Intent.String(),
		"generation":      float64(st.Generation),
		"reconnect_state": string(st.Reconnect),
		"self_name":       st.SelfName,
		"uptime_ms":       time.Since(s.startedAt).Milliseconds(),
	}

	// Counts are best effort.
	if st.DeviceID != "" && s.db != nil {
		if n, err := s.db.ContactCount(st.DeviceID); err == nil {
			resp["contact_count"] = n
		}
		if n, err := s.db.MessageCount(st.DeviceID); err == nil {
			resp["message_count"] = n
		}
	}
	return newStruct(resp)
}

func (s *ConnectionService) Connect(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id := stringField(req, "device_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "device_id is required")
	}
	if err := s.conn.Connect(ctx, id, boolField(req, "force_full_sync")); err != nil {
		return nil, toStatus("connect", err, codes.Unavailable)
	}
	return &emptypb.Empty{}, nil
}

func (s *ConnectionService) ConnectTCP(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	host := stringField(req, "host")
	port := intField(req, "port")
	if host == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "host is required")
	}
	if port <= 0 || port > 65535 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "port %d out of range", port)
	}
	if err := s.conn.ConnectViaAlternateTransport(ctx, host, int(port), boolField(req, "force_full_sync")); err != nil {
		return nil, toStatus("connect tcp", err, codes.Unavailable)
	}
	return &emptypb.Empty{}, nil
}

func (s *ConnectionService) SwitchDevice(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "device id is required")
	}
	if err := s.conn.SwitchDevice(ctx, req.GetValue()); err != nil {
		return nil, toStatus("switch device", err, codes.Unavailable)
	}
	return &emptypb.Empty{}, nil
}

func (s *ConnectionService) Disconnect(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.conn.Disconnect(ctx); err != nil {
		return nil, toStatus("disconnect", err, codes.Internal)
	}
	return &emptypb.Empty{}, nil
}

func (s *ConnectionService) SetForeground(_ context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	s.conn.SetForeground(req.GetValue())
	return &emptypb.Empty{}, nil
}

func (s *ConnectionService) ListDevices(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	known, err := s.db.ListDevices()
	if err != nil {
		return nil, toStatus("list devices", err, codes.Internal)
	}
	knownOut := make([]any, 0, len(known))
	for i := range known {
		knownOut = append(knownOut, deviceToMap(&known[i]))
	}

	pairedOut := []any{}
	if s.paired != nil {
		devices, err := s.paired.Paired(ctx)
		if err != nil {
			s.log.Warn("api: list paired devices", zap.Error(err))
		}
		for _, d := range devices {
			pairedOut = append(pairedOut, map[string]any{
				"address": d.Address,
				"name":    d.Name,
				"trusted": d.Trusted,
			})
		}
	}

	return newStruct(map[string]any{
		"known":  knownOut,
		"paired": pairedOut,
	})
}

func (s *ConnectionService) WatchConnectionEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	return streamEvents(s.bus, s.profile, "connection.", stream, s.log)
}
