package api

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/meshlink/internal/bus"
	intsync "github.com/matheus3301/meshlink/internal/sync"
)

// Resyncer is the part of the sync coordinator the API drives.
type Resyncer interface {
	State() intsync.State
	NotificationsSuppressed() bool
	PerformResync(ctx context.Context, deviceID string) bool
}

// SyncService implements SyncServiceServer.
type SyncService struct {
	profile string
	conn    Connector
	sync    Resyncer
	bus     *bus.Bus
	log     *zap.Logger
}

var _ SyncServiceServer = (*SyncService)(nil)

// NewSyncService creates a new sync service.
func NewSyncService(profile string, conn Connector, s Resyncer, b *bus.Bus, logger *zap.Logger) *SyncService {
	return &SyncService{
		profile: profile,
		conn:    conn,
		sync:    s,
		bus:     b,
		log:     logger,
	}
}

func (s *SyncService) GetSyncStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.sync.State()
	return newStruct(map[string]any{
		"state":      string(st.Kind),
		"phase":      string(st.Phase),
		"current":    st.Current,
		"total":      st.Total,
		"reason":     st.Reason,
		"suppressed": s.sync.NotificationsSuppressed(),
	})
}

// Resync runs one incremental sync against the connected radio and
// reports whether it succeeded.
func (s *SyncService) Resync(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	st, err := s.conn.Status(ctx)
	if err != nil {
		return nil, toStatus("resync", err, codes.Unavailable)
	}
	if !st.State.IsLinked() || st.DeviceID == "" {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "resync: connection is %s", st.State)
	}
	ok := s.sync.PerformResync(ctx, st.DeviceID)
	s.log.Info("manual resync", zap.String("device", st.DeviceID), zap.Bool("ok", ok))
	return wrapperspb.Bool(ok), nil
}

func (s *SyncService) WatchSyncEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	return streamEvents(s.bus, s.profile, "sync.", stream, s.log)
}
