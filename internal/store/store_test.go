package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
	"github.com/avhub/avhub/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "avhub", "devices.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func storedCam() *devices.Device {
	d := &devices.Device{
		ID:           "192.168.1.64:554",
		Name:         "Door Cam",
		Type:         devices.DeviceTypeVideo,
		Domain:       devices.DomainNetwork,
		Status:       devices.StatusOnline,
		Source:       devices.SourceManual,
		IP:           "192.168.1.64",
		Port:         554,
		Protocol:     devices.ProtocolRTSP,
		Username:     "viewer",
		Password:     "hunter2",
		Capabilities: []string{"onvif", "rtsp"},
		Streams:      map[string]string{"rtsp": "rtsp://192.168.1.64:554/main"},
		CreatedAt:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
		LastSeen:     time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC),
	}
	d.SetOrigin(devices.FieldName, devices.OriginUser)
	d.SetOrigin(devices.FieldCredentials, devices.OriginUser)

	return d
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	want := storedCam()
	require.NoError(t, s.Save(ctx, devices.DomainNetwork, want))

	got, err := s.Load(ctx, devices.DomainNetwork)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, want, got[0])
	assert.Equal(t, "hunter2", got[0].Password)
}

func TestSaveLoadLocalDevice(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	want := &devices.Device{
		ID:           "dev_video0",
		Name:         "HD Webcam",
		Type:         devices.DeviceTypeVideo,
		Domain:       devices.DomainLocal,
		Status:       devices.StatusUnknown,
		Source:       devices.SourceManual,
		SystemPath:   "/dev/video0",
		Driver:       "uvcvideo",
		Capabilities: []string{"v4l2", "video-capture"},
		Streams:      map[string]string{"v4l2": "/dev/video0"},
		CreatedAt:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		LastSeen:     time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	want.SetOrigin(devices.FieldName, devices.OriginUser)

	require.NoError(t, s.Save(ctx, devices.DomainLocal, want))

	got, err := s.Load(ctx, devices.DomainLocal)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}

func TestSaveSkipsDiscoveryOnlyDevices(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	auto := storedCam()
	auto.Source = devices.SourceONVIF
	auto.Origins = nil

	require.NoError(t, s.Save(ctx, devices.DomainNetwork, auto))

	got, err := s.Load(ctx, devices.DomainNetwork)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSavePersistsUserTouchedDiscoveryDevice(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	renamed := storedCam()
	renamed.Source = devices.SourceONVIF
	renamed.Origins = nil
	renamed.SetOrigin(devices.FieldName, devices.OriginUser)

	require.NoError(t, s.Save(ctx, devices.DomainNetwork, renamed))

	got, err := s.Load(ctx, devices.DomainNetwork)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, devices.SourceONVIF, got[0].Source)
	assert.Equal(t, devices.OriginUser, got[0].OriginOf(devices.FieldName))
}

func TestSaveReplacesExistingRow(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	d := storedCam()
	require.NoError(t, s.Save(ctx, devices.DomainNetwork, d))

	d.Name = "Garage Cam"
	require.NoError(t, s.Save(ctx, devices.DomainNetwork, d))

	got, err := s.Load(ctx, devices.DomainNetwork)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Garage Cam", got[0].Name)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	d := storedCam()
	require.NoError(t, s.Save(ctx, devices.DomainNetwork, d))
	require.NoError(t, s.Delete(ctx, devices.DomainNetwork, d.ID))

	got, err := s.Load(ctx, devices.DomainNetwork)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Delete(ctx, devices.DomainNetwork, "never-stored"))
}

func TestLoadScopedToDomain(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, devices.DomainNetwork, storedCam()))

	got, err := s.Load(ctx, devices.DomainLocal)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Save(ctx, devices.DomainNetwork, storedCam()), customerrors.ErrStoreClosed)
	require.ErrorIs(t, s.Delete(ctx, devices.DomainNetwork, "x"), customerrors.ErrStoreClosed)

	_, err := s.Load(ctx, devices.DomainNetwork)
	require.ErrorIs(t, err, customerrors.ErrStoreClosed)
}

func TestSubscribeFollowsDeviceEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	b := bus.New(ctx)
	defer b.Close()

	s := openStore(t)
	require.NoError(t, s.Subscribe(b))

	d := storedCam()

	b.Publish(devices.EventTopic(devices.DomainNetwork, devices.ActionAdded, d.ID), d)

	require.Eventually(t, func() bool {
		got, err := s.Load(ctx, devices.DomainNetwork)

		return err == nil && len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish(devices.EventTopic(devices.DomainNetwork, devices.ActionRemoved, d.ID), d)

	require.Eventually(t, func() bool {
		got, err := s.Load(ctx, devices.DomainNetwork)

		return err == nil && len(got) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
