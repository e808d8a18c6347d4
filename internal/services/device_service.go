package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
)

// DeviceService implements the operator operations on devices and policies.
// Every change to an allow-list is followed by a sync task for its new epoch.
type DeviceService struct {
	devices    repository.DeviceRepo
	ips        repository.DeviceIPRepo
	allowLists repository.AllowListRepo
	states     repository.NodeSyncStateRepo
	sync       SyncEnqueuer
}

// NewDeviceService creates a new DeviceService
func NewDeviceService(
	devices repository.DeviceRepo,
	ips repository.DeviceIPRepo,
	allowLists repository.AllowListRepo,
	states repository.NodeSyncStateRepo,
	sync SyncEnqueuer,
) *DeviceService {
	return &DeviceService{
		devices:    devices,
		ips:        ips,
		allowLists: allowLists,
		states:     states,
		sync:       sync,
	}
}

// Search returns a page of devices matching filter and the total match count
func (s *DeviceService) Search(ctx context.Context, filter models.DeviceFilter) ([]*models.Device, int, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = models.DefaultDeviceListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	devices, err := s.devices.Search(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.devices.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return devices, total, nil
}

// Get returns a device of userID or ErrDeviceNotFound
func (s *DeviceService) Get(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.UserID != userID {
		return nil, models.ErrDeviceNotFound
	}
	return device, nil
}

// Detail returns a device with its IP history and totals
func (s *DeviceService) Detail(ctx context.Context, userID, deviceID string) (*models.DeviceDetail, error) {
	device, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	ips, err := s.ips.ListForDevice(ctx, device.ID)
	if err != nil {
		return nil, err
	}

	detail := &models.DeviceDetail{Device: device, IPs: ips, Countries: []string{}}
	countries := make(map[string]bool)
	for _, ip := range ips {
		detail.UploadBytes += ip.UploadBytes
		detail.DownloadBytes += ip.DownloadBytes
		detail.ConnectCount += ip.ConnectCount
		if ip.CountryCode != "" && !countries[ip.CountryCode] {
			countries[ip.CountryCode] = true
			detail.Countries = append(detail.Countries, ip.CountryCode)
		}
	}
	sort.Strings(detail.Countries)
	return detail, nil
}

// Traffic returns the traffic buckets of a device matching filter, with their totals
func (s *DeviceService) Traffic(ctx context.Context, userID, deviceID string, filter models.TrafficFilter) (*models.DeviceTrafficResponse, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	device, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	buckets, err := s.ips.ListTraffic(ctx, device.ID, filter)
	if err != nil {
		return nil, err
	}

	resp := &models.DeviceTrafficResponse{DeviceID: device.ID, UserID: device.UserID, Traffic: buckets}
	for _, b := range buckets {
		resp.TotalUpload += b.UploadBytes
		resp.TotalDownload += b.DownloadBytes
		resp.TotalConnects += b.ConnectCount
	}
	return resp, nil
}

// Block removes a device from its user's allow-list
func (s *DeviceService) Block(ctx context.Context, userID, deviceID string) (*models.Device, int64, error) {
	return s.setBlocked(ctx, userID, deviceID, true)
}

// Unblock puts a device back on its user's allow-list.
// It fails with ErrDeviceLimit when the enforced limit is already reached.
func (s *DeviceService) Unblock(ctx context.Context, userID, deviceID string) (*models.Device, int64, error) {
	return s.setBlocked(ctx, userID, deviceID, false)
}

func (s *DeviceService) setBlocked(ctx context.Context, userID, deviceID string, blocked bool) (*models.Device, int64, error) {
	if _, err := s.Get(ctx, userID, deviceID); err != nil {
		return nil, 0, err
	}
	device, epoch, err := s.devices.SetBlocked(ctx, deviceID, blocked)
	if err != nil {
		return nil, 0, err
	}
	s.enqueue(userID, epoch)

	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
		"blocked":   blocked,
		"epoch":     epoch,
	}).Info("Device block state changed")
	return device, epoch, nil
}

// Delete removes a device and its IP history
func (s *DeviceService) Delete(ctx context.Context, userID, deviceID string) (int64, error) {
	if _, err := s.Get(ctx, userID, deviceID); err != nil {
		return 0, err
	}
	_, epoch, err := s.devices.Delete(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	s.enqueue(userID, epoch)

	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
		"epoch":     epoch,
	}).Info("Device deleted")
	return epoch, nil
}

// Update changes the display name and/or trust level; the allow-list is unaffected
func (s *DeviceService) Update(ctx context.Context, userID, deviceID string, req models.UpdateDeviceRequest) (*models.Device, error) {
	device, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != nil {
		name, err := models.NormalizeDisplayName(*req.DisplayName)
		if err != nil {
			return nil, err
		}
		if device, err = s.devices.SetDisplayName(ctx, deviceID, name); err != nil {
			return nil, err
		}
	}
	if req.TrustLevel != nil {
		if err := models.ValidateTrustLevel(*req.TrustLevel); err != nil {
			return nil, err
		}
		if device, err = s.devices.SetTrustLevel(ctx, deviceID, *req.TrustLevel); err != nil {
			return nil, err
		}
	}
	return device, nil
}

// Policy returns the device limit and enforcement of a user
func (s *DeviceService) Policy(ctx context.Context, userID string) (*models.AllowListVersion, error) {
	return s.allowLists.GetVersion(ctx, userID)
}

// SetPolicy changes the device limit of a user. Lowering the limit below the
// current device count keeps the existing devices; new ones are rejected.
func (s *DeviceService) SetPolicy(ctx context.Context, userID string, limit *int, enforce bool) (*models.AllowListVersion, error) {
	if userID == "" {
		return nil, models.NewValidationError("userId", "cannot be empty")
	}
	if err := models.ValidateDeviceLimit(limit); err != nil {
		return nil, err
	}

	version, err := s.allowLists.SetPolicy(ctx, userID, limit, enforce)
	if err != nil {
		return nil, err
	}
	s.enqueue(userID, version.Epoch)
	return version, nil
}

// SyncOverview returns the current allow-list of a user and the delivery state on every node
func (s *DeviceService) SyncOverview(ctx context.Context, userID string) (*models.AllowListSnapshot, []*models.NodeSyncState, error) {
	snapshot, err := s.allowLists.Snapshot(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	states, err := s.states.ListForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, states, nil
}

// MigrateFingerprints removes devices identified by an older fingerprint
// scheme; their clients are admitted again under the current one
func (s *DeviceService) MigrateFingerprints(ctx context.Context) (map[string]int64, error) {
	epochs, err := s.devices.DeleteBelowVersion(ctx, FingerprintVersion)
	if err != nil {
		return nil, fmt.Errorf("migrate fingerprints: %w", err)
	}
	for userID, epoch := range epochs {
		s.enqueue(userID, epoch)
	}
	if len(epochs) > 0 {
		observability.Infof("Fingerprint migration removed legacy devices of %d users", len(epochs))
	}
	return epochs, nil
}

func (s *DeviceService) enqueue(userID string, epoch int64) {
	if s.sync != nil {
		s.sync.Enqueue(models.NewSyncTask(userID, epoch))
	}
}
