package services

import (
	"context"
	"sort"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
)

// Finding reasons
const (
	ReasonDatacenterIP        = "datacenter_ip"
	ReasonHighDatacenterUsage = "high_datacenter_usage"
	ReasonTrafficConcentrated = "traffic_concentration"
	ReasonRapidIPChanges      = "rapid_ip_changes"
	ReasonManyCountries       = "many_countries"
)

// AnomalyService reports suspected account sharing. It never changes state.
type AnomalyService struct {
	devices    repository.DeviceRepo
	ips        repository.DeviceIPRepo
	allowLists repository.AllowListRepo
	nodes      repository.NodeRepo
	states     repository.NodeSyncStateRepo
	cfg        config.Anomaly
	now        func() time.Time
}

// NewAnomalyService creates a new AnomalyService
func NewAnomalyService(
	devices repository.DeviceRepo,
	ips repository.DeviceIPRepo,
	allowLists repository.AllowListRepo,
	nodes repository.NodeRepo,
	states repository.NodeSyncStateRepo,
	cfg config.Anomaly,
) *AnomalyService {
	return &AnomalyService{
		devices:    devices,
		ips:        ips,
		allowLists: allowLists,
		nodes:      nodes,
		states:     states,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Analyze builds the multilogin report of a user
func (s *AnomalyService) Analyze(ctx context.Context, userID string) (*models.AnomalyReport, error) {
	ctx, span := observability.StartServiceSpan(ctx, "AnomalyService", "Analyze")
	defer span.End()

	version, err := s.allowLists.GetVersion(ctx, userID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	devices, byDevice, err := s.load(ctx, userID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	report := &models.AnomalyReport{
		UserID:      userID,
		GeneratedAt: s.now().UTC(),
		DeviceLimit: version.DeviceLimit,
		Enforce:     version.Enforce,
		Devices:     make([]models.DeviceFinding, 0, len(devices)),
	}
	for _, d := range devices {
		if !d.IsBlocked {
			report.ActiveDevices++
		}
		report.Devices = append(report.Devices, s.analyzeDevice(d, byDevice[d.ID]))
	}
	report.OverLimit = version.DeviceLimit != nil && report.ActiveDevices > *version.DeviceLimit
	report.LimitExceeded = report.OverLimit && version.Enforce

	outOfSync, err := s.outOfSyncNodes(ctx, version)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	report.OutOfSyncNodes = outOfSync

	if report.LimitExceeded {
		observability.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": userID,
			"active":  report.ActiveDevices,
			"limit":   *version.DeviceLimit,
		}).Warn("Enforced device limit exceeded")
	}
	return report, nil
}

// Statistics aggregates the device usage of a user
func (s *AnomalyService) Statistics(ctx context.Context, userID string) (*models.DeviceStatistics, error) {
	devices, byDevice, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	since := s.now().Add(-s.activeWindow())
	stats := &models.DeviceStatistics{
		UserID:          userID,
		TotalDevices:    len(devices),
		UniqueCountries: []string{},
	}
	countries := make(map[string]bool)
	for _, d := range devices {
		if d.IsBlocked {
			stats.BlockedDevices++
		}
		if !d.LastSeenAt.Before(since) {
			stats.ActiveDevices++
		}
		ips := byDevice[d.ID]
		stats.TotalIPs += len(ips)
		for _, ip := range ips {
			stats.TotalTraffic += ip.TotalBytes()
			if ip.CountryCode != "" && !countries[ip.CountryCode] {
				countries[ip.CountryCode] = true
				stats.UniqueCountries = append(stats.UniqueCountries, ip.CountryCode)
			}
		}
		finding := s.analyzeDevice(d, ips)
		if finding.Suspicious() {
			stats.SuspiciousDevices++
		}
	}
	sort.Strings(stats.UniqueCountries)
	return stats, nil
}

func (s *AnomalyService) load(ctx context.Context, userID string) ([]*models.Device, map[string][]*models.DeviceIP, error) {
	devices, err := s.devices.ListForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	ips, err := s.ips.ListForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	byDevice := make(map[string][]*models.DeviceIP, len(devices))
	for _, ip := range ips {
		byDevice[ip.DeviceID] = append(byDevice[ip.DeviceID], ip)
	}
	return devices, byDevice, nil
}

func (s *AnomalyService) activeWindow() time.Duration {
	return time.Duration(s.cfg.ActiveWindowHours) * time.Hour
}

// analyzeDevice applies the multilogin heuristics to one device
func (s *AnomalyService) analyzeDevice(d *models.Device, ips []*models.DeviceIP) models.DeviceFinding {
	finding := models.DeviceFinding{
		DeviceID: d.ID,
		Label:    d.Label(),
		IPCount:  len(ips),
	}
	if len(ips) == 0 {
		return finding
	}

	since := s.now().Add(-s.activeWindow())
	countries := make(map[string]bool)
	var total, top int64
	for _, ip := range ips {
		if ip.Datacenter() {
			finding.DatacenterIPs++
		}
		if !ip.LastSeenAt.Before(since) {
			finding.RecentIPs++
		}
		if ip.CountryCode != "" && !countries[ip.CountryCode] {
			countries[ip.CountryCode] = true
			finding.Countries = append(finding.Countries, ip.CountryCode)
		}
		bytes := ip.TotalBytes()
		total += bytes
		if finding.TopIP == "" || bytes > top {
			top = bytes
			finding.TopIP = ip.IP
		}
	}
	sort.Strings(finding.Countries)

	finding.DatacenterShare = float64(finding.DatacenterIPs) / float64(len(ips))
	if total > 0 {
		finding.TopIPTrafficShare = float64(top) / float64(total)
	}

	if finding.DatacenterIPs > 0 {
		finding.Reasons = append(finding.Reasons, ReasonDatacenterIP)
	}
	if finding.DatacenterShare > s.cfg.DatacenterShare {
		finding.Reasons = append(finding.Reasons, ReasonHighDatacenterUsage)
	}
	if len(ips) >= s.cfg.MinIPsForConcentration && total > 0 && finding.TopIPTrafficShare >= s.cfg.ConcentrationShare {
		finding.Reasons = append(finding.Reasons, ReasonTrafficConcentrated)
	}
	if finding.RecentIPs > s.cfg.RapidIPChangeCount {
		finding.Reasons = append(finding.Reasons, ReasonRapidIPChanges)
	}
	if len(finding.Countries) > s.cfg.MaxCountries {
		finding.Reasons = append(finding.Reasons, ReasonManyCountries)
	}
	return finding
}

// outOfSyncNodes lists the eligible nodes that have not acknowledged the current epoch
func (s *AnomalyService) outOfSyncNodes(ctx context.Context, version *models.AllowListVersion) ([]models.NodeSyncState, error) {
	if version.Epoch == 0 {
		return nil, nil
	}
	nodes, err := s.nodes.ListEligibleForUser(ctx, version.UserID)
	if err != nil {
		return nil, err
	}
	states, err := s.states.ListForUser(ctx, version.UserID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]*models.NodeSyncState, len(states))
	for _, st := range states {
		byNode[st.NodeID] = st
	}

	var out []models.NodeSyncState
	for _, node := range nodes {
		state := byNode[node.ID]
		if !state.Behind(version.Epoch) {
			continue
		}
		if state == nil {
			state = &models.NodeSyncState{NodeID: node.ID, UserID: version.UserID, Status: models.SyncStatusPending}
		}
		out = append(out, *state)
	}
	return out, nil
}
