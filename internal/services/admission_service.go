package services

import (
	"context"
	"fmt"
	"time"

	"github.com/moby/locker"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
)

// SyncEnqueuer accepts allow-list propagation tasks
type SyncEnqueuer interface {
	Enqueue(task models.SyncTask)
}

// Evaluate decides a connection against the user's policy.
// existing is nil for a fingerprint never seen for the user; active is the
// number of non-blocked devices the user already has.
func Evaluate(existing *models.Device, policy *models.AllowListVersion, active int) models.Decision {
	if existing != nil {
		if existing.IsBlocked && policy.Enforce {
			return models.Reject(models.ReasonDeviceBlocked)
		}
		return models.Accept()
	}
	if !policy.Enforce || policy.DeviceLimit == nil || active < *policy.DeviceLimit {
		return models.Accept()
	}
	return models.Reject(models.ReasonLimitExceeded)
}

// admitWithinPolicy is the store-side check for unseen devices
func admitWithinPolicy(policy *models.AllowListVersion, active int) bool {
	return Evaluate(nil, policy, active).Accepted()
}

// AdmissionService turns connection events into admission decisions
type AdmissionService struct {
	devices      repository.DeviceRepo
	fingerprints *FingerprintService
	enricher     Enricher
	sync         SyncEnqueuer
	locks        *locker.Locker
	metrics      *observability.DeviceMetrics
}

// NewAdmissionService creates a new AdmissionService
func NewAdmissionService(
	devices repository.DeviceRepo,
	fingerprints *FingerprintService,
	enricher Enricher,
	sync SyncEnqueuer,
	metrics *observability.DeviceMetrics,
) *AdmissionService {
	if enricher == nil {
		enricher = NoopEnricher{}
	}
	return &AdmissionService{
		devices:      devices,
		fingerprints: fingerprints,
		enricher:     enricher,
		sync:         sync,
		locks:        locker.New(),
		metrics:      metrics,
	}
}

// Ingest fingerprints the client of a connection event, decides its admission
// and records the device and IP sample. A rejection is returned as a Decision,
// errors are reserved for invalid events and store failures.
func (s *AdmissionService) Ingest(ctx context.Context, ev models.ConnectionEvent) (*models.IngestResult, error) {
	ctx, span := observability.StartServiceSpan(ctx, "AdmissionService", "Ingest")
	defer span.End()

	if err := ev.Validate(); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.UserID(ev.UserID), observability.NodeID(ev.NodeID))

	clientName := ev.ClientName
	if clientName == "" {
		clientName = ExtractClientName(ev.UserAgent)
	}
	clientName = NormalizeClientName(clientName)

	fingerprint, version := s.fingerprints.Fingerprint(FingerprintAttributes{
		ClientName:     clientName,
		TLSFingerprint: ev.TLSFingerprint,
		UserAgent:      ev.UserAgent,
	})

	candidate, err := models.NewDevice(ev.UserID, fingerprint, version, clientName,
		GuessClientType(clientName, ev.UserAgent), ev.NodeID)
	if err != nil {
		return nil, err
	}

	sample := models.IPSample{
		IP:            ev.RemoteIP,
		UploadBytes:   ev.UploadBytes,
		DownloadBytes: ev.DownloadBytes,
		SeenAt:        time.Now().UTC(),
	}
	enrichment, err := s.enricher.Lookup(ctx, ev.RemoteIP)
	if err != nil {
		observability.WithContext(ctx).WithField("ip", ev.RemoteIP).Warnf("IP enrichment failed: %v", err)
	} else {
		sample.Enrichment = enrichment
	}

	// One admission per user at a time inside this process; the store's lock row covers other processes
	s.locks.Lock(ev.UserID)
	res, err := s.devices.Admit(ctx, candidate, sample, admitWithinPolicy)
	s.locks.Unlock(ev.UserID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("admit device: %w", err)
	}

	result := &models.IngestResult{Epoch: res.Epoch}
	span.SetAttributes(observability.Epoch(res.Epoch))
	if res.Device != nil {
		span.SetAttributes(observability.DeviceID(res.Device.ID))
	}
	switch res.Outcome {
	case repository.AdmitCreated:
		result.Device = res.Device
		result.IsNew = true
		result.Decision = models.Accept()
		if s.sync != nil {
			s.sync.Enqueue(models.NewSyncTask(ev.UserID, res.Epoch))
		}
		observability.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id":   ev.UserID,
			"device_id": res.Device.ID,
			"epoch":     res.Epoch,
		}).Info("New device admitted")
	case repository.AdmitExisting:
		result.Device = res.Device
		result.Decision = Evaluate(res.Device, res.Policy, res.ActiveDevices)
	default:
		result.Decision = models.Reject(models.ReasonLimitExceeded)
		observability.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": ev.UserID,
			"active":  res.ActiveDevices,
		}).Info("New device rejected: device limit reached")
	}

	s.metrics.RecordAdmission(ctx, string(result.Decision.Outcome), string(result.Decision.Reason), result.IsNew)
	observability.SetSuccess(span)
	return result, nil
}
