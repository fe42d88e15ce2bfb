package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/bucketing"
	"zerotrust-service/internal/config"
	"zerotrust-service/internal/encryption"
	"zerotrust-service/internal/hashing"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/repository/clickhouse"
	"zerotrust-service/internal/repository/elastic"
	"zerotrust-service/internal/repository/scylla"
	"zerotrust-service/internal/stream"
	"zerotrust-service/internal/util"
)

// DeviceIndexer is the search-side mirror of the device registry.
type DeviceIndexer interface {
	IndexDevice(ctx context.Context, device *models.DeviceFingerprint, riskScore int) error
	SearchDevices(ctx context.Context, filter elastic.DeviceFilter, page, limit int) ([]elastic.DeviceSearchHit, int, error)
	DeviceCounts(ctx context.Context, newSince time.Time) (models.DeviceCounts, error)
}

// RegistryService owns the device trust registry: first-contact
// registration, verification, blocking, and trust recomputation. Scylla is
// authoritative; Elasticsearch mirroring is best-effort.
type RegistryService struct {
	devices   scylla.DeviceRepository
	ledger    clickhouse.EventLedger
	index     DeviceIndexer
	publisher *stream.EventPublisher
	hasher    *hashing.Hasher
	crypto    *encryption.EncryptionManager
	bucketing *bucketing.BucketingManager
	cfg       config.TrustConfig
}

func NewRegistryService(
	devices scylla.DeviceRepository,
	ledger clickhouse.EventLedger,
	index DeviceIndexer,
	publisher *stream.EventPublisher,
	hasher *hashing.Hasher,
	crypto *encryption.EncryptionManager,
	bm *bucketing.BucketingManager,
	cfg config.TrustConfig,
) *RegistryService {
	return &RegistryService{
		devices:   devices,
		ledger:    ledger,
		index:     index,
		publisher: publisher,
		hasher:    hasher,
		crypto:    crypto,
		bucketing: bm,
		cfg:       cfg,
	}
}

// GetOrCreate resolves the raw fingerprint signals to a registered device,
// registering a new one at neutral trust on first contact. The identity is
// associated with the device either way.
func (s *RegistryService) GetOrCreate(ctx context.Context, rawFingerprint string, identity models.Identity) (*models.DeviceFingerprint, bool, error) {
	if rawFingerprint == "" {
		return nil, false, apperrors.NewValidation("device fingerprint is required")
	}

	hash, err := s.hasher.FingerprintHash(rawFingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash fingerprint: %w", err)
	}

	deviceID, bucket, err := s.devices.ResolveFingerprint(ctx, hash)
	switch {
	case err == nil:
		device, err := s.devices.GetByID(ctx, deviceID, bucket)
		if err != nil {
			return nil, false, err
		}
		if err := s.devices.TouchLastSeen(ctx, device, time.Now().UTC()); err != nil {
			util.Warn("Failed to touch device last_seen",
				zap.String("device_id", device.DeviceID.String()),
				zap.Error(err))
		}
		if err := s.associateUser(ctx, device, identity); err != nil {
			return nil, false, err
		}
		return device, false, nil

	case apperrors.IsKind(err, apperrors.KindNotFound):
		device, err := s.register(ctx, rawFingerprint, hash, identity)
		if err != nil {
			return nil, false, err
		}
		return device, true, nil

	default:
		return nil, false, err
	}
}

func (s *RegistryService) register(ctx context.Context, rawFingerprint, hash string, identity models.Identity) (*models.DeviceFingerprint, error) {
	encrypted, err := s.crypto.EncryptField(ctx, rawFingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt fingerprint: %w", err)
	}

	now := time.Now().UTC()
	deviceID := uuid.New()
	device := &models.DeviceFingerprint{
		DeviceID:             deviceID,
		DeviceBucket:         s.bucketing.GetDeviceBucket(deviceID.String()),
		FingerprintHash:      hash,
		FingerprintEncrypted: encrypted.EncryptedValue,
		FingerprintDEK:       encrypted.EncryptedDEK,
		FingerprintKeyID:     encrypted.KeyID,
		FirstSeen:            now,
		LastSeen:             now,
		TrustScore:           models.NeutralTrustScore,
	}

	if err := s.devices.Insert(ctx, device); err != nil {
		return nil, err
	}
	if err := s.associateUser(ctx, device, identity); err != nil {
		return nil, err
	}

	s.mirror(ctx, device)
	util.Info("Device registered",
		zap.String("device_id", device.DeviceID.String()),
		zap.String("user_id", identity.UserID))
	return device, nil
}

// Get loads a device by id. The storage bucket is derived from the id, so
// no lookup table is needed.
func (s *RegistryService) Get(ctx context.Context, deviceID uuid.UUID) (*models.DeviceFingerprint, error) {
	return s.devices.GetByID(ctx, deviceID, s.bucketing.GetDeviceBucket(deviceID.String()))
}

// Verify marks the device verified. Re-verifying is a no-op; verifying a
// blocked device is rejected.
func (s *RegistryService) Verify(ctx context.Context, deviceID uuid.UUID, method models.VerificationMethod, operator models.Identity) (*models.DeviceFingerprint, error) {
	if method == "" {
		method = models.VerifyAdminApproval
	}
	if !method.IsValid() {
		return nil, apperrors.NewValidation("unrecognized verification method %q", method)
	}

	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.IsBlocked {
		return nil, apperrors.NewValidation("cannot verify a blocked device")
	}
	if device.IsVerified {
		return device, nil
	}

	now := time.Now().UTC()
	if err := s.devices.SetVerified(ctx, device, method, now); err != nil {
		return nil, err
	}

	s.recordLifecycleEvent(ctx, device, models.EventDeviceVerified, 0, operator,
		fmt.Sprintf("device verified via %s", method))
	if err := s.RecomputeTrust(ctx, device); err != nil {
		util.Warn("Trust recompute after verification failed",
			zap.String("device_id", device.DeviceID.String()),
			zap.Error(err))
	}
	s.mirror(ctx, device)
	return device, nil
}

// Block permanently blocks the device and zeroes its trust. There is no
// unblock; a repeated block is a no-op.
func (s *RegistryService) Block(ctx context.Context, deviceID uuid.UUID, reason string, operator models.Identity) (*models.DeviceFingerprint, error) {
	if reason == "" {
		return nil, apperrors.NewValidation("block reason is required")
	}

	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.IsBlocked {
		return device, nil
	}

	now := time.Now().UTC()
	if err := s.devices.SetBlocked(ctx, device, reason, operator.UserID, now); err != nil {
		return nil, err
	}

	s.recordLifecycleEvent(ctx, device, models.EventDeviceBlocked, 90, operator, reason)
	s.mirror(ctx, device)
	util.Warn("Device blocked",
		zap.String("device_id", device.DeviceID.String()),
		zap.String("blocked_by", operator.UserID),
		zap.String("reason", reason))
	return device, nil
}

// RecomputeTrust rederives the device's trust score from its verification
// state, recent event history, and user spread. A device blocked while the
// recompute was in flight keeps its zero score: the conditional write is
// simply not applied.
func (s *RegistryService) RecomputeTrust(ctx context.Context, device *models.DeviceFingerprint) error {
	if device.IsBlocked {
		return nil
	}

	events, err := s.ledger.RecentEventsForDevice(ctx, device.DeviceID.String(), s.cfg.HistoryDepth)
	if err != nil {
		return err
	}

	meanRisk := 0.0
	if len(events) > 0 {
		sum := 0
		for _, e := range events {
			sum += e.RiskScore
		}
		meanRisk = float64(sum) / float64(len(events))
	}

	base := s.cfg.UnverifiedBase
	if device.IsVerified {
		base = s.cfg.VerifiedBase
	}

	extraUsers := max(0, len(device.AssociatedUsers)-s.cfg.SharedUserLimit)
	score := base - int(s.cfg.RiskPenaltyRatio*meanRisk) - extraUsers*s.cfg.SharedUserPenalty
	score = models.ClampRiskScore(score)

	applied, err := s.devices.SetTrustScore(ctx, device, score)
	if err != nil {
		return err
	}
	if !applied {
		util.Info("Trust recompute skipped, device blocked concurrently",
			zap.String("device_id", device.DeviceID.String()))
		device.IsBlocked = true
		device.TrustScore = 0
		return nil
	}
	device.TrustScore = score
	return nil
}

// SearchDevices serves the operator device listing from the search mirror.
func (s *RegistryService) SearchDevices(ctx context.Context, filter elastic.DeviceFilter, page, limit int) ([]elastic.DeviceSearchHit, int, error) {
	return s.index.SearchDevices(ctx, filter, page, limit)
}

func (s *RegistryService) associateUser(ctx context.Context, device *models.DeviceFingerprint, identity models.Identity) error {
	if identity.UserID == "" {
		return nil
	}

	users, err := s.devices.AssociatedUsers(ctx, device.DeviceID)
	if err != nil {
		return err
	}
	device.AssociatedUsers = users
	for _, u := range users {
		if u.UserID == identity.UserID {
			return nil
		}
	}

	user := models.AssociatedUser{UserID: identity.UserID, Role: identity.Role}
	if err := s.devices.AddAssociatedUser(ctx, device.DeviceID, user); err != nil {
		return err
	}
	device.AssociatedUsers = append(device.AssociatedUsers, user)
	return nil
}

func (s *RegistryService) recordLifecycleEvent(ctx context.Context, device *models.DeviceFingerprint, eventType models.EventType, riskScore int, operator models.Identity, details string) {
	event := &models.SecurityEvent{
		EventType: eventType,
		RiskScore: riskScore,
		UserID:    operator.UserID,
		DeviceID:  device.DeviceID.String(),
		Details:   details,
	}
	// Lifecycle audit rows must outlive the admin request that caused them.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.ledger.Append(auditCtx, event); err != nil {
		util.Error("Failed to record device lifecycle event",
			zap.String("device_id", device.DeviceID.String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return
	}
	s.publisher.Publish(auditCtx, event)
}

// mirror refreshes the device's search projection. Indexing failures are
// logged inside the indexer and never surface to the caller.
func (s *RegistryService) mirror(ctx context.Context, device *models.DeviceFingerprint) {
	if s.index == nil {
		return
	}
	riskBaseline := models.ClampRiskScore(100 - device.TrustScore)
	mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = s.index.IndexDevice(mirrorCtx, device, riskBaseline)
}
