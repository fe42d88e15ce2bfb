package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/util"
)

// DeviceRepository is the persistence contract for the device trust
// registry. Rows are never hard-deleted; block state is soft and permanent.
type DeviceRepository interface {
	Insert(ctx context.Context, device *models.DeviceFingerprint) error
	GetByID(ctx context.Context, deviceID uuid.UUID, bucket int) (*models.DeviceFingerprint, error)
	ResolveFingerprint(ctx context.Context, fingerprintHash string) (uuid.UUID, int, error)
	TouchLastSeen(ctx context.Context, device *models.DeviceFingerprint, at time.Time) error
	SetVerified(ctx context.Context, device *models.DeviceFingerprint, method models.VerificationMethod, at time.Time) error
	SetBlocked(ctx context.Context, device *models.DeviceFingerprint, reason, operatorID string, at time.Time) error
	// SetTrustScore applies a recomputed score unless the device is
	// blocked; it reports whether the write was applied.
	SetTrustScore(ctx context.Context, device *models.DeviceFingerprint, score int) (bool, error)
	AddAssociatedUser(ctx context.Context, deviceID uuid.UUID, user models.AssociatedUser) error
	AssociatedUsers(ctx context.Context, deviceID uuid.UUID) ([]models.AssociatedUser, error)
	HealthCheck(ctx context.Context) error
}

type deviceRepository struct {
	client *ScyllaClient
}

func NewDeviceRepository(client *ScyllaClient, logger *zap.Logger) DeviceRepository {
	return &deviceRepository{client: client}
}

func (r *deviceRepository) Insert(ctx context.Context, device *models.DeviceFingerprint) error {
	// Two-table write: main row plus the hash lookup row. A logged batch
	// keeps them consistent.
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateDevice.Statement(),
		device.DeviceBucket, device.DeviceID, device.FingerprintHash,
		device.FingerprintEncrypted, device.FingerprintDEK, device.FingerprintKeyID,
		device.FirstSeen, device.LastSeen,
		device.IsVerified, string(device.VerificationMethod), device.VerifiedAt,
		device.IsBlocked, device.BlockedReason, device.BlockedAt, device.BlockedBy,
		device.TrustScore)

	batch.Query(r.client.Prepared.CreateHashToDevice.Statement(),
		device.FingerprintHash, device.DeviceBucket, device.DeviceID, device.FirstSeen)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to insert device",
			zap.String("device_id", device.DeviceID.String()),
			zap.Error(err))
		return apperrors.NewStoreUnavailable("failed to insert device").WithCause(err)
	}

	util.Info("Device registered",
		zap.String("device_id", device.DeviceID.String()),
		zap.Int("trust_score", device.TrustScore))
	return nil
}

func (r *deviceRepository) GetByID(ctx context.Context, deviceID uuid.UUID, bucket int) (*models.DeviceFingerprint, error) {
	device := &models.DeviceFingerprint{}
	var gocqlID gocql.UUID
	var method string

	query := r.client.Prepared.GetDeviceByID.WithContext(ctx).Bind(bucket, gocql.UUID(deviceID))
	err := r.client.ScanWithRetry(query,
		&device.DeviceBucket, &gocqlID, &device.FingerprintHash,
		&device.FingerprintEncrypted, &device.FingerprintDEK, &device.FingerprintKeyID,
		&device.FirstSeen, &device.LastSeen,
		&device.IsVerified, &method, &device.VerifiedAt,
		&device.IsBlocked, &device.BlockedReason, &device.BlockedAt, &device.BlockedBy,
		&device.TrustScore)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, apperrors.NewNotFound("device not found: %s", deviceID)
		}
		return nil, apperrors.NewStoreUnavailable("failed to read device").WithCause(err)
	}

	device.DeviceID = uuid.UUID(gocqlID)
	device.VerificationMethod = models.VerificationMethod(method)
	return device, nil
}

// ResolveFingerprint maps a lookup hash to a device id and bucket.
// A missing row means the fingerprint has never been seen.
func (r *deviceRepository) ResolveFingerprint(ctx context.Context, fingerprintHash string) (uuid.UUID, int, error) {
	var bucket int
	var gocqlID gocql.UUID

	query := r.client.Prepared.GetDeviceIDByHash.WithContext(ctx).Bind(fingerprintHash)
	if err := r.client.ScanWithRetry(query, &bucket, &gocqlID); err != nil {
		if err == gocql.ErrNotFound {
			return uuid.Nil, 0, apperrors.NewNotFound("unknown fingerprint")
		}
		return uuid.Nil, 0, apperrors.NewStoreUnavailable("failed to resolve fingerprint").WithCause(err)
	}
	return uuid.UUID(gocqlID), bucket, nil
}

func (r *deviceRepository) TouchLastSeen(ctx context.Context, device *models.DeviceFingerprint, at time.Time) error {
	query := r.client.Prepared.TouchLastSeen.WithContext(ctx).
		Bind(at, device.DeviceBucket, gocql.UUID(device.DeviceID))
	if err := query.Exec(); err != nil {
		return apperrors.NewStoreUnavailable("failed to update last_seen").WithCause(err)
	}
	device.LastSeen = at
	return nil
}

func (r *deviceRepository) SetVerified(ctx context.Context, device *models.DeviceFingerprint, method models.VerificationMethod, at time.Time) error {
	query := r.client.Prepared.SetVerified.WithContext(ctx).
		Bind(true, string(method), at, device.DeviceBucket, gocql.UUID(device.DeviceID))
	if err := query.Exec(); err != nil {
		util.Error("Failed to mark device verified",
			zap.String("device_id", device.DeviceID.String()),
			zap.Error(err))
		return apperrors.NewStoreUnavailable("failed to mark device verified").WithCause(err)
	}

	device.IsVerified = true
	device.VerificationMethod = method
	device.VerifiedAt = at
	return nil
}

func (r *deviceRepository) SetBlocked(ctx context.Context, device *models.DeviceFingerprint, reason, operatorID string, at time.Time) error {
	query := r.client.Prepared.SetBlocked.WithContext(ctx).
		Bind(true, reason, at, operatorID, 0, device.DeviceBucket, gocql.UUID(device.DeviceID))
	if err := query.Exec(); err != nil {
		util.Error("Failed to block device",
			zap.String("device_id", device.DeviceID.String()),
			zap.String("blocked_by", operatorID),
			zap.Error(err))
		return apperrors.NewStoreUnavailable("failed to block device").WithCause(err)
	}

	device.IsBlocked = true
	device.BlockedReason = reason
	device.BlockedAt = at
	device.BlockedBy = operatorID
	device.TrustScore = 0

	util.Warn("Device blocked",
		zap.String("device_id", device.DeviceID.String()),
		zap.String("reason", reason),
		zap.String("blocked_by", operatorID))
	return nil
}

func (r *deviceRepository) SetTrustScore(ctx context.Context, device *models.DeviceFingerprint, score int) (bool, error) {
	query := r.client.Prepared.SetTrustIfNotBlocked.WithContext(ctx).
		Bind(score, device.DeviceBucket, gocql.UUID(device.DeviceID))

	var blocked bool
	applied, err := query.ScanCAS(&blocked)
	if err != nil {
		return false, apperrors.NewStoreUnavailable("failed to update trust score").WithCause(err)
	}
	if applied {
		device.TrustScore = score
	}
	return applied, nil
}

func (r *deviceRepository) AddAssociatedUser(ctx context.Context, deviceID uuid.UUID, user models.AssociatedUser) error {
	query := r.client.Prepared.AddDeviceUser.WithContext(ctx).
		Bind(gocql.UUID(deviceID), user.UserID, user.Role, time.Now().UTC())
	if err := query.Exec(); err != nil {
		return apperrors.NewStoreUnavailable("failed to associate user with device").WithCause(err)
	}
	return nil
}

func (r *deviceRepository) AssociatedUsers(ctx context.Context, deviceID uuid.UUID) ([]models.AssociatedUser, error) {
	iter := r.client.Prepared.ListDeviceUsers.WithContext(ctx).
		Bind(gocql.UUID(deviceID)).Iter()

	var users []models.AssociatedUser
	var userID, role string
	for iter.Scan(&userID, &role) {
		users = append(users, models.AssociatedUser{UserID: userID, Role: role})
	}
	if err := iter.Close(); err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to list device users").WithCause(err)
	}
	return users, nil
}

func (r *deviceRepository) HealthCheck(ctx context.Context) error {
	if err := r.client.HealthCheck(); err != nil {
		return fmt.Errorf("device repository unhealthy: %w", err)
	}
	return nil
}
