package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/models"
)

var (
	alice    = models.Identity{UserID: "alice", Role: "user"}
	operator = models.Identity{UserID: "op-1", Role: "admin"}
)

func TestGetOrCreateRegistersAtNeutralTrust(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, created, err := h.registry.GetOrCreate(ctx, "ua=firefox;tz=utc", alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.NeutralTrustScore, device.TrustScore)
	assert.False(t, device.IsVerified)
	assert.False(t, device.IsBlocked)
	assert.False(t, device.FirstSeen.IsZero())
	assert.NotEmpty(t, device.FingerprintHash)
	assert.NotEmpty(t, device.FingerprintEncrypted)
	assert.NotEqual(t, "ua=firefox;tz=utc", device.FingerprintEncrypted)
	assert.Equal(t, []models.AssociatedUser{{UserID: "alice", Role: "user"}}, device.AssociatedUsers)
}

func TestGetOrCreateResolvesExistingDevice(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first, created, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.DeviceID, second.DeviceID)

	// A second identity on the same device is associated, not re-registered.
	bob := models.Identity{UserID: "bob", Role: "user"}
	third, created, err := h.registry.GetOrCreate(ctx, "signals", bob)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, third.AssociatedUsers, 2)
}

func TestGetOrCreateRejectsEmptyFingerprint(t *testing.T) {
	h := newTestHarness(t)

	_, _, err := h.registry.GetOrCreate(context.Background(), "", alice)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestVerifyIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)

	verified, err := h.registry.Verify(ctx, device.DeviceID, "", operator)
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	assert.Equal(t, models.VerifyAdminApproval, verified.VerificationMethod, "method defaults to admin approval")

	events := h.ledger.appended()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDeviceVerified, events[0].EventType)

	// The second verify changes nothing and appends nothing.
	again, err := h.registry.Verify(ctx, device.DeviceID, models.VerifyOTP, operator)
	require.NoError(t, err)
	assert.True(t, again.IsVerified)
	assert.Equal(t, models.VerifyAdminApproval, again.VerificationMethod)
	assert.Len(t, h.ledger.appended(), 1)
}

func TestVerifyRaisesTrustBase(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)

	verified, err := h.registry.Verify(ctx, device.DeviceID, models.VerifyAdminApproval, operator)
	require.NoError(t, err)
	assert.Greater(t, verified.TrustScore, models.NeutralTrustScore)
}

func TestVerifyUnknownDevice(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.registry.Verify(context.Background(), uuid.New(), models.VerifyAdminApproval, operator)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestBlockZeroesTrustAndIsOneWay(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)

	blocked, err := h.registry.Block(ctx, device.DeviceID, "credential stuffing source", operator)
	require.NoError(t, err)
	assert.True(t, blocked.IsBlocked)
	assert.Equal(t, 0, blocked.TrustScore)
	assert.Equal(t, "op-1", blocked.BlockedBy)

	events := h.ledger.appended()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDeviceBlocked, events[0].EventType)

	// Repeat block is a no-op; verify after block is rejected.
	_, err = h.registry.Block(ctx, device.DeviceID, "again", operator)
	require.NoError(t, err)
	assert.Len(t, h.ledger.appended(), 1)

	_, err = h.registry.Verify(ctx, device.DeviceID, models.VerifyAdminApproval, operator)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestBlockRequiresReason(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)

	_, err = h.registry.Block(ctx, device.DeviceID, "", operator)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestRecomputeTrustIsMonotonicInEventRisk(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)

	require.NoError(t, h.registry.RecomputeTrust(ctx, device))
	before := device.TrustScore

	// A high-risk event can only hold trust level or drag it down.
	_, err = h.ledger.Append(ctx, &models.SecurityEvent{
		EventType: models.EventSuspiciousActivity,
		RiskScore: 95,
		DeviceID:  device.DeviceID.String(),
	})
	require.NoError(t, err)

	require.NoError(t, h.registry.RecomputeTrust(ctx, device))
	assert.LessOrEqual(t, device.TrustScore, before)
}

func TestRecomputeTrustPenalizesSharedDevices(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)
	require.NoError(t, h.registry.RecomputeTrust(ctx, device))
	baseline := device.TrustScore

	for _, userID := range []string{"bob", "carol", "dave"} {
		_, _, err := h.registry.GetOrCreate(ctx, "signals", models.Identity{UserID: userID, Role: "user"})
		require.NoError(t, err)
	}

	device, err = h.registry.Get(ctx, device.DeviceID)
	require.NoError(t, err)
	require.NoError(t, h.registry.RecomputeTrust(ctx, device))
	// Four users against a shared-user limit of two costs two penalties.
	assert.Equal(t, baseline-2*h.cfg.Trust.SharedUserPenalty, device.TrustScore)
}

func TestRecomputeTrustDoesNotResurrectBlockedDevice(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)

	// Simulate an admin block landing while a recompute holds a stale read.
	stale := *device
	_, err = h.registry.Block(ctx, device.DeviceID, "abuse", operator)
	require.NoError(t, err)

	require.NoError(t, h.registry.RecomputeTrust(ctx, &stale))
	assert.True(t, stale.IsBlocked, "recompute observes the unapplied write")

	current, err := h.registry.Get(ctx, device.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.TrustScore)
	assert.True(t, current.IsBlocked)
}

func TestRegistryMirrorsDevicesIntoIndex(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "signals", alice)
	require.NoError(t, err)
	_, err = h.registry.Block(ctx, device.DeviceID, "abuse", operator)
	require.NoError(t, err)

	require.NotEmpty(t, h.index.indexed)
	last := h.index.indexed[len(h.index.indexed)-1]
	assert.Equal(t, device.DeviceID.String(), last.DeviceID)
	assert.True(t, last.IsBlocked)
}
