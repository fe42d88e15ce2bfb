package service

import (
	"go.uber.org/zap"

	"zerotrust-service/internal/bucketing"
	"zerotrust-service/internal/config"
	"zerotrust-service/internal/encryption"
	"zerotrust-service/internal/hashing"
	"zerotrust-service/internal/repository/clickhouse"
	"zerotrust-service/internal/repository/redis"
	"zerotrust-service/internal/repository/scylla"
	"zerotrust-service/internal/risk"
	"zerotrust-service/internal/stream"
)

// ServiceFactory creates and caches the service singletons.
type ServiceFactory struct {
	cfg        *config.Config
	devices    scylla.DeviceRepository
	ledger     clickhouse.EventLedger
	index      DeviceIndexer
	activity   *redis.ActivityCache
	challenges *redis.ChallengeCache
	publisher  *stream.EventPublisher
	hasher     *hashing.Hasher
	crypto     *encryption.EncryptionManager
	bucketing  *bucketing.BucketingManager
	logger     *zap.Logger

	registryService  *RegistryService
	gateService      *GateService
	analyticsService *AnalyticsService
}

func NewServiceFactory(
	cfg *config.Config,
	devices scylla.DeviceRepository,
	ledger clickhouse.EventLedger,
	index DeviceIndexer,
	activity *redis.ActivityCache,
	challenges *redis.ChallengeCache,
	publisher *stream.EventPublisher,
	hasher *hashing.Hasher,
	crypto *encryption.EncryptionManager,
	bucketingMgr *bucketing.BucketingManager,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		devices:    devices,
		ledger:     ledger,
		index:      index,
		activity:   activity,
		challenges: challenges,
		publisher:  publisher,
		hasher:     hasher,
		crypto:     crypto,
		bucketing:  bucketingMgr,
		logger:     logger,
	}
}

// RegistryService returns the device registry service (singleton).
func (f *ServiceFactory) RegistryService() *RegistryService {
	if f.registryService == nil {
		f.registryService = NewRegistryService(
			f.devices,
			f.ledger,
			f.index,
			f.publisher,
			f.hasher,
			f.crypto,
			f.bucketing,
			f.cfg.Trust,
		)
	}
	return f.registryService
}

// GateService returns the continuous verification gate (singleton).
func (f *ServiceFactory) GateService() *GateService {
	if f.gateService == nil {
		f.gateService = NewGateService(
			f.RegistryService(),
			f.ledger,
			f.activity,
			f.challenges,
			f.publisher,
			risk.NewEngine(f.cfg.Risk),
			f.cfg.Gate,
		)
	}
	return f.gateService
}

// AnalyticsService returns the analytics read service (singleton).
func (f *ServiceFactory) AnalyticsService() *AnalyticsService {
	if f.analyticsService == nil {
		f.analyticsService = NewAnalyticsService(f.ledger, f.index, f.RegistryService())
	}
	return f.analyticsService
}

// Cleanup releases service-held resources.
func (f *ServiceFactory) Cleanup() {
	if f.crypto != nil {
		f.crypto.ClearCache()
	}
}
