package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"zerotrust-service/internal/config"
	"zerotrust-service/internal/util"
)

// PreparedStatements holds the statements the device registry actually uses
type PreparedStatements struct {
	CreateDevice         *gocql.Query
	CreateHashToDevice   *gocql.Query
	GetDeviceByID        *gocql.Query
	GetDeviceIDByHash    *gocql.Query
	TouchLastSeen        *gocql.Query
	SetVerified          *gocql.Query
	SetBlocked           *gocql.Query
	SetTrustIfNotBlocked *gocql.Query
	AddDeviceUser        *gocql.Query
	ListDeviceUsers      *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	scyllaClient := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := scyllaClient.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return scyllaClient, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateDevice = s.Session.Query(`
        INSERT INTO devices (
            device_bucket, device_id, fingerprint_hash, fingerprint_encrypted,
            fingerprint_dek, fingerprint_key_id, first_seen, last_seen,
            is_verified, verification_method, verified_at,
            is_blocked, blocked_reason, blocked_at, blocked_by, trust_score
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateHashToDevice = s.Session.Query(`
        INSERT INTO fingerprint_to_device (fingerprint_hash, device_bucket, device_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetDeviceByID = s.Session.Query(`
        SELECT device_bucket, device_id, fingerprint_hash, fingerprint_encrypted,
            fingerprint_dek, fingerprint_key_id, first_seen, last_seen,
            is_verified, verification_method, verified_at,
            is_blocked, blocked_reason, blocked_at, blocked_by, trust_score
        FROM devices WHERE device_bucket = ? AND device_id = ?`)

	prepared.GetDeviceIDByHash = s.Session.Query(`
        SELECT device_bucket, device_id FROM fingerprint_to_device WHERE fingerprint_hash = ?`)

	prepared.TouchLastSeen = s.Session.Query(`
        UPDATE devices SET last_seen = ? WHERE device_bucket = ? AND device_id = ?`)

	prepared.SetVerified = s.Session.Query(`
        UPDATE devices SET is_verified = ?, verification_method = ?, verified_at = ?
        WHERE device_bucket = ? AND device_id = ?`)

	prepared.SetBlocked = s.Session.Query(`
        UPDATE devices SET is_blocked = ?, blocked_reason = ?, blocked_at = ?, blocked_by = ?, trust_score = ?
        WHERE device_bucket = ? AND device_id = ?`)

	// LWT keeps an operator block from being overwritten by a concurrent
	// trust recompute.
	prepared.SetTrustIfNotBlocked = s.Session.Query(`
        UPDATE devices SET trust_score = ?
        WHERE device_bucket = ? AND device_id = ? IF is_blocked = false`)

	prepared.AddDeviceUser = s.Session.Query(`
        INSERT INTO device_users (device_id, user_id, role, first_seen)
        VALUES (?, ?, ?, ?)`)

	prepared.ListDeviceUsers = s.Session.Query(`
        SELECT user_id, role FROM device_users WHERE device_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("Device registry prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
