// Package tls resolves the server certificate source: ACME-issued in
// production, operator-provided key pairs, or a generated localhost
// certificate for development.
package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"zerotrust-service/internal/config"
	"zerotrust-service/internal/util"
)

type Manager struct {
	server      config.ServerConfig
	environment string
	acme        *autocert.Manager
}

func NewManager(server config.ServerConfig, environment string) *Manager {
	m := &Manager{server: server, environment: environment}

	if server.EnableTLS && server.AutoCert {
		if err := os.MkdirAll(server.AutoCertDir, 0o700); err != nil {
			util.Warn("Certificate cache directory unavailable, ACME disabled",
				zap.String("dir", server.AutoCertDir),
				zap.Error(err))
			return m
		}
		m.acme = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(server.Domain),
			Cache:      autocert.DirCache(server.AutoCertDir),
			Email:      server.Email,
		}
		util.Info("ACME certificate manager ready",
			zap.String("domain", server.Domain),
			zap.String("cache_dir", server.AutoCertDir))
	}

	return m
}

// certificate picks the serving certificate in order of preference: the ACME
// manager, the configured key pair, then (outside production) a generated
// development certificate.
func (m *Manager) certificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.acme != nil {
		if cert, err := m.acme.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile); err == nil {
			return &cert, nil
		}
	}

	if m.environment == "production" {
		return nil, fmt.Errorf("no serving certificate available for %s", m.server.Domain)
	}
	return devCertificate(m.server.AutoCertDir, m.hosts())
}

func (m *Manager) hosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.server.Domain != "" {
		hosts = append([]string{m.server.Domain}, hosts...)
	}
	return hosts
}

// ServerTLSConfig is the tls.Config the HTTP server runs with. TLS 1.2 is
// the floor; the cipher list covers the AEAD suites 1.2 clients negotiate.
func (m *Manager) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.certificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// ACME exposes the autocert manager for the port-80 challenge handler. Nil
// when ACME is not configured.
func (m *Manager) ACME() *autocert.Manager {
	return m.acme
}
