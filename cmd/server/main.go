package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zerotrust-service/internal/factory"
	"zerotrust-service/internal/handler"
	"zerotrust-service/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := buildRouter(f)

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().ServerTLSConfig()

		// Production with ACME runs two listeners: port 80 for the challenge
		// handler and redirects, port 443 for the API.
		if cfg.IsProduction() && cfg.Server.AutoCert {
			serveWithACME(f, server, router)
			return
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort))
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port))
	}

	go func() {
		var err error
		switch {
		case !cfg.Server.EnableTLS:
			err = server.ListenAndServe()
		case cfg.Server.CertFile != "" && cfg.Server.KeyFile != "":
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		default:
			// The TLS manager resolves the certificate per handshake.
			err = server.ListenAndServeTLS("", "")
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed", util.ErrorField(err))
		}
	}()

	util.Info("Server started",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("tls_enabled", cfg.Server.EnableTLS))

	awaitShutdown(f, server)
}

func buildRouter(f *factory.Factory) http.Handler {
	services := f.ServiceFactory()
	securityHandler := handler.NewSecurityHandler(
		services.RegistryService(),
		services.AnalyticsService(),
		services.GateService(),
		util.Get(),
	)
	return handler.NewRouter(securityHandler, services.GateService(), util.Get())
}

func serveWithACME(f *factory.Factory, server *http.Server, router http.Handler) {
	acme := f.TLSManager().ACME()
	if acme == nil {
		util.Fatal("ACME manager unavailable in production")
	}

	challengeServer := &http.Server{
		Addr:    ":80",
		Handler: acme.HTTPHandler(nil),
	}
	apiServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: server.TLSConfig,
	}

	go func() {
		util.Info("Starting ACME challenge listener on port 80")
		if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("ACME challenge listener failed", util.ErrorField(err))
		}
	}()
	go func() {
		util.Info("Starting HTTPS server on port 443",
			util.String("domain", f.Config().Server.Domain))
		if err := apiServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			util.Error("HTTPS server failed", util.ErrorField(err))
		}
	}()

	awaitShutdown(f, apiServer, challengeServer)
}

func awaitShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Server shutdown incomplete", util.ErrorField(err))
		}
	}
	f.Close()
}
