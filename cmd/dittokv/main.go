package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittokv/internal/admin"
	"github.com/marmos91/dittokv/internal/audit"
	"github.com/marmos91/dittokv/internal/logger"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/internal/server"
	"github.com/marmos91/dittokv/pkg/config"
	"github.com/marmos91/dittokv/pkg/engine"
	badgerengine "github.com/marmos91/dittokv/pkg/engine/badger"
	"github.com/marmos91/dittokv/pkg/engine/memory"
	"github.com/marmos91/dittokv/pkg/metrics"
)

func buildEngine(cfg *config.Config, bucket config.BucketConfig) (engine.Engine, func() error, error) {
	engineType := bucket.Engine
	if engineType == "" {
		engineType = cfg.Engine.Type
	}

	switch engineType {
	case "memory":
		return memory.New(), nil, nil
	case "badger":
		dir, _ := cfg.Engine.Badger["dir"].(string)
		if dir == "" {
			dir = "/tmp/dittokv"
		}
		inMemory, _ := cfg.Engine.Badger["in_memory"].(bool)
		eng, err := badgerengine.New(badgerengine.Config{
			Dir:      fmt.Sprintf("%s/%s", dir, bucket.Name),
			InMemory: inMemory,
		})
		if err != nil {
			return nil, nil, err
		}
		return eng, eng.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown engine type %q", engineType)
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	switch cfg.Logging.Output {
	case "stdout", "":
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	fmt.Println("DittoKV - distributed key-value frontend")

	if cfg.Admin.Enabled {
		metrics.InitRegistry()
	}

	// Privilege database.
	rbacDB := rbac.NewDatabase()
	if cfg.RBAC.File != "" {
		if err := rbacDB.LoadFile(cfg.RBAC.File); err != nil {
			log.Fatalf("Failed to load RBAC database: %v", err)
		}
		logger.Info("RBAC database loaded from %s", cfg.RBAC.File)
	} else {
		logger.Warn("No RBAC database configured; only pre-provisioned users can authenticate")
	}

	// Audit sink.
	auditSink := audit.Sink(audit.NewNopSink())
	if cfg.Audit.Enabled {
		fileSink, err := audit.NewFileSink(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("Failed to open audit log: %v", err)
		}
		defer fileSink.Close()
		auditSink = fileSink
		logger.Info("Audit log at %s", cfg.Audit.Path)
	}

	// Buckets.
	var buckets []*server.Bucket
	for _, bucketCfg := range cfg.Buckets {
		eng, closer, err := buildEngine(cfg, bucketCfg)
		if err != nil {
			log.Fatalf("Failed to create engine for bucket %q: %v", bucketCfg.Name, err)
		}
		if closer != nil {
			defer closer()
		}
		b := server.NewBucket(bucketCfg.Name, eng)
		b.SetState(server.BucketStateReady)
		buckets = append(buckets, b)
		logger.Info("Bucket %q ready", bucketCfg.Name)
	}

	// TLS.
	var tlsConfig *tls.Config
	if cfg.Server.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			log.Fatalf("Failed to load TLS keypair: %v", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	srv, err := server.New(server.Options{
		Config:    cfg,
		Buckets:   buckets,
		RbacDB:    rbacDB,
		AuditSink: auditSink,
		TLS:       tlsConfig,
	})
	if err != nil {
		log.Fatalf("Failed to assemble server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Admin.Enabled {
		adminSrv := admin.New(cfg.Admin.Listen, srv)
		go func() {
			if err := adminSrv.Serve(); err != nil {
				logger.Error("Admin endpoint error: %v", err)
			}
		}()
		defer func() {
			_ = adminSrv.Shutdown(context.Background())
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")
	select {
	case <-sigChan:
		logger.Info("Shutting down server...")
		srv.Stop()
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
	}
}
