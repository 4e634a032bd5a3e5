package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/saamiyaaqeel/rime/internal/app/services/anonymiser"
	"github.com/saamiyaaqeel/rime/internal/app/services/orchestrator"
	"github.com/saamiyaaqeel/rime/internal/config"
	"github.com/saamiyaaqeel/rime/pkg/eventlog"
	"github.com/saamiyaaqeel/rime/pkg/logger"
	storagepkg "github.com/saamiyaaqeel/rime/pkg/storage"
	minioStorage "github.com/saamiyaaqeel/rime/pkg/storage/minio"

	_ "github.com/saamiyaaqeel/rime/internal/app/providers/androidcontacts"
	_ "github.com/saamiyaaqeel/rime/internal/app/providers/androidgenericmedia"
	_ "github.com/saamiyaaqeel/rime/internal/app/providers/androidtelephony"
	_ "github.com/saamiyaaqeel/rime/internal/app/providers/androidwhatsapp"
	_ "github.com/saamiyaaqeel/rime/internal/app/providers/imessage"
	_ "github.com/saamiyaaqeel/rime/internal/app/providers/ioscontacts"
	_ "github.com/saamiyaaqeel/rime/internal/app/providers/ioswhatsapp"
)

func main() {
	configPath := flag.String("config", "rime.yaml", "path to the RIME configuration file")
	auditLogDir := flag.String("audit-log-dir", "", "directory to write subset-operation audit events to (disabled if empty)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env: %v", err)
	}

	cfg := config.MustLoad(*configPath)
	loggers := logger.New(cfg.LogLevel)

	var exportStorage storagepkg.Service
	if cfg.Export.Enabled() {
		store, err := minioStorage.New(context.Background(), minioStorage.Config{
			Endpoint:  cfg.Export.Endpoint,
			AccessKey: cfg.Export.AccessKey,
			SecretKey: cfg.Export.SecretKey,
			Bucket:    cfg.Export.Bucket,
			Region:    cfg.Export.Region,
			UseSSL:    cfg.Export.UseSSL,
			PublicURL: cfg.Export.PublicURL,
		})
		if err != nil {
			log.Fatalf("export storage initialization error: %v", err)
		}
		exportStorage = store
		loggers.Core.Infof("disclosure export storage enabled bucket=%s endpoint=%s", cfg.Export.Bucket, cfg.Export.Endpoint)
	}

	core, err := orchestrator.New(orchestrator.Config{
		BasePath:       cfg.Filesystem.BasePath,
		SessionDBPath:  cfg.Session.Database,
		Passphrases:    cfg.Passphrase,
		Log:            loggers.Orchestrator,
		ExportStorage:  exportStorage,
		NameAnonymiser: anonymiser.NoopNameAnonymiser{},
		AuditLog:       eventlog.NewWriter(*auditLogDir, loggers.Core.Sub("AuditLog")),
	})
	if err != nil {
		log.Fatalf("orchestrator init error: %v", err)
	}
	defer core.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Start(ctx); err != nil {
		log.Fatalf("directory watcher start error: %v", err)
	}

	loggers.Core.Infof("rime core ready, watching %s", cfg.Filesystem.BasePath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	loggers.Core.Infof("shutting down...")
}
