// Package app assembles the soramail services from configuration. Both the
// daemon and the admin tool open their dependencies through Open.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/soramail/admission"
	"github.com/migadu/soramail/config"
	"github.com/migadu/soramail/contacts"
	"github.com/migadu/soramail/delivery"
	"github.com/migadu/soramail/directory"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mailbox"
	"github.com/migadu/soramail/mailstore"
	"github.com/migadu/soramail/pkg/circuitbreaker"
	"github.com/migadu/soramail/pkg/health"
	"github.com/migadu/soramail/pkg/lookupcache"
	"github.com/migadu/soramail/pkg/retry"
	"github.com/migadu/soramail/query"
	"github.com/migadu/soramail/rules"
	"github.com/migadu/soramail/server/idgen"
	"github.com/migadu/soramail/storage"
	"go.etcd.io/bbolt"
)

// Services holds every long-lived component. Workers are not started by
// Open; the caller decides which ones to run.
type Services struct {
	Config config.Config

	Mail        *mailstore.FileStore
	Records     *bbolt.DB
	Rules       *rules.BoltStore
	RuleEngine  *rules.Engine
	Contacts    *contacts.BoltStore
	Users       *directory.SQLiteDirectory
	UserCache   *lookupcache.LookupCache
	Attachments *admission.Registry
	Query       *query.Engine
	Mailbox     *mailbox.Service
	Events      *delivery.Broadcaster
	Delivery    *delivery.Pipeline
	Health      *health.Monitor
}

// Open builds the services described by cfg. On error everything opened so
// far is closed again.
func Open(ctx context.Context, cfg config.Config) (*Services, error) {
	svc := &Services{Config: cfg}
	opened := false
	defer func() {
		if !opened {
			svc.Close()
		}
	}()

	codec, err := mailstore.NewCodec(cfg.Storage.GetCodec(), cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage codec: %w", err)
	}
	if svc.Mail, err = mailstore.New(cfg.Storage.DataDir, codec); err != nil {
		return nil, fmt.Errorf("failed to open mail store: %w", err)
	}
	logger.Info("MAILSTORE: opened", "data_dir", cfg.Storage.DataDir, "codec", cfg.Storage.GetCodec())

	recordsPath := cfg.Storage.GetRecordsDB()
	if err := os.MkdirAll(filepath.Dir(recordsPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}
	if svc.Records, err = bbolt.Open(recordsPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second}); err != nil {
		return nil, fmt.Errorf("failed to open records db %s: %w", recordsPath, err)
	}
	if svc.Rules, err = rules.NewBoltStore(svc.Records); err != nil {
		return nil, err
	}
	if svc.Contacts, err = contacts.NewBoltStore(svc.Records); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Directory.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory db location: %w", err)
	}
	if svc.Users, err = directory.OpenSQLite(cfg.Directory.Path, cfg.Delivery.Domain); err != nil {
		return nil, fmt.Errorf("failed to open user directory: %w", err)
	}
	cacheTTL, _ := cfg.Directory.GetCacheTTL()
	negativeTTL, _ := cfg.Directory.GetNegativeCacheTTL()
	svc.UserCache = lookupcache.New(svc.Users, lookupcache.Options{PositiveTTL: cacheTTL, NegativeTTL: negativeTTL})

	byteStore, breaker, err := openByteStore(ctx, cfg, codec)
	if err != nil {
		return nil, err
	}
	issuedTTL, _ := cfg.Attachments.GetIssuedTTL()
	ackTTL, _ := cfg.Attachments.GetAcknowledgedTTL()
	sweep, _ := cfg.Attachments.GetSweepInterval()
	svc.Attachments = admission.NewRegistry(byteStore, admission.Options{
		IssuedTTL:       issuedTTL,
		AcknowledgedTTL: ackTTL,
		SweepInterval:   sweep,
	})

	text := helpers.HTMLTextExtractor{}
	svc.RuleEngine = rules.NewEngine(svc.Rules, text)
	svc.RuleEngine.Folders = svc.Mail
	svc.Query = query.NewEngine(text, time.Local)
	svc.Mailbox = mailbox.New(svc.Mail, svc.Query)
	svc.Events = delivery.NewBroadcaster(16)

	hostname, _ := os.Hostname()
	ids := idgen.NewGenerator(hostname)
	svc.Delivery = &delivery.Pipeline{
		Store:           svc.Mail,
		Rules:           svc.RuleEngine,
		Attachments:     svc.Attachments,
		Users:           svc.UserCache,
		Messages:        svc.Mailbox,
		Events:          svc.Events,
		NewID:           ids.New,
		Domain:          cfg.Delivery.Domain,
		ForwardMaxDepth: cfg.Delivery.GetForwardMaxDepth(),
		SanitizeBodies:  cfg.Delivery.SanitizeBodies,
	}
	svc.Health = newHealthMonitor(svc, breaker)
	opened = true
	return svc, nil
}

// newHealthMonitor registers a probe per backing component. The S3 breaker
// is only present for the s3 attachment backend.
func newHealthMonitor(svc *Services, breaker *circuitbreaker.Breaker) *health.Monitor {
	m := health.NewMonitor()
	m.Register(health.Check{
		Name:     "mailstore",
		Critical: true,
		Probe:    func(context.Context) error { return svc.Mail.Writable() },
	})
	m.Register(health.Check{
		Name:     "records",
		Critical: true,
		Probe: func(context.Context) error {
			return svc.Records.View(func(*bbolt.Tx) error { return nil })
		},
	})
	m.Register(health.Check{
		Name:     "directory",
		Critical: true,
		Probe: func(ctx context.Context) error {
			_, err := svc.Users.Count(ctx)
			return err
		},
	})
	if breaker != nil {
		m.Register(health.BreakerCheck("s3-attachments", breaker, false))
	}
	return m
}

// openByteStore returns the attachment byte store of the configured backend.
func openByteStore(ctx context.Context, cfg config.Config, codec storage.Codec) (admission.ByteStore, *circuitbreaker.Breaker, error) {
	switch cfg.Attachments.GetBackend() {
	case "s3":
		logger.Info("ADMISSION: using S3 attachment store", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		s3, err := storage.New(cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize S3 storage at endpoint '%s': %w", cfg.S3.Endpoint, err)
		}
		if cfg.S3.Encrypt {
			s3Codec, err := mailstore.NewCodec("aes-gcm", cfg.S3.EncryptionKey)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to enable S3 encryption: %w", err)
			}
			s3.SetCodec(s3Codec)
		}
		if err := s3.CheckBucket(ctx, 10*time.Second); err != nil {
			return nil, nil, err
		}
		breaker := circuitbreaker.New(circuitbreaker.Settings{Name: "s3-attachments"})
		return admission.NewS3Store(s3, retry.DefaultBackoffConfig(), breaker), breaker, nil
	default:
		logger.Info("ADMISSION: using local attachment store", "path", cfg.Attachments.LocalPath)
		local, err := admission.NewLocalStore(cfg.Attachments.LocalPath, codec)
		return local, nil, err
	}
}

// Close releases the databases. It is safe to call on a partially opened
// Services value.
func (s *Services) Close() error {
	var errs []error
	if s.Health != nil {
		s.Health.Stop()
	}
	if s.Attachments != nil {
		s.Attachments.Stop()
	}
	if s.UserCache != nil {
		s.UserCache.Stop()
	}
	if s.Users != nil {
		errs = append(errs, s.Users.Close())
	}
	if s.Records != nil {
		errs = append(errs, s.Records.Close())
	}
	return errors.Join(errs...)
}
