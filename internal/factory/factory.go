package factory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"smsup-service/internal/billing"
	"smsup-service/internal/bucketing"
	"smsup-service/internal/client"
	"smsup-service/internal/config"
	"smsup-service/internal/encryption"
	"smsup-service/internal/events"
	"smsup-service/internal/handler"
	"smsup-service/internal/hashing"
	"smsup-service/internal/metrics"
	"smsup-service/internal/ratelimit"
	"smsup-service/internal/repository/postgres"
	"smsup-service/internal/repository/redis"
	"smsup-service/internal/repository/scylla"
	"smsup-service/internal/retry"
	"smsup-service/internal/service"
	"smsup-service/internal/sms"
	"smsup-service/internal/tls"
	"smsup-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	metrics    *metrics.Metrics

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresDB       *sql.DB
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	otpRepository     *scylla.OTPRepository
	profileRepository *postgres.ProfileRepository
	rateLimitCache    *redis.RateLimitCache
	otpCache          *redis.OTPCache
	analyticsSink     *events.AnalyticsSink

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		if cfg.IsProduction() {
			return nil, err
		}
		util.Warn("Configuration incomplete", util.ErrorField(err))
	}

	factory := &Factory{
		config:  cfg,
		metrics: metrics.New(),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeRepositories()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("audit_enabled", factory.esClient != nil),
		util.Bool("analytics_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients connects the stores the service cannot run without and
// the optional event sinks. A failing sink is logged and skipped outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	util.Info("Redis client initialized and healthy")

	scyllaClient, err := scylla.NewScyllaClient(f.config)
	if err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = scyllaClient
	util.Info("ScyllaDB client initialized and healthy")

	db, err := client.NewPostgresDB(f.config)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	f.postgresDB = db
	util.Info("Postgres connection initialized and healthy")

	var optionalErrors []error

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := es.HealthCheck(ctx); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := ch.HealthCheck(ctx); err != nil {
			_ = ch.Close()
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(optionalErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("event sink initialization failed: %w", errors.Join(optionalErrors...))
		}
		for _, err := range optionalErrors {
			util.Warn("Event sink disabled", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	util.Info("Managers initialized successfully",
		util.Int("phone_buckets", f.bucketingManager.PhoneBuckets()),
		util.Bool("kms", kmsClient != nil),
	)
	return nil
}

func (f *Factory) initializeRepositories() {
	f.otpRepository = scylla.NewOTPRepository(f.scyllaClient, f.bucketingManager)
	f.profileRepository = postgres.NewProfileRepository(f.postgresDB)
	f.rateLimitCache = redis.NewRateLimitCache(f.redisClient)
	f.otpCache = redis.NewOTPCache(f.redisClient)
	if f.clickhouseClient != nil {
		f.analyticsSink = events.NewAnalyticsSink(f.clickhouseClient, f.bucketingManager.EventBucket)
	}
}

// Publisher fans events out to every enabled sink.
func (f *Factory) Publisher() events.Publisher {
	var sinks []events.Publisher
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, f.config.Kafka.OTPTopic, f.config.Kafka.CreditTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewAuditSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if f.analyticsSink != nil {
		sinks = append(sinks, f.analyticsSink)
	}
	if len(sinks) == 0 {
		return events.Nop{}
	}
	return events.NewMulti(2*time.Second, sinks...)
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		policy := retry.FromConfig(f.config.Retry)
		gateway := sms.NewGateway(f.config.SMSGateway, policy, f.metrics, nil)

		f.serviceFactory = service.NewServiceFactory(f.config, service.Dependencies{
			Sessions:   f.otpRepository,
			Credits:    f.profileRepository,
			Limiter:    ratelimit.New(f.rateLimitCache, f.config.RateLimit, f.metrics, nil),
			Daily:      f.rateLimitCache,
			Dispatcher: sms.NewDispatcher(gateway, f.otpCache, f.config.OTP.DedupeTTL),
			Hasher:     f.hasher,
			Cipher:     f.encryptionManager,
			Billing:    billing.NewClient(f.config.Billing, policy, nil),
			Buckets:    f.bucketingManager,
			Publisher:  f.Publisher(),
			Metrics:    f.metrics,
		})
	}
	return f.serviceFactory
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	services := f.ServiceFactory()
	return handler.NewRouter(handler.RouterConfig{
		ServiceName:    f.config.ServiceName,
		RequireHTTPS:   f.config.Server.RequireTLS,
		RequestTimeout: f.config.Server.RequestTimeout,
		CORSOrigins:    f.config.CORSOrigins,
		Auth: handler.AuthConfig{
			Secret:   f.config.Auth.JWTSecret,
			Issuer:   f.config.Auth.JWTIssuer,
			Audience: f.config.Auth.JWTAudience,
		},
		Metrics: f.metrics,
		Health:  f.HealthCheck,
	}, handler.NewOTPHandler(services.OTPService()), handler.NewCreditHandler(services.CreditService()))
}

// Migrate creates the Scylla tables, the Postgres tables and the analytics table.
func (f *Factory) Migrate(ctx context.Context) error {
	if err := f.scyllaClient.Migrate(ctx); err != nil {
		return fmt.Errorf("scylla migration: %w", err)
	}
	if err := f.profileRepository.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres migration: %w", err)
	}
	if f.analyticsSink != nil {
		if err := f.analyticsSink.EnsureTable(ctx); err != nil {
			return fmt.Errorf("clickhouse migration: %w", err)
		}
	}
	util.Info("Migrations applied")
	return nil
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every dependency concurrently and returns the failures.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		"redis":    f.redisClient.HealthCheck,
		"scylla":   f.scyllaClient.HealthCheck,
		"postgres": f.profileRepository.HealthCheck,
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}

	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			if err := check(gctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return healthErrors
}

// IsHealthy reports whether every store except Kafka answers its health check.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.postgresDB != nil {
			if err := f.postgresDB.Close(); err != nil {
				util.Error("Failed to close Postgres connection", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ESClient() *client.ESClient {
	return f.esClient
}
