package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"carpool-auth/internal/audit"
	"carpool-auth/internal/bucketing"
	"carpool-auth/internal/client"
	"carpool-auth/internal/config"
	"carpool-auth/internal/events"
	"carpool-auth/internal/handler"
	"carpool-auth/internal/hashing"
	"carpool-auth/internal/notification"
	"carpool-auth/internal/repository/redis"
	"carpool-auth/internal/repository/scylla"
	"carpool-auth/internal/service"
	"carpool-auth/internal/token"
	"carpool-auth/internal/util"
)

// Factory constructs and owns the application dependency graph: clients,
// repositories, services, HTTP handler. Construction is eager for clients
// (they fail fast) and lazy for everything downstream.
type Factory struct {
	config *config.Config

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	hasher   *hashing.Hasher
	issuer   *token.Issuer
	notifier notification.Gateway
	buckets  *bucketing.Manager

	publisher events.Publisher
	recorder  audit.Recorder

	userRepository *scylla.UserRepository
	loginAttempts  *redis.LoginAttemptCache
	tokenDenylist  *redis.TokenDenylistCache

	registrationService *service.RegistrationService
	authService         *service.AuthService
	profileService      *service.ProfileService

	closeOnce sync.Once
	closed    chan struct{}
}

func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeCore()

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("debug", cfg.Debug),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed, events disabled", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("ClickHouse initialization failed, audit trail disabled", util.ErrorField(err))
		} else {
			f.clickhouseClient = ch
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical client initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Client initialization warning", util.ErrorField(err))
		}
	}

	// Initial health checks run in parallel so a slow backend does not
	// serialize startup.
	g, gctx := errgroup.WithContext(ctx)
	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(gctx); err != nil {
				return fmt.Errorf("redis health check: %w", err)
			}
			return nil
		})
	}
	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				return fmt.Errorf("scylla health check: %w", err)
			}
			return nil
		})
	}
	if f.clickhouseClient != nil {
		g.Go(func() error {
			if err := f.clickhouseClient.HealthCheck(gctx); err != nil {
				return fmt.Errorf("clickhouse health check: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if f.config.IsProduction() {
			return err
		}
		util.Warn("Health check warning", util.ErrorField(err))
	}

	return nil
}

func (f *Factory) initializeCore() {
	f.hasher = hashing.NewHasher(hashing.DefaultCost)
	f.issuer = token.NewIssuer(f.config.JWT.Secret, f.config.JWT.Expiry)
	f.notifier = notification.NewGateway(f.config.SMS)
	f.buckets = bucketing.NewManager(bucketing.DefaultEventBuckets)

	if f.kafkaProducer != nil {
		f.publisher = events.NewKafkaPublisher(f.kafkaProducer)
	} else {
		f.publisher = events.NoopPublisher{}
	}

	if f.clickhouseClient != nil {
		f.recorder = audit.NewClickHouseRecorder(f.clickhouseClient, f.buckets)
	} else {
		f.recorder = audit.NoopRecorder{}
	}
}

func (f *Factory) UserRepository() *scylla.UserRepository {
	if f.userRepository == nil {
		f.userRepository = scylla.NewUserRepository(f.scyllaClient)
	}
	return f.userRepository
}

func (f *Factory) LoginAttempts() *redis.LoginAttemptCache {
	if f.loginAttempts == nil {
		f.loginAttempts = redis.NewLoginAttemptCache(f.redisClient)
	}
	return f.loginAttempts
}

func (f *Factory) TokenDenylist() *redis.TokenDenylistCache {
	if f.tokenDenylist == nil {
		f.tokenDenylist = redis.NewTokenDenylistCache(f.redisClient)
	}
	return f.tokenDenylist
}

func (f *Factory) RegistrationService() *service.RegistrationService {
	if f.registrationService == nil {
		f.registrationService = service.NewRegistrationService(
			f.UserRepository(), f.hasher, f.issuer, f.notifier,
			f.publisher, f.recorder, f.config,
		)
	}
	return f.registrationService
}

func (f *Factory) AuthService() *service.AuthService {
	if f.authService == nil {
		f.authService = service.NewAuthService(
			f.UserRepository(), f.hasher, f.issuer, f.notifier,
			f.publisher, f.recorder, f.LoginAttempts(), f.TokenDenylist(),
			f.config,
		)
	}
	return f.authService
}

func (f *Factory) ProfileService() *service.ProfileService {
	if f.profileService == nil {
		f.profileService = service.NewProfileService(f.UserRepository(), f.publisher, f.config)
	}
	return f.profileService
}

func (f *Factory) AuthHandler() *handler.AuthHandler {
	return handler.NewAuthHandler(
		f.RegistrationService(), f.AuthService(), f.ProfileService(), f.config,
	)
}

func (f *Factory) AuthMiddleware() *handler.AuthMiddleware {
	return handler.NewAuthMiddleware(f.issuer, f.AuthService(), f.UserRepository())
}

// HealthCheck probes every wired backend in parallel.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		healthErrors[name] = err
		mu.Unlock()
	}

	var wg sync.WaitGroup
	if f.redisClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				record("redis", err)
			}
		}()
	} else {
		record("redis", fmt.Errorf("redis client not initialized"))
	}

	if f.scyllaClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.scyllaClient.HealthCheck(); err != nil {
				record("scylla", err)
			}
		}()
	} else {
		record("scylla", fmt.Errorf("scylla client not initialized"))
	}

	if f.clickhouseClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				record("clickhouse", err)
			}
		}()
	}

	if f.kafkaProducer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
				record("kafka", err)
			}
		}()
	}

	wg.Wait()
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Optional backends degrade gracefully.
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.recorder != nil {
			f.recorder.Close()
		}

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

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}
