package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/audit"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/handler"
	"otp-service/internal/notifier"
	"otp-service/internal/otp"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient *client.RedisClient

	// Core components
	store   otp.Store
	ledger  otp.Ledger
	sink    audit.Sink
	manager *otp.Manager
	sweeper *otp.Sweeper

	// HTTP layer
	rateLimiter *handler.IPRateLimiter
	otpHandler  *handler.OTPHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeCore(); err != nil {
		return nil, fmt.Errorf("failed to initialize core components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("email_enabled", cfg.EmailEnabled()),
		util.Bool("sms_enabled", cfg.SMSEnabled()),
		util.Bool("audit_enabled", cfg.AuditEnabled()),
	)

	return factory, nil
}

// initializeClients initializes external service clients with health checks
func (f *Factory) initializeClients() error {
	if f.config.Store.Backend != "redis" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	return nil
}

// initializeCore wires the session store, throttle ledger, notifiers,
// audit sink, passcode manager, and expiry sweeper.
func (f *Factory) initializeCore() error {
	clock := otp.SystemClock{}

	if f.config.Store.Backend == "redis" {
		f.store = redisrepo.NewSessionStore(f.redisClient)
		f.ledger = redisrepo.NewThrottleLedger(f.redisClient, f.config.OTP.ThrottleWindow)
	} else {
		f.store = otp.NewMemoryStore()
		f.ledger = otp.NewMemoryLedger(f.config.OTP.ThrottleWindow, clock)
	}

	notifiers := make(map[otp.Channel]otp.Notifier)
	if f.config.EmailEnabled() {
		email, err := notifier.NewEmailNotifier(notifier.EmailConfig{
			Host:        f.config.SMTP.Host,
			Port:        f.config.SMTP.Port,
			Username:    f.config.SMTP.Username,
			Password:    f.config.SMTP.Password,
			FromName:    f.config.SMTP.FromName,
			FromAddress: f.config.SMTP.FromAddress,
		})
		if err != nil {
			return fmt.Errorf("email notifier: %w", err)
		}
		notifiers[otp.ChannelEmail] = email
	}
	if f.config.SMSEnabled() {
		sms, err := notifier.NewSMSNotifier(notifier.SMSConfig{
			APIURL:     f.config.SMS.APIURL,
			AccountSID: f.config.SMS.AccountSID,
			AuthToken:  f.config.SMS.AuthToken,
			FromNumber: f.config.SMS.FromNumber,
		})
		if err != nil {
			return fmt.Errorf("sms notifier: %w", err)
		}
		notifiers[otp.ChannelSMS] = sms
	}

	if f.config.AuditEnabled() {
		f.sink = audit.NewKafkaSink(f.config.Kafka.Brokers, f.config.Kafka.AuditTopic, util.Get())
	} else {
		f.sink = audit.NopSink{}
	}

	policy := otp.Config{
		CodeLength:     f.config.OTP.Length,
		Expiry:         f.config.OTP.Expiry,
		MaxAttempts:    f.config.OTP.MaxAttempts,
		ResendCooldown: f.config.OTP.ResendCooldown,
		ThrottleMax:    f.config.OTP.ThrottleMax,
		SendTimeout:    f.config.OTP.SendTimeout,
	}

	manager, err := otp.NewManager(
		policy,
		f.store,
		f.ledger,
		otp.NewHasher(f.config.OTP.HashCost),
		notifiers,
		clock,
		f.sink,
		util.Get(),
	)
	if err != nil {
		return err
	}
	f.manager = manager

	f.sweeper = otp.NewSweeper(f.store, f.ledger, clock, f.sink, f.config.OTP.SweepInterval, util.Get())

	f.rateLimiter = handler.NewIPRateLimiter(
		otp.NewMemoryLedger(f.config.IPRate.Window, clock),
		f.config.IPRate.Max,
	)
	f.otpHandler = handler.NewOTPHandler(manager, policy)

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Manager() *otp.Manager {
	return f.manager
}

func (f *Factory) Sweeper() *otp.Sweeper {
	return f.sweeper
}

func (f *Factory) OTPHandler() *handler.OTPHandler {
	return f.otpHandler
}

func (f *Factory) RateLimiter() *handler.IPRateLimiter {
	return f.rateLimiter
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Store.Backend == "redis" {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.manager == nil {
		healthErrors["manager"] = fmt.Errorf("passcode manager not initialized")
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.sweeper != nil {
			f.sweeper.Stop()
			util.Info("Expiry sweeper stopped")
		}

		if kafkaSink, ok := f.sink.(*audit.KafkaSink); ok {
			if err := kafkaSink.Close(); err != nil {
				util.Error("Failed to close Kafka audit sink", util.ErrorField(err))
			} else {
				util.Info("Kafka audit sink closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}
