package service

import (
	"time"

	"smsup-service/internal/bucketing"
	"smsup-service/internal/config"
	"smsup-service/internal/events"
	"smsup-service/internal/metrics"
	"smsup-service/internal/model"
)

// Dependencies groups what the services need from the outside world.
type Dependencies struct {
	Sessions   model.SessionRepository
	Credits    model.CreditRepository
	Limiter    RequestLimiter
	Daily      DailyCounter
	Dispatcher CodeDispatcher
	Hasher     CodeHasher
	Cipher     FieldCipher
	Billing    BillingAPI
	Buckets    *bucketing.BucketingManager
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg           *config.Config
	deps          Dependencies
	otpService    *OTPService
	creditService *CreditService
}

func NewServiceFactory(cfg *config.Config, deps Dependencies) *ServiceFactory {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &ServiceFactory{cfg: cfg, deps: deps}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.deps.Sessions,
			f.deps.Limiter,
			f.deps.Daily,
			f.deps.Dispatcher,
			f.deps.Hasher,
			f.deps.Buckets,
			RandomCodes{},
			f.deps.Publisher,
			f.deps.Metrics,
			f.cfg.OTP,
			f.deps.Clock,
		)
	}
	return f.otpService
}

// CreditService returns the credit service instance (singleton)
func (f *ServiceFactory) CreditService() *CreditService {
	if f.creditService == nil {
		f.creditService = NewCreditService(
			f.deps.Credits,
			f.deps.Billing,
			f.deps.Cipher,
			f.deps.Publisher,
			f.deps.Metrics,
			f.cfg.Credit.Staleness,
			f.deps.Clock,
		)
	}
	return f.creditService
}

// Cleanup drops the cached service instances.
func (f *ServiceFactory) Cleanup() {
	f.otpService = nil
	f.creditService = nil
}
