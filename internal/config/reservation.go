package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReservationPolicy holds the reservation knobs that can change without a restart.
type ReservationPolicy struct {
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	RetryBackoff   time.Duration `mapstructure:"retryBackoff"`
	RateLimitRate  float64       `mapstructure:"rateLimitRate"`
	RateLimitBurst int           `mapstructure:"rateLimitBurst"`
}

func DefaultReservationPolicy() ReservationPolicy {
	return ReservationPolicy{
		MaxAttempts:    3,
		RetryBackoff:   50 * time.Millisecond,
		RateLimitRate:  5,
		RateLimitBurst: 20,
	}
}

var defaultPolicyPaths = []string{
	"/var/lib/slotbook/config",
	"/etc/slotbook",
	".",
}

type ReservationPolicyHolder struct {
	current atomic.Value // holds ReservationPolicy
}

func NewReservationPolicyHolder(log *zap.Logger) (*ReservationPolicyHolder, error) {
	return loadReservationPolicy(log, defaultPolicyPaths)
}

// NewStaticReservationPolicy returns a holder that never reloads.
func NewStaticReservationPolicy(policy ReservationPolicy) *ReservationPolicyHolder {
	holder := &ReservationPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func loadReservationPolicy(log *zap.Logger, paths []string) (*ReservationPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.reservation")

	v := viper.New()
	v.SetConfigName("booking")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("SLOTBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReservationPolicy()
	v.SetDefault("reservation.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("reservation.retryBackoff", defaults.RetryBackoff)
	v.SetDefault("reservation.rateLimitRate", defaults.RateLimitRate)
	v.SetDefault("reservation.rateLimitBurst", defaults.RateLimitBurst)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var policy ReservationPolicy
	if err := v.UnmarshalKey("reservation", &policy); err != nil {
		return nil, err
	}
	if err := validateReservationPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticReservationPolicy(policy)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReservationPolicy
		if err := v.UnmarshalKey("reservation", &updated); err != nil {
			log.Warn("reservation policy reload failed", zap.Error(err))
			return
		}
		if err := validateReservationPolicy(updated); err != nil {
			log.Warn("invalid reservation policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reservation policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ReservationPolicyHolder) Get() ReservationPolicy {
	if h == nil {
		return DefaultReservationPolicy()
	}
	return h.current.Load().(ReservationPolicy)
}

func validateReservationPolicy(policy ReservationPolicy) error {
	if policy.MaxAttempts < 1 {
		return errors.New("reservation.maxAttempts must be at least 1")
	}
	if policy.RetryBackoff < 0 {
		return errors.New("reservation.retryBackoff cannot be negative")
	}
	if policy.RateLimitRate <= 0 || policy.RateLimitBurst <= 0 {
		return errors.New("reservation rate limit must be positive")
	}
	return nil
}
