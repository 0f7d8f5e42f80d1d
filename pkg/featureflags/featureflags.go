package featureflags

import (
	"context"
	"sync"
	"time"

	"donation-reconciler/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	WebhookPipeline       = "webhook_pipeline"
	ReconciliationSweeper = "reconciliation_sweeper"
)

type FeatureFlag interface {
	// Enabled reports the flag state, or fallback when the provider is unavailable.
	Enabled(ctx context.Context, name string, fallback bool) bool
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("[FeatureFlags] flagsmith not configured, using defaults")
		return Static{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithBaseURL(p.Config.Flagsmith.Addr),
		flagsmith.WithAnalytics(),
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
		ttl:    30 * time.Second,
	}
}

type featureflag struct {
	client *flagsmith.Client
	ttl    time.Duration

	mu      sync.Mutex
	flags   flagsmith.Flags
	fetched time.Time
	loaded  bool
}

func (s *featureflag) environmentFlags() (flagsmith.Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded && time.Since(s.fetched) < s.ttl {
		return s.flags, nil
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		if s.loaded {
			return s.flags, nil
		}
		return flagsmith.Flags{}, err
	}

	s.flags, s.fetched, s.loaded = flags, time.Now(), true
	return flags, nil
}

func (s *featureflag) Enabled(ctx context.Context, name string, fallback bool) bool {
	flags, err := s.environmentFlags()
	if err != nil {
		zap.L().Warn("[FeatureFlags] flagsmith unavailable, using fallback", zap.String("flag", name), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static serves fixed flag values; unknown flags use the caller's fallback.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, name string, fallback bool) bool {
	if v, ok := s[name]; ok {
		return v
	}
	return fallback
}
