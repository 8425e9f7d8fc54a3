package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/runfleet/pkg/types"
)

// ErrMissingSetting is returned when a required config map key is absent
var ErrMissingSetting = errors.New("missing required controller setting")

// Config map keys
const (
	SettingBootstrap           = "bootstrap"
	SettingMaxEngines          = "max_engines"
	SettingEngineLabel         = "engine_label"
	SettingNodeArch            = "node_arch"
	SettingRunPoll             = "run_poll"
	SettingEncryptionKeysName  = "encryption_keys_secret_name"
	SettingEngineImage         = "engine_image"
	SettingEngineCPURequest    = "engine_cpu_request"
	SettingEngineCPULimit      = "engine_cpu_limit"
	SettingEngineMemoryRequest = "engine_memory_request"
	SettingEngineMemoryLimit   = "engine_memory_limit"
)

// Defaults for optional settings
const (
	DefaultMaxEngines  = 1
	DefaultEngineLabel = "k8s-standard-engine"
	DefaultRunPoll     = 20 * time.Second
	DefaultEngineImage = "ghcr.io/galasa-dev/galasa-boot-embedded-amd64:main"
)

// ParseSettings builds a settings snapshot from the controller config map.
// A missing bootstrap URL is an error. Malformed optional values are logged
// and replaced by their defaults.
func ParseSettings(cm *corev1.ConfigMap, logger zerolog.Logger) (*types.ControllerSettings, error) {
	data := cm.Data

	bootstrap := strings.TrimSpace(data[SettingBootstrap])
	if bootstrap == "" {
		return nil, fmt.Errorf("config map %s/%s: %w: %s", cm.Namespace, cm.Name, ErrMissingSetting, SettingBootstrap)
	}

	s := &types.ControllerSettings{
		Namespace:                cm.Namespace,
		BootstrapURL:             bootstrap,
		MaxEngines:               DefaultMaxEngines,
		EngineLabel:              DefaultEngineLabel,
		EngineImage:              DefaultEngineImage,
		NodeArch:                 strings.TrimSpace(data[SettingNodeArch]),
		RunPoll:                  DefaultRunPoll,
		EncryptionKeysSecretName: strings.TrimSpace(data[SettingEncryptionKeysName]),
		Version:                  cm.ResourceVersion,
	}

	if v := strings.TrimSpace(data[SettingMaxEngines]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Warn().Str("key", SettingMaxEngines).Str("value", v).Int("default", DefaultMaxEngines).Msg("Invalid setting, using default")
		} else {
			s.MaxEngines = n
		}
	}

	if v := strings.TrimSpace(data[SettingRunPoll]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Warn().Str("key", SettingRunPoll).Str("value", v).Dur("default", DefaultRunPoll).Msg("Invalid setting, using default")
		} else {
			s.RunPoll = time.Duration(n) * time.Second
		}
	}

	if v := strings.TrimSpace(data[SettingEngineLabel]); v != "" {
		s.EngineLabel = v
	}
	if v := strings.TrimSpace(data[SettingEngineImage]); v != "" {
		s.EngineImage = v
	}

	quantities := []struct {
		key   string
		field *string
	}{
		{SettingEngineCPURequest, &s.EngineCPURequest},
		{SettingEngineCPULimit, &s.EngineCPULimit},
		{SettingEngineMemoryRequest, &s.EngineMemoryRequest},
		{SettingEngineMemoryLimit, &s.EngineMemoryLimit},
	}
	for _, q := range quantities {
		v := strings.TrimSpace(data[q.key])
		if v == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v); err != nil {
			logger.Warn().Err(err).Str("key", q.key).Str("value", v).Msg("Invalid resource quantity, ignoring")
			continue
		}
		*q.field = v
	}

	return s, nil
}

// SettingsCache holds the last parsed settings snapshot and re-parses the
// config map only when its resourceVersion changes.
type SettingsCache struct {
	client    kubernetes.Interface
	namespace string
	name      string
	logger    zerolog.Logger

	current atomic.Pointer[types.ControllerSettings]
}

// NewSettingsCache creates a cache for the named config map
func NewSettingsCache(client kubernetes.Interface, namespace, name string, logger zerolog.Logger) *SettingsCache {
	return &SettingsCache{
		client:    client,
		namespace: namespace,
		name:      name,
		logger:    logger,
	}
}

// Current returns the cached snapshot, or nil before the first Refresh
func (c *SettingsCache) Current() *types.ControllerSettings {
	return c.current.Load()
}

// Refresh reads the config map and returns the settings for this cycle. An
// unchanged resourceVersion returns the cached snapshot. When a changed
// config map fails to parse, the previous snapshot stays in force.
func (c *SettingsCache) Refresh(ctx context.Context) (*types.ControllerSettings, error) {
	cm, err := c.client.CoreV1().ConfigMaps(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read config map %s/%s: %w", c.namespace, c.name, err)
	}

	cached := c.current.Load()
	if cached != nil && cm.ResourceVersion != "" && cached.Version == cm.ResourceVersion {
		return cached, nil
	}

	parsed, err := ParseSettings(cm, c.logger)
	if err != nil {
		if cached != nil {
			c.logger.Error().Err(err).Str("version", cached.Version).Msg("Keeping previous controller settings")
			return cached, nil
		}
		return nil, err
	}
	parsed.Namespace = c.namespace

	c.current.Store(parsed)
	c.logger.Info().
		Str("version", parsed.Version).
		Str("bootstrap", parsed.BootstrapURL).
		Int("max_engines", parsed.MaxEngines).
		Str("engine_label", parsed.EngineLabel).
		Dur("run_poll", parsed.RunPoll).
		Msg("Loaded controller settings")
	return parsed, nil
}
