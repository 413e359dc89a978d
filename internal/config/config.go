// Package config centralizes application configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/usagegate/usagegate/internal/core/domain"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Gate      GateConfig
	Generator GeneratorConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Port string
}

type StorageConfig struct {
	Type     string // "redis" or "memory"
	Redis    RedisConfig
	Database DatabaseConfig
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

type GateConfig struct {
	ActionRules  map[string]domain.ActionRule
	PlanLimits   map[string]int64
	DefaultPlan  string
	CodePattern  string
	StoreTimeout time.Duration
}

type GeneratorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type AdminConfig struct {
	Token string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{Port: getEnv("SERVER_PORT", "8080")}

	storageConfig, err := buildStorageConfig()
	if err != nil {
		return Config{}, err
	}

	gateConfig, err := buildGateConfig()
	if err != nil {
		return Config{}, err
	}

	generatorConfig, err := buildGeneratorConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server:    server,
		Storage:   storageConfig,
		Gate:      gateConfig,
		Generator: generatorConfig,
		Admin:     AdminConfig{Token: os.Getenv("ADMIN_TOKEN")},
	}, nil
}

func buildStorageConfig() (StorageConfig, error) {
	storageType := getEnv("STORAGE_TYPE", "redis")

	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return StorageConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return StorageConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	driver := getEnv("DATABASE_DRIVER", "sqlite")
	switch driver {
	case "sqlite", "postgres":
	default:
		return StorageConfig{}, fmt.Errorf("unsupported DATABASE_DRIVER: %s", driver)
	}

	return StorageConfig{
		Type: storageType,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     port,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
		},
		Database: DatabaseConfig{
			Driver: driver,
			DSN:    getEnv("DATABASE_DSN", "usagegate.db"),
		},
	}, nil
}

func buildGateConfig() (GateConfig, error) {
	rules, err := buildActionRules()
	if err != nil {
		return GateConfig{}, err
	}

	plans, err := buildPlanLimits()
	if err != nil {
		return GateConfig{}, err
	}

	defaultPlan := getEnv("DEFAULT_PLAN", "free")
	if _, ok := plans[defaultPlan]; !ok {
		return GateConfig{}, fmt.Errorf("DEFAULT_PLAN %q has no limit configured", defaultPlan)
	}

	storeTimeoutMs, err := strconv.Atoi(getEnv("STORE_TIMEOUT_MS", "5000"))
	if err != nil {
		return GateConfig{}, fmt.Errorf("invalid STORE_TIMEOUT_MS: %w", err)
	}

	return GateConfig{
		ActionRules:  rules,
		PlanLimits:   plans,
		DefaultPlan:  defaultPlan,
		CodePattern:  getEnv("CODE_PATTERN", `^[A-Z0-9]{8}$`),
		StoreTimeout: time.Duration(storeTimeoutMs) * time.Millisecond,
	}, nil
}

func buildActionRules() (map[string]domain.ActionRule, error) {
	rules := make(map[string]domain.ActionRule)

	defaults := map[string]struct {
		max    string
		window string
	}{
		"generate": {"5", "60000"},
		"redeem":   {"10", "60000"},
		"checkout": {"3", "60000"},
	}

	for action, def := range defaults {
		envPrefix := "RATE_LIMIT_" + strings.ToUpper(action)
		max, err := strconv.Atoi(getEnv(envPrefix+"_MAX", def.max))
		if err != nil {
			return nil, fmt.Errorf("invalid %s_MAX: %w", envPrefix, err)
		}
		windowMs, err := strconv.Atoi(getEnv(envPrefix+"_WINDOW_MS", def.window))
		if err != nil {
			return nil, fmt.Errorf("invalid %s_WINDOW_MS: %w", envPrefix, err)
		}
		rules[action] = domain.ActionRule{
			MaxAttempts: max,
			Window:      time.Duration(windowMs) * time.Millisecond,
		}
	}

	overrides, err := buildActionOverrides()
	if err != nil {
		return nil, err
	}
	for action, rule := range overrides {
		rules[action] = rule
	}

	return rules, nil
}

// buildActionOverrides parses ACTIONS entries of the form
// NAME:MAX_ATTEMPTS:WINDOW_MS, comma separated.
func buildActionOverrides() (map[string]domain.ActionRule, error) {
	raw := strings.TrimSpace(os.Getenv("ACTIONS"))
	if raw == "" {
		return map[string]domain.ActionRule{}, nil
	}

	overrides := make(map[string]domain.ActionRule)
	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("action override must follow NAME:MAX_ATTEMPTS:WINDOW_MS: %s", item)
		}

		name := strings.TrimSpace(parts[0])
		max, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid max attempts for action %s: %w", name, err)
		}
		windowMs, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid window for action %s: %w", name, err)
		}

		overrides[name] = domain.ActionRule{
			MaxAttempts: max,
			Window:      time.Duration(windowMs) * time.Millisecond,
		}
	}

	return overrides, nil
}

func buildPlanLimits() (map[string]int64, error) {
	plans := make(map[string]int64)

	defaults := map[string]string{
		"free":      "10",
		"pro":       "500",
		"unlimited": "-1",
	}
	for plan, def := range defaults {
		limit, err := strconv.ParseInt(getEnv("PLAN_"+strings.ToUpper(plan)+"_MONTHLY_LIMIT", def), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid monthly limit for plan %s: %w", plan, err)
		}
		plans[plan] = limit
	}

	raw := strings.TrimSpace(os.Getenv("PLANS"))
	if raw == "" {
		return plans, nil
	}

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("plan override must follow NAME:MONTHLY_LIMIT: %s", item)
		}
		name := strings.TrimSpace(parts[0])
		limit, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid monthly limit for plan %s: %w", name, err)
		}
		plans[name] = limit
	}

	return plans, nil
}

func buildGeneratorConfig() (GeneratorConfig, error) {
	timeoutMs, err := strconv.Atoi(getEnv("GENERATOR_TIMEOUT_MS", "30000"))
	if err != nil {
		return GeneratorConfig{}, fmt.Errorf("invalid GENERATOR_TIMEOUT_MS: %w", err)
	}

	return GeneratorConfig{
		URL:     os.Getenv("GENERATOR_URL"),
		APIKey:  os.Getenv("GENERATOR_API_KEY"),
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
