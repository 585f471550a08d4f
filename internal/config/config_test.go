package config

import (
	"strings"
	"testing"
	"time"
)

// Загрузка с чистым окружением даёт валидные значения по умолчанию
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.AckTimeout != 3*time.Second {
		t.Errorf("AckTimeout = %v, want 3s", cfg.Engine.AckTimeout)
	}
	if cfg.Engine.ZombieAge != 300*time.Second {
		t.Errorf("ZombieAge = %v, want 300s", cfg.Engine.ZombieAge)
	}
	if cfg.Engine.ReconcileInterval != 30*time.Second {
		t.Errorf("ReconcileInterval = %v, want 30s", cfg.Engine.ReconcileInterval)
	}
	if cfg.Supervisor.CheckInterval != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s", cfg.Supervisor.CheckInterval)
	}
	if cfg.Supervisor.GracePeriod != 10*time.Second {
		t.Errorf("GracePeriod = %v, want 10s", cfg.Supervisor.GracePeriod)
	}
}

// Переопределение через окружение
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ORDER_ACK_TIMEOUT", "5s")
	t.Setenv("MAX_PLACE_RETRIES", "2")
	t.Setenv("DB_NAME", "papertrade_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.AckTimeout != 5*time.Second {
		t.Errorf("AckTimeout = %v, want 5s", cfg.Engine.AckTimeout)
	}
	if cfg.Engine.MaxPlaceRetries != 2 {
		t.Errorf("MaxPlaceRetries = %d, want 2", cfg.Engine.MaxPlaceRetries)
	}
	if cfg.Storage.DBName != "papertrade_test" {
		t.Errorf("DBName = %s, want papertrade_test", cfg.Storage.DBName)
	}
}

// Валидация диапазонов
func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad server port", "SERVER_PORT", "70000"},
		{"zombie below ack", "ORDER_ZOMBIE_AGE", "1s"},
		{"too many retries", "MAX_PLACE_RETRIES", "11"},
		{"short master key", "MASTER_KEY", "tooshort"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load must fail with %s=%s", tt.key, tt.value)
			}
		})
	}
}

// DSN для логов не содержит пароль
func TestDSNWithoutPassword(t *testing.T) {
	s := StorageConfig{
		DBHost: "localhost", DBPort: 5432, DBUser: "u",
		DBPassword: "secret", DBName: "papertrade", DBSSLMode: "disable",
	}

	if strings.Contains(s.DSNWithoutPassword(), "secret") {
		t.Error("DSNWithoutPassword leaked the password")
	}
	if !strings.Contains(s.DSN(), "secret") {
		t.Error("DSN must contain the password")
	}
}
