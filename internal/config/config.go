package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Device  DeviceConfig  `yaml:"device"`
	Capture CaptureConfig `yaml:"capture"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// DeviceConfig はUSBデバイス関連の設定
type DeviceConfig struct {
	// CommandTimeout はコマンド1回あたりの応答待ち時間
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// ScanInterval は着脱検出スキャンの間隔
	ScanInterval time.Duration `yaml:"scan_interval"`

	// AutoConnect は挿入されたデバイスを自動接続するか
	AutoConnect bool `yaml:"auto_connect"`
}

// CaptureConfig は一斉撮影の設定
type CaptureConfig struct {
	// Mode はデフォルトの撮影モード（parallel / sequential）
	Mode string `yaml:"mode"`

	// Timeout は一斉撮影全体のタイムアウト
	Timeout time.Duration `yaml:"timeout"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Device: DeviceConfig{
			CommandTimeout: 3 * time.Second,
			ScanInterval:   2 * time.Second,
			AutoConnect:    true,
		},
		Capture: CaptureConfig{
			Mode:    "parallel",
			Timeout: 15 * time.Second,
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル（pathが空でなければ） → 環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Device.CommandTimeout <= 0 {
		return fmt.Errorf("無効なコマンドタイムアウト: %v", c.Device.CommandTimeout)
	}
	if c.Device.ScanInterval <= 0 {
		return fmt.Errorf("無効なスキャン間隔: %v", c.Device.ScanInterval)
	}

	if c.Capture.Mode != "parallel" && c.Capture.Mode != "sequential" {
		return fmt.Errorf("無効な撮影モード: %s", c.Capture.Mode)
	}
	if c.Capture.Timeout <= 0 {
		return fmt.Errorf("無効な撮影タイムアウト: %v", c.Capture.Timeout)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
