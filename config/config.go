package config

import "github.com/spf13/viper"

// Config holds typed configuration for the export service.
type Config struct {
	LogLevel      string
	HTTPPort      string
	MetricsAddr   string
	PostgresDSN   string
	RedisAddr     string
	KafkaBrokers  string
	KafkaTopic    string
	OTelEndpoint  string
	ExportDir     string
	MaxConcurrent int
	RetentionDays int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		HTTPPort:      v.GetString("http_port"),
		MetricsAddr:   v.GetString("metrics_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RedisAddr:     v.GetString("redis_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		KafkaTopic:    v.GetString("kafka_topic"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
		ExportDir:     v.GetString("export_dir"),
		MaxConcurrent: v.GetInt("max_concurrent"),
		RetentionDays: v.GetInt("retention_days"),
	}
}
