// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the process-wide configuration of the streaming engine.
// Every field maps to an AUDIO_STREAM_* environment variable.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// WebSocket sub-protocol offered during the handshake.
	SubprotocolName string `mapstructure:"subprotocol_name" validate:"required"`

	// Number of transport worker goroutines. Clamped to 1..=5.
	ServiceThreads int `mapstructure:"service_threads" validate:"min=1,max=5"`

	// Ring buffer depth in seconds of audio. Clamped to 1..=40.
	BufferSecs int `mapstructure:"buffer_secs" validate:"min=1,max=40"`

	// TLS relaxations. Development only.
	AllowSelfsigned             bool `mapstructure:"allow_selfsigned"`
	SkipServerCertHostnameCheck bool `mapstructure:"skip_server_cert_hostname_check"`
	AllowExpired                bool `mapstructure:"allow_expired"`

	// HTTP Basic credentials added to the handshake when both are set.
	HTTPAuthUser     string `mapstructure:"http_auth_user"`
	HTTPAuthPassword string `mapstructure:"http_auth_password"`
}

const envPrefix = "AUDIO_STREAM"

// InitConfig builds the viper instance backed by the process environment.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.SetEnvPrefix(envPrefix)
	vConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "audio-stream")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9098)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("SUBPROTOCOL_NAME", "audio.freeswitch.org")
	v.SetDefault("SERVICE_THREADS", 2)
	v.SetDefault("BUFFER_SECS", 40)

	v.SetDefault("ALLOW_SELFSIGNED", false)
	v.SetDefault("SKIP_SERVER_CERT_HOSTNAME_CHECK", false)
	v.SetDefault("ALLOW_EXPIRED", false)

	v.SetDefault("HTTP_AUTH_USER", "")
	v.SetDefault("HTTP_AUTH_PASSWORD", "")
}

// GetApplicationConfig unmarshals and validates the application config.
// Out-of-range worker and buffer settings are clamped rather than rejected,
// so a misconfigured deployment still comes up with sane bounds.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	config.ServiceThreads = clamp(config.ServiceThreads, 1, 5)
	config.BufferSecs = clamp(config.BufferSecs, 1, 40)

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
