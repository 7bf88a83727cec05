package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Auth     struct {
		// Secret signs and verifies session tokens. It must be a base64
		// encoded string; the default is a random 32 byte key, which only
		// works when the token issuer shares the process.
		Secret Base64Encoded `validate:"required"`
	}
	Broker struct {
		// HeartbeatInterval is the liveness probe period.
		HeartbeatInterval time.Duration `validate:"required"`
		// TypingTimeout is the age at which a typing entry expires.
		TypingTimeout time.Duration `validate:"required"`
		// SweepInterval is the typing expiry scan period.
		SweepInterval time.Duration `validate:"required"`
	}
	Redis struct {
		// Addr enables the cross-instance relay bus when set.
		Addr string
		DB   int
	}
	// AllowedOrigins is a list of origins that are allowed to connect to
	// the server. The default is ["*"].
	AllowedOrigins []string
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from an optional config.yaml and
// environment variables. Invalid values are not rejected here; they are
// caught by the validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("hostname", "0.0.0.0")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))

	viper.SetDefault("broker.heartbeatinterval", "30s")
	viper.SetDefault("broker.typingtimeout", "3s")
	viper.SetDefault("broker.sweepinterval", "1s")

	viper.SetDefault("allowedorigins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
