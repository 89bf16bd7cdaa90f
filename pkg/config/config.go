// Package config loads typed configuration structs from environment
// variables, with an optional .env file for local development. Each struct
// type is parsed once per process and cached, so independent components can
// load their own config without coordinating.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig indicates environment variables could not be parsed
	// into the config struct.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	// ErrNilPointer indicates a nil pointer was passed to Load.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)

var (
	mu     sync.Mutex
	cache  = make(map[string]any)
	dotenv sync.Once
)

// Load parses environment variables into the provided struct based on its
// `env` field tags. The first call loads the default .env file when one
// exists; each struct type is parsed exactly once and cached afterwards.
//
// Example:
//
//	type PaymentConfig struct {
//		WebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET,required"`
//		MaxEventAge   time.Duration `env:"PAYMENT_MAX_EVENT_AGE" envDefault:"5m"`
//	}
//
//	var cfg PaymentConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	dotenv.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	key := typeName[T]()

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	cache[key] = *v
	return nil
}

// MustLoad works like Load but panics on failure: configuration errors
// should prevent startup, not surface later.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

func typeName[T any]() string {
	t := reflect.TypeOf(*new(T))
	if t == nil {
		return fmt.Sprintf("%T", *new(T))
	}
	return t.String()
}
