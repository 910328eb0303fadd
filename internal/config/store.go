package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store holds the active Config. Reloads decode into a fresh value and swap
// the pointer, so a Config obtained from Current is never mutated.
type Store struct {
	current atomic.Pointer[Config]
	v       *viper.Viper
	logger  *zap.Logger

	mu        sync.Mutex
	listeners []func(Config)
}

// NewStore wraps an already validated Config. Stores built this way never reload.
func NewStore(cfg Config) *Store {
	s := &Store{logger: zap.NewNop()}
	s.current.Store(&cfg)
	return s
}

// LoadStore reads path (optional) plus the environment and returns a Store
// that can follow the file with Watch.
func LoadStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	s := &Store{v: v, logger: logger.Named("config")}
	s.current.Store(&cfg)
	return s, nil
}

// SetLogger replaces the logger used to report reloads. The service logger
// is built from the loaded config, so it arrives after LoadStore.
func (s *Store) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger.Named("config")
	}
}

// Current returns the active configuration.
func (s *Store) Current() Config {
	return *s.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func(Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Watch starts following the config file. Invalid edits are logged and ignored.
func (s *Store) Watch() {
	if s.v == nil || s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.reload(); err != nil {
			s.logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		s.logger.Info("config reloaded", zap.String("file", e.Name))
	})
	s.v.WatchConfig()
}

func (s *Store) reload() error {
	if s.v.ConfigFileUsed() != "" {
		if err := s.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(s.v)
	if err != nil {
		return err
	}
	s.current.Store(&cfg)

	s.mu.Lock()
	listeners := append([]func(Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}
