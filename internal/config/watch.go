package config

import (
	"errors"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/logging"
)

// ErrNoConfigFile is returned by Watch when no config file was found.
var ErrNoConfigFile = errors.New("no config file to watch")

// Watch loads the config and calls onChange with a freshly decoded and
// validated copy every time the file is written. Running sessions keep the
// settings they were started with; the next session picks up the change.
func Watch(cfgFile string, onChange func(*Config)) (*Config, error) {
	v, err := newViper(cfgFile)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return nil, ErrNoConfigFile
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	log := logging.L("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Warn("ignoring config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		next.Validate()
		log.Info("config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
