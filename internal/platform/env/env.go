// Package env resolves configuration values.
//
// Keys use the dotted form ("http.addr"). When a viper instance has been
// installed with Use, values come from it (config file, flags and
// DEPLOYPIPE_* environment variables). Otherwise the key is upper-cased,
// dots become underscores and the process environment is consulted.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Source is the subset of *viper.Viper used for lookups.
type Source interface {
	IsSet(key string) bool
	GetString(key string) string
}

const Prefix = "DEPLOYPIPE"

var (
	mu     sync.RWMutex
	source Source
)

// Use installs src as the lookup source. Passing nil restores the
// process environment.
func Use(src Source) {
	mu.Lock()
	defer mu.Unlock()
	source = src
}

// EnvName maps a dotted key to its environment variable name.
func EnvName(key string) string {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), ".", "_"))
	return Prefix + "_" + name
}

func lookup(key string) (string, bool) {
	mu.RLock()
	src := source
	mu.RUnlock()
	if src != nil {
		if src.IsSet(key) {
			return src.GetString(key), true
		}
		return "", false
	}
	return os.LookupEnv(EnvName(key))
}

func String(key string, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := lookup(key); ok {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}
