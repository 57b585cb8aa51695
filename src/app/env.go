package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/HeapDB/src/pkg/utils"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

const (
	EvictionLRU   = "lru"
	EvictionClock = "clock"
)

type Config struct {
	Environment    string `envconfig:"ENVIRONMENT"     default:"dev"`
	DataDir        string `envconfig:"DATA_DIR"        default:"./data"`
	BufferPoolSize uint64 `envconfig:"BUFFERPOOL_SIZE" default:"50"`
	PageSize       int    `envconfig:"PAGE_SIZE"       default:"4096"`
	EvictionPolicy string `envconfig:"EVICTION_POLICY" default:"lru"`
	ForceOnCommit  bool   `envconfig:"FORCE_ON_COMMIT" default:"true"`

	// zero means waiting until the lock is granted or a deadlock is found
	LockWaitTimeout time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"0s"`
}

// LoadConfig reads the configuration from the environment. Variables from
// an optional .env file in the working directory are loaded first and never
// override the ones already set.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env: %w", err)
	}
	return cfg, nil
}

func mustLoadEnv() Config {
	return utils.Must(LoadConfig())
}
