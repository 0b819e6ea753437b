package main

import (
	"flag"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/srediag/shmq/pkg/shm"
)

// envPrefix namespaces every setting, e.g. SHMQ_NAME or SHMQ_MAX_COUNT.
const envPrefix = "SHMQ"

// Config holds the command line settings. Environment variables provide the
// defaults and flags override them.
type Config struct {
	Name           string        `envconfig:"NAME" default:"shmq"`
	Dir            string        `envconfig:"DIR"`
	MaxCount       uint          `envconfig:"MAX_COUNT" default:"1024"`
	ElementSize    uint          `envconfig:"ELEMENT_SIZE" default:"64"`
	Lock           string        `envconfig:"LOCK" default:"futex"`
	LockTimeout    time.Duration `envconfig:"LOCK_TIMEOUT"`
	VerifyGeometry bool          `envconfig:"VERIFY_GEOMETRY"`
	Raw            bool          `envconfig:"RAW"`

	Addr         string `envconfig:"ADDR" default:":9108"`
	Workers      int    `envconfig:"WORKERS" default:"4"`
	MinFreeBytes uint64 `envconfig:"MIN_FREE_BYTES" default:"1048576"`
}

// LoadConfig reads the SHMQ_* environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// registerQueueFlags binds the flags shared by every subcommand.
func (c *Config) registerQueueFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Name, "name", c.Name, "queue name")
	fs.StringVar(&c.Dir, "dir", c.Dir, "segment directory (default /dev/shm)")
	fs.UintVar(&c.MaxCount, "count", c.MaxCount, "number of slots, used when creating")
	fs.UintVar(&c.ElementSize, "size", c.ElementSize, "element size in bytes, used when creating")
	fs.StringVar(&c.Lock, "lock", c.Lock, "lock kind: futex or robust")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", c.LockTimeout, "give up on the queue lock after this long (0 waits forever)")
	fs.BoolVar(&c.VerifyGeometry, "verify", c.VerifyGeometry, "reject an existing queue with a different count or size")
	fs.BoolVar(&c.Raw, "raw", c.Raw, "send exact element-sized messages without length framing")
}

func parseLockKind(s string) (shm.LockKind, error) {
	switch strings.ToLower(s) {
	case "", "futex":
		return shm.LockFutex, nil
	case "robust":
		return shm.LockRobust, nil
	default:
		return 0, fmt.Errorf("unknown lock kind %q", s)
	}
}

// QueueConfig converts the settings into a queue config.
func (c *Config) QueueConfig() (*shm.Config, error) {
	if c.MaxCount > math.MaxUint32 || c.ElementSize > math.MaxUint32 {
		return nil, fmt.Errorf("%w: count and size must fit in 32 bits", shm.ErrInvalidConfig)
	}
	lock, err := parseLockKind(c.Lock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shm.ErrInvalidConfig, err)
	}
	config := shm.DefaultConfig()
	config.Name = c.Name
	config.Dir = c.Dir
	config.MaxCount = uint32(c.MaxCount)
	config.ElementSize = uint32(c.ElementSize)
	config.Lock = lock
	config.LockTimeout = c.LockTimeout
	config.VerifyGeometry = c.VerifyGeometry
	if err := shm.VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}
