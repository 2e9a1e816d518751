// Package config loads jobq's environment-driven configuration,
// following the teacher's GetEnv/GetEnvAsInt convention: a missing
// value falls back to the default, and a malformed one logs at Debug
// and falls back to the default, rather than failing startup.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/yungbote/jobq/internal/pkg/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return i
}

func GetEnvAsFloat(key string, defaultVal float64, log *logger.Logger) float64 {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as float, using default", "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return f
}

func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	d, err := time.ParseDuration(valStr)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as duration, using default", "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return d
}

// Postgres holds the connection pieces for the job store.
type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Queue holds the claim-planner tunables from spec.md §4.3 step 1.
type Queue struct {
	MaxParallelJobs    int
	MinFreeConnections int
	AdvisoryNamespace  int32
	DefaultMaxAttempts int
	DefaultMaxRuntime  time.Duration
}

func LoadPostgres(log *logger.Logger) Postgres {
	return Postgres{
		Host:     GetEnv("POSTGRES_HOST", "localhost", log),
		Port:     GetEnv("POSTGRES_PORT", "5432", log),
		User:     GetEnv("POSTGRES_USER", "postgres", log),
		Password: GetEnv("POSTGRES_PASSWORD", "", log),
		Name:     GetEnv("POSTGRES_NAME", "jobq", log),
		SSLMode:  GetEnv("POSTGRES_SSLMODE", "disable", log),
	}
}

// LoadQueue loads the claim-planner configuration: malformed values
// fall back to the defaults, and out-of-range values are clamped into
// the bounds spec.md §4.3 step 1 names.
func LoadQueue(log *logger.Logger) Queue {
	maxParallel := clamp(GetEnvAsInt("JOBQ_MAX_PARALLEL_JOBS", 4, log), 1, 10000)
	minFree := clamp(GetEnvAsInt("JOBQ_MIN_FREE_CONNECTIONS", 5, log), 0, 1000)
	ns := GetEnvAsInt("JOBQ_ADVISORY_NAMESPACE", 875_001, log)
	maxAttempts := GetEnvAsInt("JOBQ_DEFAULT_MAX_ATTEMPTS", 3, log)
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	maxRuntime := GetEnvAsDuration("JOBQ_DEFAULT_MAX_RUNTIME", 30*time.Minute, log)
	return Queue{
		MaxParallelJobs:    maxParallel,
		MinFreeConnections: minFree,
		AdvisoryNamespace:  int32(ns),
		DefaultMaxAttempts: maxAttempts,
		DefaultMaxRuntime:  maxRuntime,
	}
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
