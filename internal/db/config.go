package db

import "time"

// Config is the Database Handle's open configuration (§6.4's observable
// configuration), following backend.BackendConfig's
// options-struct-plus-constructor idiom.
type Config struct {
	Name           string
	Path           string
	ColumnFamilies []string

	Pessimistic bool

	NoBlockCache       bool
	ParallelismThreads int

	TransactionLogsPath           string
	TransactionLogMaxSize         int64
	TransactionLogRetention       time.Duration
	TransactionLogMaxAgeThreshold float64

	EnableStats bool
	StatsLevel  int

	SharedStructuresKey string

	LocalCacheSoftBound int
	RevalidatorInterval time.Duration
}

func DefaultConfig(path string) Config {
	return Config{
		Path:                          path,
		ColumnFamilies:                []string{"default"},
		ParallelismThreads:            4,
		TransactionLogMaxAgeThreshold: 0.9,
		LocalCacheSoftBound:           10_000,
		RevalidatorInterval:           10 * time.Second,
	}
}
