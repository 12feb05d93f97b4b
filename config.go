package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv       = "CUSTODIAN_CONFIG_DIR_PATH"
	defaultConfigDirPath   = "."
	defaultMessageExpiry   = 60 // in seconds
	defaultLedgerCacheSize = 128
	operatorsSeparator     = ","
	privateKeyEnv          = "CUSTODIAN_PRIVATE_KEY"
	operatorsEnv           = "CUSTODIAN_OPERATORS"
	ledgerCacheSizeEnv     = "CUSTODIAN_LEDGER_CACHE_SIZE"
	messageExpiryEnv       = "MSG_EXPIRY_TIME"
	modeEnv                = "CUSTODIAN_MODE"
	databaseURLEnv         = "CUSTODIAN_DATABASE_URL"
)

// Config represents the overall application configuration
type Config struct {
	mode            Mode
	chains          map[uint64]ChainConfig
	operators       map[common.Address]struct{}
	privateKeyHex   string
	dbConf          DatabaseConfig
	msgExpiryTime   int // Time in seconds for message timestamp validation
	ledgerCacheSize int
}

// IsOperator reports whether addr may mutate ledgers.
func (c *Config) IsOperator(addr string) bool {
	if !common.IsHexAddress(addr) {
		return false
	}
	_, ok := c.operators[common.HexToAddress(addr)]
	return ok
}

// LoadConfig builds configuration from environment variables and custodies.yaml
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	mode := Mode(os.Getenv(modeEnv))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		return nil, fmt.Errorf("invalid %s value: %s", modeEnv, mode)
	}
	logger.Info("set mode", "value", mode)

	dbConf, err := loadDatabaseConfig()
	if err != nil {
		logger.Error("failed to read database config", "err", err)
		return nil, err
	}

	privateKeyHex := os.Getenv(privateKeyEnv)
	if privateKeyHex == "" {
		return nil, fmt.Errorf("%s environment variable is required", privateKeyEnv)
	}

	operators, err := parseOperators(os.Getenv(operatorsEnv))
	if err != nil {
		return nil, err
	}
	if len(operators) == 0 {
		logger.Warn("no operators configured, ledgers are read-only", "env", operatorsEnv)
	}

	messageTimestampExpiry := defaultMessageExpiry
	if messageExpiry := os.Getenv(messageExpiryEnv); messageExpiry != "" {
		if parsed, err := strconv.Atoi(messageExpiry); err == nil && parsed > 0 {
			messageTimestampExpiry = parsed
		} else {
			logger.Warn("invalid "+messageExpiryEnv, "messageExpiry", messageExpiry)
		}
	}
	logger.Info("set message expiry time", "value", messageTimestampExpiry)

	ledgerCacheSize := defaultLedgerCacheSize
	if raw := os.Getenv(ledgerCacheSizeEnv); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			ledgerCacheSize = parsed
		} else {
			logger.Warn("invalid "+ledgerCacheSizeEnv, "value", raw)
		}
	}

	chains, err := LoadCustodies(configDirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load custodies: %w", err)
	}
	logger.Info("loaded custodies", "chains", len(chains))

	return &Config{
		mode:            mode,
		chains:          chains,
		operators:       operators,
		privateKeyHex:   privateKeyHex,
		dbConf:          dbConf,
		msgExpiryTime:   messageTimestampExpiry,
		ledgerCacheSize: ledgerCacheSize,
	}, nil
}

// loadDatabaseConfig parses CUSTODIAN_DATABASE_URL when set and falls back to
// the individual CUSTODIAN_DATABASE_* variables otherwise.
func loadDatabaseConfig() (DatabaseConfig, error) {
	if dbURL := os.Getenv(databaseURLEnv); dbURL != "" {
		return ParseConnectionString(dbURL)
	}

	var dbConf DatabaseConfig
	if err := cleanenv.ReadEnv(&dbConf); err != nil {
		return DatabaseConfig{}, err
	}
	return dbConf, nil
}

func parseOperators(raw string) (map[common.Address]struct{}, error) {
	operators := make(map[common.Address]struct{})
	for _, part := range strings.Split(raw, operatorsSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid operator address '%s' in %s", part, operatorsEnv)
		}
		operators[common.HexToAddress(part)] = struct{}{}
	}
	return operators, nil
}
