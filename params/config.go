package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Fees holds the protocol-wide fee configuration.
// All rates are in basis points (10000 = 100%).
type Fees struct {
	ProtocolBps int64 // protocol fee on secondary-sale proceeds
	// MaxRoyaltyBps caps the combined royalty rate an offer may declare.
	MaxRoyaltyBps int64
	// MaxTotalBps caps protocol + royalty combined; a settlement whose
	// effective rates exceed this is rejected before any funds move.
	MaxTotalBps int64
}

type Engine struct {
	// Escrow is the engine's own custody account. Funds measured during
	// price discovery flow through this account.
	Escrow common.Address
	// Treasury receives the protocol share of every settlement.
	Treasury common.Address
	// WrappedNative is the fungible-token representation of the native
	// settlement currency, used for pull-based (Bid/Wrapper) flows.
	WrappedNative common.Address
}

type Storage struct {
	CustodyDBPath  string
	ExchangeDBPath string
	JournalDBPath  string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Config struct {
	Fees    Fees
	Engine  Engine
	Storage Storage
	API     API
	LogFile string
}

func Default() Config {
	return Config{
		Fees: Fees{
			ProtocolBps:   50,   // 0.5%
			MaxRoyaltyBps: 1000, // 10%
			MaxTotalBps:   4000, // 40%
		},
		Engine: Engine{
			Escrow:        common.HexToAddress("0x0000000000000000000000000000000000000E5C"),
			Treasury:      common.HexToAddress("0x0000000000000000000000000000000000007EE5"),
			WrappedNative: common.HexToAddress("0x000000000000000000000000000000000000AAA0"),
		},
		Storage: Storage{
			CustodyDBPath:  "./data/custody.db",
			ExchangeDBPath: "./data/exchanges.db",
			JournalDBPath:  "./data/journal.db",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		LogFile: "data/resaled.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("PROTOCOL_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.ProtocolBps = bps
		}
	}
	if v := os.Getenv("MAX_ROYALTY_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.MaxRoyaltyBps = bps
		}
	}
	if v := os.Getenv("MAX_TOTAL_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.MaxTotalBps = bps
		}
	}

	if v := os.Getenv("ESCROW_ADDRESS"); v != "" && common.IsHexAddress(v) {
		cfg.Engine.Escrow = common.HexToAddress(v)
	}
	if v := os.Getenv("TREASURY_ADDRESS"); v != "" && common.IsHexAddress(v) {
		cfg.Engine.Treasury = common.HexToAddress(v)
	}
	if v := os.Getenv("WRAPPED_NATIVE_ADDRESS"); v != "" && common.IsHexAddress(v) {
		cfg.Engine.WrappedNative = common.HexToAddress(v)
	}

	if v := os.Getenv("CUSTODY_DB_PATH"); v != "" {
		cfg.Storage.CustodyDBPath = v
	}
	if v := os.Getenv("EXCHANGE_DB_PATH"); v != "" {
		cfg.Storage.ExchangeDBPath = v
	}
	if v := os.Getenv("JOURNAL_DB_PATH"); v != "" {
		cfg.Storage.JournalDBPath = v
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	return cfg
}
