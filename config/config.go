package config

import "time"

// Configuration is built once by Load at startup and passed by reference into
// every component. Nothing outside this package reads the process environment.
type Configuration struct {
	// Server config
	Server struct {
		Port      int    `yaml:"port"`
		RedisPort int    `yaml:"redis_port"`
		RedisHost string `yaml:"redis_host"`
		LogLevel  string `yaml:"log_level"`
	} `yaml:"server"`
	// Stacks-related config
	Stacks struct {
		RPCList         []string `yaml:"rpc_list"`
		GatewayContract string   `yaml:"gateway_contract"`
		Confirmations   int      `yaml:"confirmations"`
		PollSeconds     int      `yaml:"poll_seconds"`
		PageSize        int      `yaml:"page_size"`
		// relayer key authorized for relayer-update-stage
		RelayerKey string `yaml:"relayer_key"`
	} `yaml:"stacks"`
	// EVM-related config
	EVM struct {
		ChainID         int      `yaml:"chain_id"`
		RPCList         []string `yaml:"rpc_list"`
		ManagerContract string   `yaml:"manager_contract"`
		Confirmations   int      `yaml:"confirmations"`
		BlockBatch      int      `yaml:"block_batch"`
		SafetyWindow    int      `yaml:"safety_window"`
		PollSeconds     int      `yaml:"poll_seconds"`
		PublicAddress   string   `yaml:"address"`
		// important private stuff
		PrivateKey string `yaml:"private_key"`
	} `yaml:"EVM"`
	Relayer struct {
		MaxRetries        int     `yaml:"max_retries"`
		RetryDelaySeconds int     `yaml:"retry_delay_seconds"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		MaxDelaySeconds   int     `yaml:"max_delay_seconds"`
		BatchSize         int     `yaml:"batch_size"`
		RPCTimeoutSeconds int     `yaml:"rpc_timeout_seconds"`
		AckTimeoutSeconds int     `yaml:"ack_timeout_seconds"`
		SweepSeconds      int     `yaml:"sweep_seconds"`
		// sBTC/USD rate applied only when price conversion is on;
		// supplied externally, the relayer never prices on its own
		PriceConversion bool   `yaml:"price_conversion"`
		ExchangeRate    string `yaml:"exchange_rate"`
	} `yaml:"relayer"`
}

func (c *Configuration) RPCTimeout() time.Duration {
	return time.Duration(c.Relayer.RPCTimeoutSeconds) * time.Second
}

func (c *Configuration) RetryDelay() time.Duration {
	return time.Duration(c.Relayer.RetryDelaySeconds) * time.Second
}

func (c *Configuration) MaxRetryDelay() time.Duration {
	return time.Duration(c.Relayer.MaxDelaySeconds) * time.Second
}

func (c *Configuration) AckTimeout() time.Duration {
	return time.Duration(c.Relayer.AckTimeoutSeconds) * time.Second
}

// decimal scales on the two sides of the bridge; the dispatcher scales by the
// fixed power of ten between them when building destination calls
const StacksDecimals = 6
const EVMDecimals = 18

// maximum number of EVM RPC submission attempts within one dispatch
const EVM_RETRIES = 3
