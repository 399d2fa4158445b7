package redis

import (
	"fmt"
	"time"

	"gopropbridge/config"
	"gopropbridge/types"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
)

// Store is the durable side of the relayer: chain cursors, the idempotency
// ledger and stage-synchronizer state. A single relayer instance owns it.
type Store struct {
	pool *redis.Pool
	log  zerolog.Logger
}

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

func New(cfg *config.Configuration, log zerolog.Logger) (*Store, error) {
	redisAddr := fmt.Sprintf("%s:%d", cfg.Server.RedisHost, cfg.Server.RedisPort)
	pool := &redis.Pool{
		MaxIdle: 5,
		Dial:    func() (redis.Conn, error) { return redis.Dial("tcp", redisAddr, timeoutDialOptions()...) },
	}

	// without persistence do not continue
	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, fmt.Errorf("cannot reach redis at %s: %w", redisAddr, err)
	}

	return &Store{pool: pool, log: log.With().Str("component", "redis").Logger()}, nil
}

func cursorKey(chain types.ChainKey) string {
	return fmt.Sprintf("cursor:%s", chain)
}

// GetCursor returns the last fully processed block height for the chain,
// or -1 when the chain has never been scanned.
func (s *Store) GetCursor(chain types.ChainKey) (int64, error) {
	conn := s.pool.Get()
	defer conn.Close()

	height, err := redis.Int64(conn.Do("GET", cursorKey(chain)))
	if err == nil {
		return height, nil
	}
	if err == redis.ErrNil {
		return -1, nil
	}

	s.log.Error().Err(err).Msg("error Redis GET cursor")
	return -1, err
}

func (s *Store) SetCursor(chain types.ChainKey, height int64) error {
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SET", cursorKey(chain), height); err != nil {
		s.log.Error().Err(err).Msg("error Redis SET cursor")
		return err
	}
	return nil
}
