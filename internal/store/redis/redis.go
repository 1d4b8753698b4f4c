// Package redis stores the index document, its version counter, the vectors and
// the full signal records in Redis through rueidis.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/store"
)

// casScript replaces KEYS[1] with ARGV[1] and bumps the counter at KEYS[2] when
// the counter equals ARGV[2]. ARGV[2] == "" requires that KEYS[1] is absent and
// "*" skips the check. Returns {1, new_version} or {0, current_version}.
const casScript = `
local cur = redis.call('GET', KEYS[2]) or '0'
if ARGV[2] ~= '*' then
  if ARGV[2] == '' then
    if redis.call('EXISTS', KEYS[1]) == 1 then
      return {0, cur}
    end
  elseif cur ~= ARGV[2] then
    return {0, cur}
  end
end
redis.call('SET', KEYS[1], ARGV[1])
return {1, tostring(redis.call('INCR', KEYS[2]))}
`

// Config holds connection parameters for a Redis store.
type Config struct {
	Addrs     []string
	Password  string
	KeyPrefix string
}

func init() {
	store.RegisterBackend("redis", func(cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
		password := cfg.Storage.Redis.Password
		if password == "" {
			v, err := config.GetConfigValue("LISTEN_STORAGE_REDIS_PASSWORD")
			if err != nil {
				return nil, err
			}
			password = v
		}
		logger.Debug("opening redis store", zap.Strings("addrs", cfg.Storage.Redis.Addrs))
		return NewStore(Config{
			Addrs:     cfg.Storage.Redis.Addrs,
			Password:  password,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	})
}

// Store is a store.Backend on Redis.
type Store struct {
	client rueidis.Client
	prefix string
}

var (
	_ store.Backend           = (*Store)(nil)
	_ store.RecordPersistence = (*Store)(nil)
)

// NewStore creates a Redis store via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Password:     cfg.Password,
		DisableCache: true,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "failed to create redis client")
	}
	return &Store{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) b() rueidis.Builder { return s.client.B() }

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) indexKey() string   { return s.prefix + "index" }
func (s *Store) versionKey() string { return s.prefix + "index:version" }
func (s *Store) vectorKey(key string) string {
	return s.prefix + "vec:" + key
}
func (s *Store) recordKey(source, key string) string {
	return s.prefix + "signal:" + source + ":" + key
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.do(ctx, s.b().Ping().Build()).Error(); err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "ping")
	}
	return nil
}

func (s *Store) LoadIndex(ctx context.Context) ([]byte, string, error) {
	cmd := s.b().Mget().Key(s.indexKey(), s.versionKey()).Build()
	vals, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, "", errs.Wrap(err, errs.CodeBackendFailure, "load index")
	}
	if len(vals) != 2 {
		return nil, "", errs.Errorf(errs.CodeBackendFailure, "load index: unexpected MGET reply of %d values", len(vals))
	}
	if vals[0].IsNil() {
		return nil, store.NoVersion, errs.New(errs.CodeIndexNotFound, "index document does not exist", errs.Field("key", s.indexKey()))
	}
	data, err := vals[0].AsBytes()
	if err != nil {
		return nil, "", errs.Wrap(err, errs.CodeBackendFailure, "load index")
	}
	version := "0"
	if !vals[1].IsNil() {
		if version, err = vals[1].ToString(); err != nil {
			return nil, "", errs.Wrap(err, errs.CodeBackendFailure, "load index version")
		}
	}
	return data, version, nil
}

func (s *Store) SaveIndex(ctx context.Context, data []byte, expect string) (string, error) {
	cmd := s.b().Eval().Script(casScript).Numkeys(2).
		Key(s.indexKey(), s.versionKey()).
		Arg(rueidis.BinaryString(data), expect).
		Build()
	reply, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "save index")
	}
	if len(reply) != 2 {
		return "", errs.Errorf(errs.CodeBackendFailure, "save index: unexpected reply of %d values", len(reply))
	}
	ok, err := reply[0].AsInt64()
	if err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "save index")
	}
	version, err := reply[1].ToString()
	if err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "save index")
	}
	if ok != 1 {
		return "", errs.New(errs.CodeIndexConflict, "index changed since it was loaded",
			errs.Field("expected", expect), errs.Field("current", version))
	}
	return version, nil
}

func (s *Store) PutVector(ctx context.Context, key string, data []byte) (string, error) {
	k := s.vectorKey(key)
	cmd := s.b().Set().Key(k).Value(rueidis.BinaryString(data)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "write vector", errs.Field("key", k))
	}
	return "redis:" + k, nil
}

func (s *Store) GetVector(ctx context.Context, key string) ([]byte, error) {
	k := s.vectorKey(key)
	data, err := s.do(ctx, s.b().Get().Key(k).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, errs.New(errs.CodeVectorNotFound, "vector not found", errs.Field("key", k))
		}
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "read vector", errs.Field("key", k))
	}
	return data, nil
}

func (s *Store) PutRecord(ctx context.Context, source, key string, data []byte) error {
	k := s.recordKey(source, key)
	cmd := s.b().Set().Key(k).Value(rueidis.BinaryString(data)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "write signal record", errs.Field("key", k))
	}
	return nil
}
