/*
Copyright 2023 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConnectionInfo describes how to reach the shared redis instance.
type RedisConnectionInfo struct {
	Address  string
	Username string
	Password string
	DB       int
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, info RedisConnectionInfo) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     info.Address,
		Username: info.Username,
		Password: info.Password,
		DB:       info.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "connection to redis %s failed", info.Address)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return errors.Wrapf(err, "redis failed setting %s", key)
	}
	return nil
}

func (s *redisStore) GetField(ctx context.Context, key, field string) (string, bool, error) {
	value, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis failed reading %s field %s", key, field)
	}
	return value, true, nil
}

func (s *redisStore) GetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis failed reading %s", key)
	}
	return fields, nil
}

func (s *redisStore) DeleteField(ctx context.Context, key, field string) (bool, error) {
	deleted, err := s.client.HDel(ctx, key, field).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis failed deleting %s field %s", key, field)
	}
	return deleted == 1, nil
}

func (s *redisStore) DeleteKey(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redis failed deleting %s", key)
	}
	return nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	armed, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "redis failed expiring %s", key)
	}
	if !armed {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return errors.Wrapf(err, "redis failed checking %s", key)
		}
		if exists > 0 {
			return errors.Errorf("redis failed expiring %s", key)
		}
	}
	return nil
}

func (s *redisStore) IncrementField(ctx context.Context, key, field string, n int64) error {
	if err := s.client.HIncrBy(ctx, key, field, n).Err(); err != nil {
		return errors.Wrapf(err, "redis failed incrementing %s field %s", key, field)
	}
	return nil
}

func (s *redisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis failed scanning %s", pattern)
	}
	return keys, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
