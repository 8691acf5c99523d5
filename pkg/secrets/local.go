// Copyright 2026 fanjia1024
// Environment and in-memory secret stores

package secrets

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	apperrors "gen-dispatch/pkg/errors"
)

type envStore struct{}

// NewEnvStore 创建环境变量 secret store；key 中的 / 与 - 映射为 _ 并转大写（db/dsn -> DB_DSN）
func NewEnvStore() Store {
	return &envStore{}
}

func envKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key))
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(envKey(key))
	if value == "" {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "environment variable %s", envKey(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envKey(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envKey(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	p := envKey(prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(name, p) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// memoryStore 仅用于开发与测试
type memoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore 创建内存 secret store
func NewMemoryStore() Store {
	return &memoryStore{secrets: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.secrets[key]
	if !ok {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "secret %s", key)
	}
	return value, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.secrets {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
