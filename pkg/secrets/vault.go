// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	vault "github.com/hashicorp/vault/api"

	apperrors "gen-dispatch/pkg/errors"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string // Vault server address (e.g., http://vault:8200)
	Token      string // Vault token
	PathPrefix string // Secret path prefix；KV v2 挂载时写 "secret/data"
}

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault secret store；创建时做一次健康检查
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := "secret"
	if config.PathPrefix != "" {
		prefix = strings.TrimSuffix(config.PathPrefix, "/")
	}
	return &vaultStore{client: client, pathPrefix: prefix}, nil
}

func (v *vaultStore) buildPath(key string) string {
	return v.pathPrefix + "/" + strings.TrimPrefix(key, "/")
}

// secretValue 从 secret.Data 取值；兼容 KV v2 的 data.data 嵌套，优先 "value" 字段
func secretValue(data map[string]interface{}) (string, bool) {
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	if s, ok := data["value"].(string); ok {
		return s, true
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := data[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.buildPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "vault secret %s", key)
	}
	val, ok := secretValue(secret.Data)
	if !ok {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "vault secret %s has no string value", key)
	}
	return val, nil
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	data := map[string]interface{}{"value": value}
	if strings.HasSuffix(v.pathPrefix, "/data") {
		data = map[string]interface{}{"data": data}
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.buildPath(key), data); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.buildPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := strings.Replace(v.pathPrefix, "/data", "/metadata", 1)
	if prefix != "" {
		listPath = listPath + "/" + strings.Trim(prefix, "/")
	}
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var result []string
	for _, k := range raw {
		s, ok := k.(string)
		if !ok {
			continue
		}
		if prefix != "" {
			s = strings.Trim(prefix, "/") + "/" + s
		}
		result = append(result, s)
	}
	sort.Strings(result)
	return result, nil
}
