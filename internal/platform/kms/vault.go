package kms

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultTransit wraps keys with a named key in a Vault transit engine. The
// key-encryption key never leaves Vault.
type VaultTransit struct {
	client *api.Client
	key    string
}

func NewVaultTransit(addr, token, keyName string) (*VaultTransit, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultTransit{client: client, key: keyName}, nil
}

func (v *VaultTransit) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := v.client.Logical().WriteWithContext(ctx, "transit/encrypt/"+v.key, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("vault encrypt with key %q: %w", v.key, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("vault encrypt with key %q: empty response", v.key)
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault encrypt with key %q: ciphertext not found in response", v.key)
	}
	return []byte(ciphertext), nil
}

func (v *VaultTransit) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := v.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+v.key, map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, fmt.Errorf("vault decrypt with key %q: %v: %w", v.key, err, ErrUnwrap)
	}
	if resp == nil {
		return nil, fmt.Errorf("vault decrypt with key %q: empty response: %w", v.key, ErrUnwrap)
	}
	encoded, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault decrypt with key %q: plaintext not found: %w", v.key, ErrUnwrap)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt with key %q: decode plaintext: %w", v.key, ErrUnwrap)
	}
	return key, nil
}
