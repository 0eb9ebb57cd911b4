package tracker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/valkey-io/valkey-go"
)

// DefaultValkeyKeyPrefix prefixes every key written by ValkeyStore.
const DefaultValkeyKeyPrefix = "inboxmeet:"

// ValkeyConfig configures a Valkey-backed store.
type ValkeyConfig struct {
	// Addr is the server address, e.g. "valkey.namespace.svc:6379".
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	KeyPrefix  string
}

// hashClient is the subset of hash commands the store needs.
type hashClient interface {
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
	Close()
}

type valkeyHash struct {
	client valkey.Client
}

func (v valkeyHash) HSet(ctx context.Context, key, field, value string) error {
	return v.client.Do(ctx, v.client.B().Hset().Key(key).FieldValue().FieldValue(field, value).Build()).Error()
}

func (v valkeyHash) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return v.client.Do(ctx, v.client.B().Hgetall().Key(key).Build()).AsStrMap()
}

func (v valkeyHash) HDel(ctx context.Context, key, field string) error {
	return v.client.Do(ctx, v.client.B().Hdel().Key(key).Field(field).Build()).Error()
}

func (v valkeyHash) Close() {
	v.client.Close()
}

// ValkeyStore keeps one hash per account; each field is a meeting id holding
// the JSON record.
type ValkeyStore struct {
	client hashClient
	key    string
}

// NewValkeyStore connects to Valkey and returns a store for account.
func NewValkeyStore(cfg ValkeyConfig, account string) (*ValkeyStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	opt := valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	}
	if cfg.TLSEnabled {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Addr, err)
	}
	return newValkeyStore(valkeyHash{client: client}, cfg.KeyPrefix, account), nil
}

func newValkeyStore(client hashClient, prefix, account string) *ValkeyStore {
	if prefix == "" {
		prefix = DefaultValkeyKeyPrefix
	}
	if account == "" {
		account = "default"
	}
	return &ValkeyStore{client: client, key: prefix + "meetings:" + account}
}

// Load implements Store.
func (s *ValkeyStore) Load(ctx context.Context) ([]Meeting, error) {
	fields, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.key, err)
	}
	out := make([]Meeting, 0, len(fields))
	for id, raw := range fields {
		var m Meeting
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to decode meeting %s: %w", id, err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put implements Store.
func (s *ValkeyStore) Put(ctx context.Context, m Meeting) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode meeting %s: %w", m.ID, err)
	}
	if err := s.client.HSet(ctx, s.key, m.ID, string(data)); err != nil {
		return fmt.Errorf("failed to write meeting %s: %w", m.ID, err)
	}
	return nil
}

// Delete implements Store.
func (s *ValkeyStore) Delete(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.key, id); err != nil {
		return fmt.Errorf("failed to delete meeting %s: %w", id, err)
	}
	return nil
}

// Close releases the connection.
func (s *ValkeyStore) Close() {
	s.client.Close()
}
