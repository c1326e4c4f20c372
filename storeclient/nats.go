package storeclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/logging"
	"arena-validator/types"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const defaultCacheSize = 128

// NatsStore implements SharedStore on two JetStream key-value buckets: one
// holding content blobs keyed by digest, one holding round announcements.
type NatsStore struct {
	nc       *nats.Conn
	content  nats.KeyValue
	announce nats.KeyValue
	cache    *lru.Cache[string, []byte]
}

func ConnectToNats(host string, port int, name string) (*nats.Conn, error) {
	return nats.Connect(
		"nats://"+host+":"+strconv.Itoa(port),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func NewNatsStore(config apiconfig.StoreConfig, clientName string) (*NatsStore, error) {
	nc, err := ConnectToNats(config.Nats.Host, config.Nats.Port, clientName)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to nats")
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "getting JetStream context")
	}

	content, err := EnsureBucket(js, config.ContentBucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	announce, err := EnsureBucket(js, config.AnnounceBucket)
	if err != nil {
		nc.Close()
		return nil, err
	}

	cacheSize := config.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "creating content cache")
	}

	return &NatsStore{nc: nc, content: content, announce: announce, cache: cache}, nil
}

// EnsureBucket opens a key-value bucket, creating it on first use.
func EnsureBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, errors.Wrap(err, "looking up bucket "+bucket)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, errors.Wrap(err, "creating bucket "+bucket)
	}
	return kv, nil
}

// ContentAddress is the digest used to key immutable blobs.
func ContentAddress(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func (s *NatsStore) PutContent(ctx context.Context, data []byte) (string, error) {
	address := ContentAddress(data)
	if _, err := s.content.Put(address, data); err != nil {
		return "", errors.Wrap(err, "storing content")
	}
	s.cache.Add(address, data)
	logging.Debug("Stored content", types.Store, "address", address, "bytes", len(data))
	return address, nil
}

func (s *NatsStore) GetContent(ctx context.Context, address string) ([]byte, error) {
	if data, ok := s.cache.Get(address); ok {
		return data, nil
	}
	entry, err := s.content.Get(address)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching content %s", address)
	}
	data := entry.Value()
	if ContentAddress(data) != address {
		return nil, errors.Errorf("content at %s fails digest verification", address)
	}
	s.cache.Add(address, data)
	return data, nil
}

type announcement struct {
	Validator string `json:"validator"`
	Address   string `json:"address"`
}

func (s *NatsStore) Announce(ctx context.Context, round int64, validatorId string, address string) error {
	value, err := json.Marshal(announcement{Validator: validatorId, Address: address})
	if err != nil {
		return errors.Wrap(err, "encoding announcement")
	}
	if _, err := s.announce.Put(announceKey(round, validatorId), value); err != nil {
		return errors.Wrapf(err, "announcing round %d", round)
	}
	logging.Info("Announced snapshot", types.Store,
		"round", round, "validator", validatorId, "address", address)
	return nil
}

func (s *NatsStore) Announcements(ctx context.Context, round int64) (map[string]string, error) {
	keys, err := s.announce.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrap(err, "listing announcements")
	}

	prefix := fmt.Sprintf("round.%d.", round)
	found := make(map[string]string)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.announce.Get(key)
		if err != nil {
			logging.Warn("Skipping unreadable announcement", types.Store, "key", key, "error", err)
			continue
		}
		var record announcement
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			logging.Warn("Skipping malformed announcement", types.Store, "key", key, "error", err)
			continue
		}
		found[record.Validator] = record.Address
	}
	return found, nil
}

func (s *NatsStore) Close() {
	s.nc.Close()
}

// announceKey sanitizes the validator id for use in a KV key; the
// authoritative id lives in the value.
func announceKey(round int64, validatorId string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, validatorId)
	return fmt.Sprintf("round.%d.%s", round, safe)
}

var _ SharedStore = (*NatsStore)(nil)
