package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/opscost/opscost/pkg/models"
)

const (
	// DefaultMaxCostBytes bounds the encoded payloads held in memory
	DefaultMaxCostBytes int64 = 32 << 20

	// DefaultTTL is how long a payload is served before the datastore is read again
	DefaultTTL = 30 * time.Second
)

// PayloadCache holds encoded dashboard payloads in memory with a TTL
type PayloadCache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

// New creates a payload cache bounded to maxCostBytes of encoded JSON
func New(maxCostBytes int64, ttl time.Duration) (*PayloadCache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = DefaultMaxCostBytes
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}
	return &PayloadCache{c: c, ttl: ttl}, nil
}

// Get returns the cached payload for key, if present and decodable
func (p *PayloadCache) Get(key string) (*models.Payload, bool) {
	data, found := p.c.Get(key)
	if !found {
		return nil, false
	}

	var payload models.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		p.c.Del(key)
		return nil, false
	}
	return &payload, true
}

// Set stores payload under key. The write is visible to Get on return.
func (p *PayloadCache) Set(key string, payload *models.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	p.c.SetWithTTL(key, data, int64(len(data)), p.ttl)
	p.c.Wait()
	return nil
}

// Delete drops key from the cache
func (p *PayloadCache) Delete(key string) {
	p.c.Del(key)
}

// Close stops the cache's background goroutines
func (p *PayloadCache) Close() {
	p.c.Close()
}
