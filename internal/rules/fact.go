package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/solatis/rulekeeper/internal/types"
)

// FactFunc computes a fact value. It may block (I/O, timers) and may ask the
// almanac for other facts.
type FactFunc func(ctx context.Context, params map[string]any, almanac *Almanac) (any, error)

// CacheKeyFunc derives the cache key for a fact invocation.
type CacheKeyFunc func(id string, params map[string]any) (string, error)

// DefaultFactPriority applies to facts and to conditions without an explicit
// priority.
const DefaultFactPriority = 1

// cacheKeyDomain separates fact cache keys from other hashes.
const cacheKeyDomain = "rulekeeper/fact/v1"

// Fact is a named constant or computed value. Immutable after construction.
type Fact struct {
	id        string
	value     any
	calculate FactFunc
	priority  int
	cache     bool
	cacheKey  CacheKeyFunc
}

// FactOption configures a Fact.
type FactOption func(*Fact) error

// WithPriority sets the fact priority. Comparisons without an explicit
// priority inherit it. Must be at least 1.
func WithPriority(priority int) FactOption {
	return func(f *Fact) error {
		if priority < 1 {
			return types.NewValidationError("fact."+f.id+".priority", "must be greater than zero, got %d", priority)
		}
		f.priority = priority
		return nil
	}
}

// WithCache enables or disables result caching (default enabled).
func WithCache(enabled bool) FactOption {
	return func(f *Fact) error {
		f.cache = enabled
		return nil
	}
}

// WithCacheKey replaces the default cache key derivation.
func WithCacheKey(fn CacheKeyFunc) FactOption {
	return func(f *Fact) error {
		if fn == nil {
			return types.NewValidationError("fact."+f.id+".cacheKey", "must not be nil")
		}
		f.cacheKey = fn
		return nil
	}
}

// NewFact creates a fact. A FactFunc (or a function literal with the same
// signature) makes the fact dynamic; any other value makes it constant.
func NewFact(id string, valueOrFunc any, opts ...FactOption) (*Fact, error) {
	if id == "" {
		return nil, types.NewValidationError("fact.id", "must not be empty")
	}
	f := &Fact{
		id:       id,
		priority: DefaultFactPriority,
		cache:    true,
		cacheKey: DefaultCacheKey,
	}
	switch fn := valueOrFunc.(type) {
	case FactFunc:
		if fn == nil {
			return nil, types.NewValidationError("fact."+id, "calculation function must not be nil")
		}
		f.calculate = fn
	case func(context.Context, map[string]any, *Almanac) (any, error):
		if fn == nil {
			return nil, types.NewValidationError("fact."+id, "calculation function must not be nil")
		}
		f.calculate = fn
	default:
		f.value = types.CloneValue(valueOrFunc)
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// MustFact is like NewFact but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFact(id string, valueOrFunc any, opts ...FactOption) *Fact {
	f, err := NewFact(id, valueOrFunc, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Fact) ID() string       { return f.id }
func (f *Fact) Priority() int    { return f.priority }
func (f *Fact) IsConstant() bool { return f.calculate == nil }

// Value returns the constant value (nil for dynamic facts).
func (f *Fact) Value() any { return f.value }

// Calculate returns the constant value or runs the computation.
func (f *Fact) Calculate(ctx context.Context, params map[string]any, almanac *Almanac) (any, error) {
	if f.calculate == nil {
		return f.value, nil
	}
	return f.calculate(ctx, params, almanac)
}

// CacheKey returns the cache key for params. ok is false when caching is
// disabled for this fact.
func (f *Fact) CacheKey(params map[string]any) (key string, ok bool, err error) {
	if !f.cache {
		return "", false, nil
	}
	key, err = f.cacheKey(f.id, params)
	if err != nil {
		return "", false, fmt.Errorf("fact %s: cache key: %w", f.id, err)
	}
	return key, true, nil
}

// DefaultCacheKey hashes {id, params}. encoding/json writes map keys in
// sorted order, so equal params always produce the same key.
// Format: hex(SHA256(domain + 0x00 + json))
func DefaultCacheKey(id string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{"id": id, "params": params})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(cacheKeyDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
