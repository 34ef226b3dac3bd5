// Package storeindex answers "does this series already exist in the storage
// backend?" through interchangeable backends selected by DSN scheme.
package storeindex

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Checker performs the existence check for one series. A (nil, nil) return
// means the series is not in storage.
type Checker interface {
	CheckSeries(ctx context.Context, source, seriesUID string) (*seriesrelay.FoundResource, error)
}

// Resolve runs one existence check and folds the result into the outcome
// shape the reconciler consumes. Transport failures become data, never
// errors: a failed check reads as resolved-to-not-found with the failure
// message attached.
func Resolve(ctx context.Context, checker Checker, key seriesrelay.SeriesKey) seriesrelay.ExistenceOutcome {
	found, err := checker.CheckSeries(ctx, key.Source, key.SeriesUID)
	if err != nil {
		return seriesrelay.ExistenceOutcome{Requested: true, Err: err.Error()}
	}
	return seriesrelay.ExistenceOutcome{Requested: true, Found: found}
}

// MemoryChecker is an in-memory series index for tests and development.
type MemoryChecker struct {
	mu      sync.Mutex
	entries map[seriesrelay.SeriesKey]seriesrelay.FoundResource
}

func NewMemoryChecker() *MemoryChecker {
	return &MemoryChecker{entries: map[seriesrelay.SeriesKey]seriesrelay.FoundResource{}}
}

// Add indexes a series as present in storage.
func (c *MemoryChecker) Add(key seriesrelay.SeriesKey, resource seriesrelay.FoundResource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resource
}

func (c *MemoryChecker) CheckSeries(_ context.Context, source, seriesUID string) (*seriesrelay.FoundResource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resource, ok := c.entries[seriesrelay.SeriesKey{Source: source, SeriesUID: seriesUID}]
	if !ok {
		return nil, nil
	}
	copied := resource
	return &copied, nil
}

// CheckerFactory builds a Checker for one DSN.
type CheckerFactory func(dsn string) (Checker, error)

var checkerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CheckerFactory
}{
	factories: map[string]CheckerFactory{},
}

// RegisterCheckerFactory lets callers plug in a backend for a custom scheme,
// overriding the built-in dispatch.
func RegisterCheckerFactory(scheme string, factory CheckerFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	checkerFactoryRegistry.mu.Lock()
	defer checkerFactoryRegistry.mu.Unlock()
	checkerFactoryRegistry.factories[scheme] = factory
}

func lookupCheckerFactory(scheme string) (CheckerFactory, bool) {
	scheme = normalizeScheme(scheme)
	checkerFactoryRegistry.mu.RLock()
	defer checkerFactoryRegistry.mu.RUnlock()
	factory, ok := checkerFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildCheckerFromDSN dispatches on the DSN scheme: http/https for the
// storage REST API, postgres for a direct index query, memory for tests.
func BuildCheckerFromDSN(dsn string) (Checker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupCheckerFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "http", "https":
		return NewHTTPChecker(dsn), nil
	case "postgres", "postgresql":
		return NewPostgresChecker(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryChecker(), nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: existence backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported existence backend scheme: %s", scheme)
	}
}
