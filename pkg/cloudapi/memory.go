package cloudapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// FaultClass selects the error class an injected fault produces.
type FaultClass string

const (
	FaultThrottle  FaultClass = "throttle"
	FaultConflict  FaultClass = "conflict"
	FaultTransient FaultClass = "transient"
)

// Fault makes the next Remaining matching calls fail.
type Fault struct {
	Class     FaultClass
	Remaining int
}

// MemoryClient is an in-memory control plane. It is safe for
// concurrent use.
type MemoryClient struct {
	mu      sync.Mutex
	records map[string]map[string]*Record
	faults  map[string]*Fault
	logger  zerolog.Logger
}

// NewMemoryClient creates an empty in-memory control plane.
func NewMemoryClient(logger zerolog.Logger) *MemoryClient {
	return &MemoryClient{
		records: make(map[string]map[string]*Record),
		faults:  make(map[string]*Fault),
		logger:  logger.With().Str("component", "cloudapi").Logger(),
	}
}

// InjectFault arms a fault for an operation on a kind. Pass OpCreate,
// OpGet, OpUpdate, OpDelete or OpList.
func (c *MemoryClient) InjectFault(op, kind string, fault Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := fault
	c.faults[faultKey(op, kind)] = &f
}

func faultKey(op, kind string) string {
	return op + "/" + kind
}

// trip consumes one armed fault charge, returning the injected error.
func (c *MemoryClient) trip(op, kind, name string) error {
	fault, ok := c.faults[faultKey(op, kind)]
	if !ok || fault.Remaining <= 0 {
		return nil
	}
	fault.Remaining--

	c.logger.Debug().
		Str("op", op).
		Str("kind", kind).
		Str("name", name).
		Str("class", string(fault.Class)).
		Int("remaining", fault.Remaining).
		Msg("injected fault")

	switch fault.Class {
	case FaultThrottle:
		return engine.NewThrottledError(
			fmt.Sprintf("%s %s/%s: rate limit exceeded", op, kind, name), nil).
			WithCode(engine.ErrCodeRateLimited)
	case FaultConflict:
		return engine.NewConflictError(
			fmt.Sprintf("%s %s/%s: concurrent modification", op, kind, name), nil).
			WithCode(engine.ErrCodeConflict)
	default:
		return engine.NewTransientError(
			fmt.Sprintf("%s %s/%s: backend unavailable", op, kind, name), nil).
			WithCode(engine.ErrCodeTimeout)
	}
}

func (c *MemoryClient) kind(kind string) map[string]*Record {
	records, ok := c.records[kind]
	if !ok {
		records = make(map[string]*Record)
		c.records[kind] = records
	}
	return records
}

func selfLink(kind, name string) string {
	return fmt.Sprintf("mem://%s/%s", kind, name)
}

func (c *MemoryClient) Create(ctx context.Context, kind, name string, attrs map[string]interface{}) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trip(OpCreate, kind, name); err != nil {
		return nil, err
	}

	records := c.kind(kind)
	if _, exists := records[name]; exists {
		return nil, engine.NewConflictError(
			fmt.Sprintf("%s %s already exists", kind, name), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}

	now := time.Now()
	record := &Record{
		Kind:       kind,
		Name:       name,
		Attrs:      cloneAttrs(attrs),
		Generation: 1,
		SelfLink:   selfLink(kind, name),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	records[name] = record

	c.logger.Debug().Str("kind", kind).Str("name", name).Msg("created")
	return copyRecord(record), nil
}

func (c *MemoryClient) Get(ctx context.Context, kind, name string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trip(OpGet, kind, name); err != nil {
		return nil, err
	}

	record, ok := c.kind(kind)[name]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s %s not found", kind, name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return copyRecord(record), nil
}

func (c *MemoryClient) Update(ctx context.Context, kind, name string, attrs map[string]interface{}, generation int64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trip(OpUpdate, kind, name); err != nil {
		return nil, err
	}

	record, ok := c.kind(kind)[name]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s %s not found", kind, name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if record.Generation != generation {
		return nil, engine.NewConflictError(
			fmt.Sprintf("%s %s: generation %d does not match %d", kind, name, generation, record.Generation), nil).
			WithCode(engine.ErrCodeConflict)
	}

	record.Attrs = cloneAttrs(attrs)
	record.Generation++
	record.UpdatedAt = time.Now()

	c.logger.Debug().Str("kind", kind).Str("name", name).Int64("generation", record.Generation).Msg("updated")
	return copyRecord(record), nil
}

func (c *MemoryClient) Delete(ctx context.Context, kind, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trip(OpDelete, kind, name); err != nil {
		return err
	}

	delete(c.kind(kind), name)
	c.logger.Debug().Str("kind", kind).Str("name", name).Msg("deleted")
	return nil
}

func (c *MemoryClient) List(ctx context.Context, kind string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trip(OpList, kind, ""); err != nil {
		return nil, err
	}

	records := c.kind(kind)
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, *copyRecord(r))
	}
	return out, nil
}

func cloneAttrs(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func copyRecord(r *Record) *Record {
	copied := *r
	copied.Attrs = cloneAttrs(r.Attrs)
	return &copied
}
