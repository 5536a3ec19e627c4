package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statesync/internal/cache"
	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
)

// Type is the connected-system type served by this package.
const Type = "memory"

// ErrUnknownItem is returned for outward calls on an item that did not
// come from the dataset's latest Fetch.
var ErrUnknownItem = errors.New("item is not from the latest fetch")

type record struct {
	fields *model.Fields
}

// Connector keeps items per dataset in memory.
// Safe for concurrent use.
type Connector struct {
	mu      sync.Mutex
	sets    map[string][]*record
	order   []string
	fetched map[*model.Fields]*record
	closed  bool

	cache *cache.Cache[*model.Fields]
}

var _ engine.Connector = (*Connector)(nil)

// Option configures a Connector.
type Option func(*config)

type config struct {
	ttl time.Duration
	now func() time.Time
}

// WithCacheTTL sets the lookup cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithClock overrides the lookup cache clock.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// New creates an empty connector.
func New(opts ...Option) *Connector {
	cfg := config{ttl: cache.DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Connector{
		sets:    make(map[string][]*record),
		fetched: make(map[*model.Fields]*record),
		cache:   cache.New[*model.Fields](cfg.ttl, cache.WithClock(cfg.now)),
	}
}

// Open creates a connector seeded from the YAML file at path.
// An empty path yields an empty connector.
func Open(path string, opts ...Option) (*Connector, error) {
	c := New(opts...)
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for _, name := range seed.Names {
		c.Set(name, seed.Items[name]...)
	}
	return c, nil
}

// Set replaces the items of dataset name.
func (c *Connector) Set(name string, items ...*model.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sets[name]; !ok {
		c.order = append(c.order, name)
	}
	records := make([]*record, len(items))
	for i, item := range items {
		records[i] = &record{fields: item.Clone()}
	}
	c.sets[name] = records
}

// Items returns copies of dataset name's items in order.
func (c *Connector) Items(name string) []*model.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*model.Fields, len(c.sets[name]))
	for i, r := range c.sets[name] {
		out[i] = r.fields.Clone()
	}
	return out
}

// DataSetNames returns dataset names in the order they were first set.
func (c *Connector) DataSetNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Fetch returns copies of the dataset's items. Outward calls must pass
// items returned by the most recent Fetch.
func (c *Connector) Fetch(ctx context.Context, ds *model.DataSet) ([]*model.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}

	for f, r := range c.fetched {
		if c.owns(ds.Name, r) {
			delete(c.fetched, f)
		}
	}

	records := c.sets[ds.Name]
	out := make([]*model.Fields, len(records))
	for i, r := range records {
		out[i] = r.fields.Clone()
		c.fetched[out[i]] = r
	}
	return out, nil
}

// CreateOutward appends a copy of fields to the dataset.
func (c *Connector) CreateOutward(ctx context.Context, ds *model.DataSet, fields *model.Fields) (*model.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}

	if _, ok := c.sets[ds.Name]; !ok {
		c.order = append(c.order, ds.Name)
	}
	r := &record{fields: fields.Clone()}
	c.sets[ds.Name] = append(c.sets[ds.Name], r)

	created := r.fields.Clone()
	c.fetched[created] = r
	return created, nil
}

// UpdateOutward writes action.SystemChanges to the stored item and to
// action.SystemItem.
func (c *Connector) UpdateOutward(ctx context.Context, ds *model.DataSet, action *engine.SyncAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	r, ok := c.fetched[action.SystemItem]
	if !ok || !c.owns(ds.Name, r) {
		return fmt.Errorf("update %s: %w", ds.Name, ErrUnknownItem)
	}
	for _, change := range action.SystemChanges {
		r.fields.Set(change.Field, model.CloneValue(change.New))
		action.SystemItem.Set(change.Field, model.CloneValue(change.New))
	}
	return nil
}

// DeleteOutward removes the stored item fields was fetched from.
func (c *Connector) DeleteOutward(ctx context.Context, ds *model.DataSet, fields *model.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	r, ok := c.fetched[fields]
	if !ok {
		return fmt.Errorf("delete %s: %w", ds.Name, ErrUnknownItem)
	}
	records := c.sets[ds.Name]
	i := slices.Index(records, r)
	if i < 0 {
		return fmt.Errorf("delete %s: %w", ds.Name, ErrUnknownItem)
	}
	c.sets[ds.Name] = slices.Delete(records, i, i+1)
	delete(c.fetched, fields)
	return nil
}

// QueryLookup returns field of the single item query matches.
// Single matches are cached by query text.
func (c *Connector) QueryLookup(ctx context.Context, query, field string, zero, multi expr.MatchPolicy) (model.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if item, ok := c.cache.TryGet(query); ok {
		return expr.FieldOf(item, field), nil
	}

	q, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	matches := c.match(q)
	c.mu.Unlock()

	item, v, err := expr.Pick(matches, field, zero, multi)
	if err != nil {
		return nil, err
	}
	if item != nil {
		c.cache.Store(query, item)
	}
	return v, nil
}

// ClearCache drops cached lookup results.
func (c *Connector) ClearCache() {
	c.cache.Clear()
}

// Close releases the connector. Later calls fail.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.fetched = make(map[*model.Fields]*record)
	c.cache.Clear()
	return nil
}

var errClosed = errors.New("memory connector is closed")

func (c *Connector) owns(name string, r *record) bool {
	return slices.Contains(c.sets[name], r)
}

// match returns copies of the items satisfying q. Caller holds c.mu.
func (c *Connector) match(q query) []*model.Fields {
	names := c.order
	if q.dataSet != "" {
		names = []string{q.dataSet}
	}

	var out []*model.Fields
	for _, name := range names {
		for _, r := range c.sets[name] {
			if q.matches(r.fields) {
				out = append(out, r.fields.Clone())
			}
		}
	}
	return out
}

type condition struct {
	field string
	value string
}

type query struct {
	dataSet    string
	conditions []condition
}

// parseQuery parses "[dataset:]field=value[,field=value...]".
func parseQuery(text string) (query, error) {
	var q query
	body := text
	if name, rest, ok := strings.Cut(text, ":"); ok && !strings.Contains(name, "=") {
		q.dataSet = strings.TrimSpace(name)
		body = rest
	}

	for _, part := range strings.Split(body, ",") {
		field, value, ok := strings.Cut(part, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return query{}, fmt.Errorf("lookup query %q: want field=value", text)
		}
		q.conditions = append(q.conditions, condition{field: field, value: strings.TrimSpace(value)})
	}
	return q, nil
}

func (q query) matches(f *model.Fields) bool {
	for _, c := range q.conditions {
		v, ok := f.Get(c.field)
		if !ok || model.Render(v) != c.value {
			return false
		}
	}
	return true
}

// Seed is a parsed seed file.
type Seed struct {
	Names []string
	Items map[string][]*model.Fields
}

// ParseSeed parses a YAML seed document, keeping dataset and field order.
func ParseSeed(data []byte) (*Seed, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	seed := &Seed{Items: make(map[string][]*model.Fields)}
	if len(doc.Content) == 0 {
		return seed, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: seed must map dataset names to item lists", root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		name, list := root.Content[i].Value, root.Content[i+1]
		if list.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("line %d: dataset %q must be a list of items", list.Line, name)
		}
		items := make([]*model.Fields, 0, len(list.Content))
		for _, node := range list.Content {
			v, err := model.ValueFromYAML(node)
			if err != nil {
				return nil, fmt.Errorf("dataset %q: %w", name, err)
			}
			f, ok := v.(*model.Fields)
			if !ok {
				return nil, fmt.Errorf("line %d: dataset %q: item must be a mapping", node.Line, name)
			}
			items = append(items, f)
		}
		if _, dup := seed.Items[name]; !dup {
			seed.Names = append(seed.Names, name)
		}
		seed.Items[name] = items
	}
	return seed, nil
}
