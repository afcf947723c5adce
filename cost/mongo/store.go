// Package mongo archives spend records in MongoDB so attribution can reach
// past the in-process ring. The store implements cost.Store over a narrow
// collection interface.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/cost"
)

const (
	defaultCollection = "cost_records"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "cost-mongo"
)

// Options configures the archive store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements cost.Store on MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(name)
	wrapper := mongoCollection{coll: mcoll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, wrapper, timeout)
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return storeName }

// Ping verifies connectivity to the backing store.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append implements cost.Store.
func (s *Store) Append(ctx context.Context, record cost.Metrics) error {
	if record.Operation == "" {
		return errors.New("operation name is required")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromMetrics(record))
	return err
}

// ListRange implements cost.Store: records with start <= timestamp < end,
// oldest first.
func (s *Store) ListRange(ctx context.Context, start, end time.Time) ([]cost.Metrics, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"timestamp": bson.M{"$gte": start.UTC(), "$lt": end.UTC()}}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []costDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]cost.Metrics, len(docs))
	for i, doc := range docs {
		out[i] = doc.toMetrics()
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type costDocument struct {
	Operation        string    `bson:"operation"`
	Provider         string    `bson:"provider,omitempty"`
	Model            string    `bson:"model,omitempty"`
	TenantID         string    `bson:"tenant_id,omitempty"`
	PlanID           string    `bson:"plan_id,omitempty"`
	StepID           string    `bson:"step_id,omitempty"`
	PromptTokens     int       `bson:"prompt_tokens"`
	CompletionTokens int       `bson:"completion_tokens"`
	CostUSD          float64   `bson:"cost_usd"`
	DurationMs       int64     `bson:"duration_ms"`
	Timestamp        time.Time `bson:"timestamp"`
}

func fromMetrics(m cost.Metrics) costDocument {
	return costDocument{
		Operation:        m.Operation,
		Provider:         m.Provider,
		Model:            m.Model,
		TenantID:         m.TenantID,
		PlanID:           m.PlanID,
		StepID:           m.StepID,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		CostUSD:          m.CostUSD,
		DurationMs:       m.DurationMs,
		Timestamp:        m.Timestamp.UTC(),
	}
}

func (doc costDocument) toMetrics() cost.Metrics {
	return cost.Metrics{
		Operation:        doc.Operation,
		Provider:         doc.Provider,
		Model:            doc.Model,
		TenantID:         doc.TenantID,
		PlanID:           doc.PlanID,
		StepID:           doc.StepID,
		PromptTokens:     doc.PromptTokens,
		CompletionTokens: doc.CompletionTokens,
		CostUSD:          doc.CostUSD,
		DurationMs:       doc.DurationMs,
		Timestamp:        doc.Timestamp,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: 1}, {Key: "tenant_id", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
