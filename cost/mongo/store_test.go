package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/cost"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}

func TestAppendAndListRange(t *testing.T) {
	store := mustNewTestStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		err := store.Append(ctx, cost.Metrics{
			Operation: "summarize",
			TenantID:  "t1",
			CostUSD:   float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	records, err := store.ListRange(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2, "start inclusive, end exclusive")
	require.Equal(t, 1.0, records[0].CostUSD, "oldest first")
	require.Equal(t, 2.0, records[1].CostUSD)
}

func TestAppendRequiresOperation(t *testing.T) {
	store := mustNewTestStore()
	err := store.Append(context.Background(), cost.Metrics{})
	require.EqualError(t, err, "operation name is required")
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	store := mustNewTestStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, cost.Metrics{Operation: "op"}))

	records, err := store.ListRange(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Timestamp.IsZero())
}

func mustNewTestStore() *Store {
	s, err := newStoreWithCollection(nil, newFakeCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return s
}

type fakeCollection struct {
	mu           sync.Mutex
	indexCreated bool
	docs         []costDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{}
}

func (c *fakeCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cd, ok := doc.(costDocument)
	if !ok {
		return nil, errors.New("unsupported document")
	}
	c.docs = append(c.docs, cd)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bounds := filter.(bson.M)["timestamp"].(bson.M)
	start := bounds["$gte"].(time.Time)
	end := bounds["$lt"].(time.Time)
	var out []costDocument
	for _, doc := range c.docs {
		if !doc.Timestamp.Before(start) && doc.Timestamp.Before(end) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return fakeCursor{docs: out}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *bool
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent = true
	return "timestamp_tenant_idx", nil
}

type fakeCursor struct {
	docs []costDocument
}

func (c fakeCursor) All(_ context.Context, results any) error {
	target, ok := results.(*[]costDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = append([]costDocument(nil), c.docs...)
	return nil
}
