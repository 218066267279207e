package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/XiaoChennnng/DeepResearchPro/model"
)

// BucketTaskCache is the JetStream KV bucket holding task caches.
const BucketTaskCache = "RESEARCH_TASK_CACHE"

// NATSKV is a TaskCache backed by a NATS JetStream key-value bucket.
// Useful when several monitor instances share one deployment and should
// see each other's last observed state. Keys are
// task.{id}.plan and task.{id}.sources.
type NATSKV struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
}

// NewNATSKV connects to NATS and binds (or creates) the cache bucket.
func NewNATSKV(ctx context.Context, url string) (*NATSKV, error) {
	conn, err := nats.Connect(url, nats.Name("researchmon-cache"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, BucketTaskCache)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketTaskCache,
			Description: "DeepResearchPro reconciled task state",
			History:     1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create cache bucket: %w", err)
		}
	}

	return &NATSKV{conn: conn, kv: kv}, nil
}

func taskKey(taskID int64, kind string) string {
	return "task." + strconv.FormatInt(taskID, 10) + "." + kind
}

func (n *NATSKV) load(ctx context.Context, taskID int64, kind string, out any) error {
	entry, err := n.kv.Get(ctx, taskKey(taskID, kind))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), out); err != nil {
		return fmt.Errorf("parse cache entry: %w", err)
	}
	return nil
}

func (n *NATSKV) save(ctx context.Context, taskID int64, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if _, err := n.kv.Put(ctx, taskKey(taskID, kind), data); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// LoadPlan implements TaskCache.
func (n *NATSKV) LoadPlan(ctx context.Context, taskID int64) ([]model.PlanNode, error) {
	var nodes []model.PlanNode
	if err := n.load(ctx, taskID, kindPlan, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// SavePlan implements TaskCache.
func (n *NATSKV) SavePlan(ctx context.Context, taskID int64, nodes []model.PlanNode) error {
	return n.save(ctx, taskID, kindPlan, nodes)
}

// LoadSources implements TaskCache.
func (n *NATSKV) LoadSources(ctx context.Context, taskID int64) ([]model.DataItem, error) {
	var items []model.DataItem
	if err := n.load(ctx, taskID, kindSources, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveSources implements TaskCache.
func (n *NATSKV) SaveSources(ctx context.Context, taskID int64, items []model.DataItem) error {
	return n.save(ctx, taskID, kindSources, items)
}

// Clear implements TaskCache.
func (n *NATSKV) Clear(ctx context.Context, taskID int64) error {
	for _, kind := range []string{kindPlan, kindSources} {
		if err := n.kv.Delete(ctx, taskKey(taskID, kind)); err != nil &&
			!errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("delete cache entry: %w", err)
		}
	}
	return nil
}

// Close implements TaskCache.
func (n *NATSKV) Close() error {
	n.conn.Close()
	return nil
}
