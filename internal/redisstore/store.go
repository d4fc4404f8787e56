// Package redisstore implements resourceindex.Backend against Redis,
// grounded on Sergey-Bar-Alfred/services/gateway/redisclient's
// redis.ParseURL(cfg.RedisURL) connection setup. It is the concrete
// "external key-value service" spec.md §6 describes for the resource
// index, using exactly the key scheme and REDIS_URL env var named there.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
	"github.com/redis/go-redis/v9"
)

// Store is a resourceindex.Backend backed by Redis. Keys:
//
//	<prefix>:scheduler:nodes:<nodeId>             node record, TTL 60s
//	<prefix>:scheduler:resources:node:<nodeId>    hash: allocated dims + agent set
//	<prefix>:scheduler:agents:<agentId>           hash: current assignment
type Store struct {
	client *redis.Client
	prefix string
}

// New parses redisURL (the value of REDIS_URL) and returns a connected
// Store. Connection errors surface immediately via Ping so callers can
// fall back to resourceindex.NewInMemoryBackend().
func New(redisURL, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if prefix == "" {
		prefix = "controlplane"
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) nodeKey(nodeID string) string      { return fmt.Sprintf("%s:scheduler:nodes:%s", s.prefix, nodeID) }
func (s *Store) resourceKey(nodeID string) string  { return fmt.Sprintf("%s:scheduler:resources:node:%s", s.prefix, nodeID) }
func (s *Store) agentKey(agentID string) string    { return fmt.Sprintf("%s:scheduler:agents:%s", s.prefix, agentID) }

type nodeRecord struct {
	NodeID   string               `json:"nodeId"`
	Labels   map[string]string    `json:"labels"`
	Capacity types.ResourceRequirements `json:"capacity"`
}

func (s *Store) RegisterNode(ctx context.Context, node *types.Node) error {
	rec := nodeRecord{NodeID: node.NodeID, Labels: node.Labels, Capacity: node.Capacity}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.nodeKey(node.NodeID), data, types.NodeHeartbeatTTL)
	pipe.HSet(ctx, s.resourceKey(node.NodeID), map[string]interface{}{
		"healthy":       "1",
		"lastHeartbeat": time.Now().Format(time.RFC3339Nano),
		"allocCpu":      "0",
		"allocMemoryMB": "0",
		"allocGpuMem":   "0",
		"allocGpuCount": "0",
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Heartbeat(ctx context.Context, nodeID string, healthy bool) error {
	exists, err := s.client.Exists(ctx, s.nodeKey(nodeID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return types.NewConsistencyError("unknown-node", "heartbeat for unregistered node "+nodeID)
	}

	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, s.nodeKey(nodeID), types.NodeHeartbeatTTL)
	healthyVal := "0"
	if healthy {
		healthyVal = "1"
	}
	pipe.HSet(ctx, s.resourceKey(nodeID), "healthy", healthyVal, "lastHeartbeat", time.Now().Format(time.RFC3339Nano))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) RemoveNode(ctx context.Context, nodeID string) error {
	// Deliberately leaves the resource/agent hashes behind, matching
	// spec.md §9's documented gap: stale-node cleanup orphans allocation
	// records rather than cleaning them.
	return s.client.Del(ctx, s.nodeKey(nodeID)).Err()
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (*types.Node, bool, error) {
	data, err := s.client.Get(ctx, s.nodeKey(nodeID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec nodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}

	fields, err := s.client.HGetAll(ctx, s.resourceKey(nodeID)).Result()
	if err != nil {
		return nil, false, err
	}

	node := &types.Node{
		NodeID:   rec.NodeID,
		Labels:   rec.Labels,
		Capacity: rec.Capacity,
		Healthy:  fields["healthy"] == "1",
		AgentIDs: map[string]struct{}{},
	}
	node.Allocated = allocationFromFields(fields)
	node.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, fields["lastHeartbeat"])
	for k, v := range fields {
		if len(k) > 6 && k[:6] == "agent:" && v == "1" {
			node.AgentIDs[k[6:]] = struct{}{}
		}
	}
	return node, true, nil
}

func allocationFromFields(fields map[string]string) types.ResourceRequirements {
	return types.ResourceRequirements{
		CPU:         parseFloat(fields["allocCpu"]),
		MemoryMB:    parseFloat(fields["allocMemoryMB"]),
		GPUMemoryMB: parseFloat(fields["allocGpuMem"]),
		GPUCount:    parseFloat(fields["allocGpuCount"]),
	}
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}

func (s *Store) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var out []*types.Node
	iter := s.client.Scan(ctx, 0, s.prefix+":scheduler:nodes:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		nodeID := key[len(s.prefix+":scheduler:nodes:"):]
		n, ok, err := s.GetNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Allocate is implemented as a single TxPipeline transaction, per spec.md
// §4.E/§5's "single pipelined transaction" requirement. The capacity check
// runs outside the transaction against the last-known state (Redis has no
// optimistic-lock-free way to branch mid-pipeline); under heavy concurrent
// contention on the same node this can race, which is why the in-process
// InMemoryBackend — not this store — is recommended when strict
// linearizability per node matters more than horizontal scalability.
func (s *Store) Allocate(ctx context.Context, agentID, nodeID string, requirements types.ResourceRequirements) (bool, error) {
	existing, ok, err := s.GetAllocation(ctx, agentID)
	if err != nil {
		return false, err
	}
	if ok {
		return false, types.NewConsistencyError("agent-already-allocated", "agent "+agentID+" already holds an allocation on node "+existing.NodeID)
	}

	node, ok, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, types.NewConsistencyError("unknown-node", "allocate on unregistered node "+nodeID)
	}
	if !types.FitsWithin(node.Allocated, node.Capacity, requirements) {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocCpu", requirements.CPU)
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocMemoryMB", requirements.MemoryMB)
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocGpuMem", requirements.GPUMemoryMB)
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocGpuCount", requirements.GPUCount)
	pipe.HSet(ctx, s.resourceKey(nodeID), "agent:"+agentID, "1")

	data, err := json.Marshal(requirements)
	if err != nil {
		return false, err
	}
	pipe.HSet(ctx, s.agentKey(agentID), "nodeId", nodeID, "resources", data)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Release(ctx context.Context, agentID string) error {
	fields, err := s.client.HGetAll(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil // unknown agent: no-op
	}
	nodeID := fields["nodeId"]
	var resources types.ResourceRequirements
	if err := json.Unmarshal([]byte(fields["resources"]), &resources); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocCpu", -resources.CPU)
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocMemoryMB", -resources.MemoryMB)
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocGpuMem", -resources.GPUMemoryMB)
	pipe.HIncrByFloat(ctx, s.resourceKey(nodeID), "allocGpuCount", -resources.GPUCount)
	pipe.HDel(ctx, s.resourceKey(nodeID), "agent:"+agentID)
	pipe.Del(ctx, s.agentKey(agentID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetAllocation(ctx context.Context, agentID string) (*types.Allocation, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	var resources types.ResourceRequirements
	if err := json.Unmarshal([]byte(fields["resources"]), &resources); err != nil {
		return nil, false, err
	}
	return &types.Allocation{AgentID: agentID, NodeID: fields["nodeId"], Resources: resources}, true, nil
}

func (s *Store) ListAllocations(ctx context.Context) ([]*types.Allocation, error) {
	var out []*types.Allocation
	iter := s.client.Scan(ctx, 0, s.prefix+":scheduler:agents:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		agentID := key[len(s.prefix+":scheduler:agents:"):]
		alloc, ok, err := s.GetAllocation(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, alloc)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error { return s.client.Close() }
