// Package etcd provides the coordination primitives the control plane needs
// once it runs with more than one replica: leader election for singleton
// background work, cross-replica locks for partition applies, and a registry
// of live replicas.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
)

// Client wraps an etcd client with one coordination session. All locks,
// elections and replica keys ride the session's lease, so everything a
// replica holds is released when its lease expires.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(30))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger,
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// Lock is a held distributed lock.
type Lock struct {
	mutex *concurrency.Mutex
}

// TryAcquireLock acquires the named lock, waiting at most timeout for the
// current holder to release it.
func (c *Client) TryAcquireLock(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mutex := concurrency.NewMutex(c.session, "/ironpxe/locks/"+key)
	if err := mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	c.logger.Debug("Acquired lock", zap.String("key", key))
	return &Lock{mutex: mutex}, nil
}

// Unlock releases a distributed lock.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.mutex == nil {
		return nil
	}
	return l.mutex.Unlock(ctx)
}

// Leader represents a leader election participant.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign.
func (c *Client) CampaignForLeader(ctx context.Context, name string, callback LeaderCallback) (*Leader, error) {
	election := concurrency.NewElection(c.session, "/ironpxe/leaders/"+name)

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
		isLeader: false,
	}

	// Campaign in the background; Campaign blocks until we win.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := election.Campaign(ctx, fmt.Sprintf("%d", c.session.Lease())); err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
					time.Sleep(5 * time.Second)
					continue
				}

				leader.isLeader = true
				c.logger.Info("Became leader", zap.String("name", name))
				if callback != nil {
					callback(true)
				}

				// Hold leadership until the session dies.
				select {
				case <-ctx.Done():
					return
				case <-c.session.Done():
					leader.isLeader = false
					c.logger.Info("Lost leadership", zap.String("name", name))
					if callback != nil {
						callback(false)
					}
					return
				}
			}
		}
	}()

	return leader, nil
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader = false
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}

// ReplicaState describes one control plane replica. Replicas register
// themselves so operators can see which instances are up.
type ReplicaState struct {
	ID       string    `json:"id"`
	Hostname string    `json:"hostname"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

func replicaKey(id string) string {
	return "/ironpxe/replicas/" + id
}

// RegisterReplica registers or refreshes this replica's record. The key is
// bound to the session lease, so a replica that dies without deregistering
// disappears when its lease expires.
func (c *Client) RegisterReplica(ctx context.Context, state ReplicaState) error {
	state.LastSeen = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal replica state: %w", err)
	}

	_, err = c.client.Put(ctx, replicaKey(state.ID), string(data), clientv3.WithLease(c.session.Lease()))
	if err != nil {
		return fmt.Errorf("failed to register replica: %w", err)
	}
	return nil
}

// GetReplicas returns all registered replicas.
func (c *Client) GetReplicas(ctx context.Context) ([]ReplicaState, error) {
	resp, err := c.client.Get(ctx, "/ironpxe/replicas/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get replicas: %w", err)
	}

	var replicas []ReplicaState
	for _, kv := range resp.Kvs {
		var state ReplicaState
		if err := json.Unmarshal(kv.Value, &state); err != nil {
			c.logger.Warn("Failed to unmarshal replica state", zap.Error(err))
			continue
		}
		replicas = append(replicas, state)
	}

	return replicas, nil
}

// DeregisterReplica removes a replica record on clean shutdown.
func (c *Client) DeregisterReplica(ctx context.Context, replicaID string) error {
	_, err := c.client.Delete(ctx, replicaKey(replicaID))
	return err
}
