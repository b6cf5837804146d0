// Package membership implements the worker's participation in an
// external, etcd-backed partition-assignment protocol. It is the Go
// substitute for the Helix OnlineOfflineStateModel the original worker
// bound to: the core only ever sees the ONLINE/OFFLINE/disconnect
// vocabulary exposed by Handlers and Client.Disconnect, exactly as
// spec.md §6 documents the membership service's contract.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Handlers are invoked synchronously on the membership-watch goroutine,
// mirroring the original Helix state model's onBecomeOnlineFromOffline /
// onBecomeOfflineFromOnline callbacks.
type Handlers struct {
	OnBecomeOnlineFromOffline func(topic string, partition int32)
	OnBecomeOfflineFromOnline func(topic string, partition int32)
}

// Client is a single participant in the assignment protocol: one process
// instance in the fleet, registered under clusterName/instanceID.
type Client struct {
	etcd        *clientv3.Client
	clusterName string
	instanceID  string
	host        string

	mu      sync.Mutex
	known   map[string]struct{}
	leaseID clientv3.LeaseID

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

// NewClient constructs a membership participant. It does not contact
// etcd until Register and Watch are called.
func NewClient(etcd *clientv3.Client, clusterName, instanceID, host string) *Client {
	return &Client{
		etcd:         etcd,
		clusterName:  clusterName,
		instanceID:   instanceID,
		host:         host,
		known:        make(map[string]struct{}),
		disconnected: make(chan struct{}),
	}
}

func (c *Client) memberKey() string {
	return fmt.Sprintf("/xmirror/%s/members/%s", c.clusterName, c.instanceID)
}

func (c *Client) assignPrefix() string {
	return fmt.Sprintf("/xmirror/%s/assign/%s/", c.clusterName, c.instanceID)
}

// Register publishes a lease-backed membership key for (clusterName,
// instanceID, host) and starts keeping the lease alive. If the lease is
// ever lost (etcd partition, process pause past the TTL), Disconnected
// fires.
func (c *Client) Register(ctx context.Context) error {
	lease, err := c.etcd.Grant(ctx, 30)
	if err != nil {
		return errors.Wrap(err, "grant membership lease")
	}
	if _, err := c.etcd.Put(ctx, c.memberKey(), c.host, clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrap(err, "register membership key")
	}

	keepAlive, err := c.etcd.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "start membership lease keepalive")
	}

	c.mu.Lock()
	c.leaseID = lease.ID
	c.mu.Unlock()

	go c.watchLeaseLoss(keepAlive)
	return nil
}

func (c *Client) watchLeaseLoss(keepAlive <-chan *clientv3.LeaseKeepAliveResponse) {
	for range keepAlive {
		// Drain; nothing to do on a successful renewal.
	}
	// The channel closes when the lease can no longer be kept alive
	// (etcd partition, lease TTL exceeded, or the lease was revoked by
	// Disconnect). Only the former two represent a real eviction; a
	// self-initiated Disconnect closes leaseID out from under us first,
	// so check before firing.
	c.mu.Lock()
	lost := c.leaseID != 0
	c.mu.Unlock()
	if lost {
		c.signalDisconnect()
	}
}

func (c *Client) signalDisconnect() {
	c.disconnectOnce.Do(func() { close(c.disconnected) })
}

// Disconnected signals when membership is lost, whether through an
// operator-driven Disconnect or an involuntary eviction.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Watch observes this participant's assignment prefix and delivers
// ONLINE/OFFLINE transitions via h until ctx is cancelled. The initial
// read replays any assignments already present as ONLINE transitions,
// since a newly started worker must treat pre-existing assignments the
// same as freshly delivered ones.
func (c *Client) Watch(ctx context.Context, h Handlers) error {
	prefix := c.assignPrefix()

	resp, err := c.etcd.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(err, "read initial assignment set")
	}
	for _, kv := range resp.Kvs {
		topic, partition, ok := decodeAssignKey(string(kv.Key), prefix)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.known[string(kv.Key)] = struct{}{}
		c.mu.Unlock()
		h.OnBecomeOnlineFromOffline(topic, partition)
	}

	watchCh := c.etcd.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watchCh {
		if err := wresp.Err(); err != nil {
			if errors.Cause(err) == context.Canceled {
				return nil
			}
			return errors.Wrap(err, "watch assignments")
		}
		for _, ev := range wresp.Events {
			topic, partition, ok := decodeAssignKey(string(ev.Kv.Key), prefix)
			if !ok {
				continue
			}
			switch ev.Type {
			case clientv3.EventTypePut:
				c.mu.Lock()
				_, already := c.known[string(ev.Kv.Key)]
				c.known[string(ev.Kv.Key)] = struct{}{}
				c.mu.Unlock()
				if !already {
					h.OnBecomeOnlineFromOffline(topic, partition)
				}
			case clientv3.EventTypeDelete:
				c.mu.Lock()
				_, present := c.known[string(ev.Kv.Key)]
				delete(c.known, string(ev.Kv.Key))
				c.mu.Unlock()
				if present {
					h.OnBecomeOfflineFromOnline(topic, partition)
				}
			}
		}
	}
	return ctx.Err()
}

// Disconnect releases this participant's membership lease. Safe to call
// even if Register was never called.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	lease := c.leaseID
	c.leaseID = 0
	c.mu.Unlock()

	c.signalDisconnect()

	if lease == 0 {
		return nil
	}
	if _, err := c.etcd.Revoke(ctx, lease); err != nil {
		return errors.Wrap(err, "revoke membership lease")
	}
	return nil
}

func decodeAssignKey(key, prefix string) (topic string, partition int32, ok bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		logrus.WithField("key", key).Error("malformed assignment key, ignoring")
		return "", 0, false
	}
	n, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		logrus.WithField("key", key).WithError(err).Error("malformed assignment partition, ignoring")
		return "", 0, false
	}
	return parts[0], int32(n), true
}
