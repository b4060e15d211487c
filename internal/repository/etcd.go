package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker hands out a cluster-wide, non-blocking lock backed by an etcd
// lease. The session is created lazily and replaced once its lease expires.
type EtcdLocker struct {
	client *clientv3.Client
	key    string
	ttl    int

	mu      sync.Mutex
	session *concurrency.Session
}

func NewEtcdLocker(client *clientv3.Client, key string, ttl int) *EtcdLocker {
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdLocker{client: client, key: key, ttl: ttl}
}

// TryLock returns ok=false without error when another holder owns the key.
func (l *EtcdLocker) TryLock(ctx context.Context) (func(), bool, error) {
	session, err := l.currentSession()
	if err != nil {
		return nil, false, err
	}

	mutex := concurrency.NewMutex(session, l.key)
	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire etcd lock %s: %w", l.key, err)
	}

	unlock := func() {
		// the lease expiry releases the key if this fails
		_ = mutex.Unlock(context.Background())
	}
	return unlock, true, nil
}

func (l *EtcdLocker) currentSession() (*concurrency.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		select {
		case <-l.session.Done():
			l.session = nil
		default:
			return l.session, nil
		}
	}

	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("create etcd session: %w", err)
	}
	l.session = session
	return session, nil
}

func (l *EtcdLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}
