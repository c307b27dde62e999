// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/consul/api"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Provider reads raw config bytes from a backing store and reports
// changes. Watch blocks until ctx is canceled, invoking onChange for
// every observed modification.
type Provider interface {
	ReadBytes(ctx context.Context) ([]byte, error)
	Watch(ctx context.Context, onChange func()) error
	Close() error
}

// fileProvider reads a local file and watches it with fsnotify.
type fileProvider struct {
	path    string
	watcher *fsnotify.Watcher
}

func newFileProvider(path string) *fileProvider {
	return &fileProvider{path: path}
}

func (p *fileProvider) ReadBytes(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

func (p *fileProvider) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	p.watcher = watcher

	// Watch the directory: editors replace files on save, which drops
	// a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watch error: %w", err)
		}
	}
}

func (p *fileProvider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// consulProvider reads a KV key and watches it with blocking queries.
type consulProvider struct {
	kv        *api.KV
	key       string
	lastIndex uint64
}

func newConsulProvider(address, key string) (*consulProvider, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &consulProvider{kv: client.KV(), key: key}, nil
}

func (p *consulProvider) ReadBytes(ctx context.Context) ([]byte, error) {
	pair, meta, err := p.kv.Get(p.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	p.lastIndex = meta.LastIndex
	return pair.Value, nil
}

func (p *consulProvider) Watch(ctx context.Context, onChange func()) error {
	for {
		opts := &api.QueryOptions{
			WaitIndex: p.lastIndex,
			WaitTime:  5 * time.Minute,
		}
		pair, meta, err := p.kv.Get(p.key, opts.WithContext(ctx))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("consul watch failed: %w", err)
		}
		if pair == nil {
			return fmt.Errorf("consul key %s was deleted", p.key)
		}
		if meta.LastIndex != p.lastIndex {
			p.lastIndex = meta.LastIndex
			onChange()
		}
	}
}

func (p *consulProvider) Close() error { return nil }

// etcdProvider reads a key and watches it over the etcd watch stream.
type etcdProvider struct {
	client *clientv3.Client
	key    string
}

func newEtcdProvider(endpoints []string, key string) (*etcdProvider, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &etcdProvider{client: client, key: key}, nil
}

func (p *etcdProvider) ReadBytes(ctx context.Context) ([]byte, error) {
	resp, err := p.client.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read etcd key %s: %w", p.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd key %s not found", p.key)
	}
	return resp.Kvs[0].Value, nil
}

func (p *etcdProvider) Watch(ctx context.Context, onChange func()) error {
	for resp := range p.client.Watch(ctx, p.key) {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("etcd watch failed: %w", err)
		}
		if len(resp.Events) > 0 {
			onChange()
		}
	}
	return ctx.Err()
}

func (p *etcdProvider) Close() error { return p.client.Close() }

// zookeeperProvider reads a znode and re-arms GetW watches.
type zookeeperProvider struct {
	conn *zk.Conn
	path string
}

func newZookeeperProvider(endpoints []string, path string) (*zookeeperProvider, error) {
	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	return &zookeeperProvider{conn: conn, path: path}, nil
}

func (p *zookeeperProvider) ReadBytes(ctx context.Context) ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper node %s: %w", p.path, err)
	}
	return data, nil
}

func (p *zookeeperProvider) Watch(ctx context.Context, onChange func()) error {
	for {
		_, _, eventCh, err := p.conn.GetW(p.path)
		if err != nil {
			return fmt.Errorf("failed to watch zookeeper node %s: %w", p.path, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-eventCh:
			switch event.Type {
			case zk.EventNodeDataChanged:
				onChange()
			case zk.EventNodeDeleted:
				return fmt.Errorf("zookeeper node %s was deleted", p.path)
			case zk.EventNotWatching:
				return fmt.Errorf("zookeeper watch lost for node %s", p.path)
			}
		}
	}
}

func (p *zookeeperProvider) Close() error {
	p.conn.Close()
	return nil
}

var (
	_ Provider = (*fileProvider)(nil)
	_ Provider = (*consulProvider)(nil)
	_ Provider = (*etcdProvider)(nil)
	_ Provider = (*zookeeperProvider)(nil)
)
