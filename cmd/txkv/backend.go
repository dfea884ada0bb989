package main

import (
	"context"
	"errors"

	api "txkv/internal/http"
	"txkv/pkg/iterator"
	"txkv/pkg/rpc"
	"txkv/pkg/store"
	"txkv/pkg/types"
)

// backend is what the data commands run against: the local data directory
// or a remote server.
type backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, from, to string) ([]api.EntryJSON, error)
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
	Close() error
}

func openBackend() (backend, error) {
	if addr != "" {
		return rpc.NewClient(addr), nil
	}
	st, err := store.New(&cfg)
	if err != nil {
		return nil, err
	}
	return &localBackend{st: st}, nil
}

type localBackend struct {
	st *store.Store
}

func (b *localBackend) Get(_ context.Context, key string) (string, bool, error) {
	e, ok, err := b.st.Get([]byte(key))
	return string(e.Value), ok, err
}

func (b *localBackend) Put(_ context.Context, key, value string) error {
	return b.st.Upsert(types.NewEntry([]byte(key), []byte(value)))
}

func (b *localBackend) Delete(_ context.Context, key string) error {
	return b.st.Delete([]byte(key))
}

func (b *localBackend) Scan(_ context.Context, from, to string) ([]api.EntryJSON, error) {
	var lo, hi types.Key
	if from != "" {
		lo = []byte(from)
	}
	if to != "" {
		hi = []byte(to)
	}

	it, err := b.st.Scan(lo, hi)
	if err != nil {
		return nil, err
	}
	entries, err := iterator.Collect(it)
	if err != nil {
		return nil, err
	}

	out := make([]api.EntryJSON, len(entries))
	for i, e := range entries {
		out[i] = api.EntryJSON{Key: string(e.Key), Value: string(e.Value), Found: true}
	}
	return out, nil
}

func (b *localBackend) Flush(context.Context) error {
	return b.st.Flush()
}

func (b *localBackend) Compact(context.Context) error {
	return b.st.Compact()
}

func (b *localBackend) Stats(context.Context) (store.Stats, error) {
	return b.st.Stats(), nil
}

func (b *localBackend) Close() error {
	return b.st.Close()
}

var errRemoteUnsupported = errors.New("txkv: command needs a local data directory, drop --addr")
