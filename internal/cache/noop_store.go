package cache

import "context"

// NoopStore implements a store that does nothing
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

var _ Store = (*NoopStore)(nil)

func (c *NoopStore) Get(context.Context, string) (Record, bool, error) {
	return Record{}, false, nil
}

func (c *NoopStore) Set(context.Context, string, Record) error { return nil }

func (c *NoopStore) Clear(context.Context) error { return nil }

func (c *NoopStore) Close() error { return nil }
