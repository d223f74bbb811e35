package main

import (
	"errors"
	"fmt"

	"github.com/abelbrown/blockgraph/internal/config"
	"github.com/abelbrown/blockgraph/internal/couch"
	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/kvstore"
	"github.com/abelbrown/blockgraph/internal/retry"
)

// backends are the opened shard, destination and id stores of one command.
type backends struct {
	shards  []docstore.Shard
	dests   []docstore.Destination
	ids     docstore.IDStore
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func openBackends(cfg *config.Config) (*backends, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		return openBolt(cfg)
	case config.BackendCouch:
		return openCouch(cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// openBolt opens every bbolt file once, so a path serving as both a replica
// and the id store shares one handle.
func openBolt(cfg *config.Config) (*backends, error) {
	b := &backends{}
	opened := make(map[string]*kvstore.Store)
	open := func(path string) (*kvstore.Store, error) {
		if s, ok := opened[path]; ok {
			return s, nil
		}
		s, err := kvstore.Open(path)
		if err != nil {
			return nil, err
		}
		s.SetIDCollection(cfg.Collections.BlockIDs)
		opened[path] = s
		b.closers = append(b.closers, s.Close)
		return s, nil
	}

	for _, path := range cfg.Shards {
		s, err := open(path)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.shards = append(b.shards, s)
	}
	for _, path := range cfg.Replicas {
		s, err := open(path)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.dests = append(b.dests, s)
	}
	if path := cfg.IDEndpoint(); path != "" {
		s, err := open(path)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.ids = s
	}
	return b, nil
}

func couchOptions(cfg *config.Config) couch.Options {
	return couch.Options{
		RequestsPerSecond: cfg.Couch.RequestsPerSecond,
		Burst:             cfg.Couch.Burst,
		Timeout:           cfg.Couch.Timeout,
		Retry:             retry.Policy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay},
	}
}

func openCouch(cfg *config.Config) (*backends, error) {
	opts := couchOptions(cfg)
	b := &backends{}
	for _, ep := range cfg.Shards {
		s, err := couch.OpenShard(ep, opts)
		if err != nil {
			return nil, err
		}
		b.shards = append(b.shards, s)
	}
	server := func(ep string) (*couch.Client, error) {
		c, err := couch.New(ep, opts)
		if err != nil {
			return nil, err
		}
		c.SetIDCollection(cfg.Collections.BlockIDs)
		c.InstallOnCreate(cfg.Collections.Summaries, couch.SummaryDesigns()...)
		return c, nil
	}
	for _, ep := range cfg.Replicas {
		c, err := server(ep)
		if err != nil {
			return nil, err
		}
		b.dests = append(b.dests, c)
	}
	if ep := cfg.IDEndpoint(); ep != "" {
		c, err := server(ep)
		if err != nil {
			return nil, err
		}
		b.ids = c
	}
	return b, nil
}
