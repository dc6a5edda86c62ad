package main

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/book-etl/internal/config"
	"github.com/sells-group/book-etl/internal/resilience"
	"github.com/sells-group/book-etl/internal/source"
	"github.com/sells-group/book-etl/internal/warehouse"
)

func initSource(ctx context.Context, c config.StoreConfig) (source.Store, error) {
	switch c.Driver {
	case "sqlite":
		return source.NewSQLite(c.DatabaseURL)
	case "postgres":
		return source.NewPostgres(ctx, c.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported source driver: %s", c.Driver)
	}
}

func initWarehouse(ctx context.Context, c config.StoreConfig) (warehouse.Store, error) {
	switch c.Driver {
	case "sqlite":
		return warehouse.NewSQLite(c.DatabaseURL)
	case "postgres":
		return warehouse.NewPostgres(ctx, c.DatabaseURL, &warehouse.PoolConfig{
			MaxConns: c.MaxConns,
			MinConns: c.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported warehouse driver: %s", c.Driver)
	}
}

// stores holds both open store handles for the life of a command.
type stores struct {
	source    source.Store
	warehouse warehouse.Store
}

func (s *stores) Close() {
	if s.source != nil {
		_ = s.source.Close()
	}
	if s.warehouse != nil {
		_ = s.warehouse.Close()
	}
}

func connectRetry(store string) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = cfg.ETL.ConnectAttempts
	rc.OnRetry = resilience.RetryLogger(store)
	return rc
}

// openStores connects to the source and the warehouse in parallel. If
// either fails, whichever did open is closed again.
func openStores(ctx context.Context) (*stores, error) {
	s := &stores{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		st, err := openSource(gctx)
		if err != nil {
			return err
		}
		s.source = st
		return nil
	})
	g.Go(func() error {
		st, err := resilience.Do(gctx, connectRetry("warehouse"), func(ctx context.Context) (warehouse.Store, error) {
			return initWarehouse(ctx, cfg.Warehouse)
		})
		if err != nil {
			return eris.Wrap(err, "open warehouse store")
		}
		s.warehouse = st
		return nil
	})

	if err := g.Wait(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openSource is for commands that only write to the source.
func openSource(ctx context.Context) (source.Store, error) {
	st, err := resilience.Do(ctx, connectRetry("source"), func(ctx context.Context) (source.Store, error) {
		return initSource(ctx, cfg.Source)
	})
	if err != nil {
		return nil, eris.Wrap(err, "open source store")
	}
	return st, nil
}

// openWarehouse is for commands that never touch the source.
func openWarehouse(ctx context.Context) (warehouse.Store, error) {
	st, err := resilience.Do(ctx, connectRetry("warehouse"), func(ctx context.Context) (warehouse.Store, error) {
		return initWarehouse(ctx, cfg.Warehouse)
	})
	if err != nil {
		return nil, eris.Wrap(err, "open warehouse store")
	}
	return st, nil
}
