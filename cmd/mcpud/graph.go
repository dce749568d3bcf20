package main

import (
	"time"

	"github.com/spf13/viper"

	"mcpu/internal/batch"
	"mcpu/internal/config"
	"mcpu/internal/daemon"
	"mcpu/internal/facade"
	"mcpu/internal/pool"
	"mcpu/internal/router"
	"mcpu/internal/schemacache"
)

const poolCloseDeadline = 5 * time.Second

// componentGraph is the fully wired set of core components shared by every
// serve mode.
type componentGraph struct {
	cfg   *config.View
	pool  *pool.Pool
	r     *router.Router
	batch *batch.Engine
}

// buildGraph loads the Config View and wires components A through G, the
// graph every serve mode (http, stdio) and the reload command build on.
func buildGraph() (*componentGraph, error) {
	cfgPath := viper.GetString("config_path")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	p := pool.New(cfg.Lookup, poolCloseDeadline)
	cache := router.NewCache(schemaCacheRoot(), p)
	r := router.New(cfg, p, cache)
	b := batch.New(r, viper.GetInt("max_batch_size"), viper.GetInt("max_concurrent_servers"))
	// Two-phase wiring: G needs the already-constructed Router, and the
	// Router only learns about G afterwards.
	r.SetBatchRunner(b)

	return &componentGraph{cfg: cfg, pool: p, r: r, batch: b}, nil
}

func schemaCacheRoot() string {
	if root := viper.GetString("schema_cache_root"); root != "" {
		return root
	}
	return schemacache.Root()
}

func newDaemon(g *componentGraph) *daemon.Daemon {
	return daemon.New(g.r, g.pool)
}

func newFacade(g *componentGraph) *facade.Facade {
	return facade.New(g.r, "mcpu", version)
}
