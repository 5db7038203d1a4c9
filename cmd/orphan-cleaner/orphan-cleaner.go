package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"

	"github.com/diwise/odata-broker/internal/pkg/application/broker"
	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/locking"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

const (
	appName string = "orphan-cleaner"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	log.Debug("begin removing orphaned links")

	cfg := LoadConfiguration(ctx)

	brokerConfig, sch, err := cfg.load()
	if err != nil {
		log.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	partitions, err := cfg.partitions(brokerConfig)
	if err != nil {
		log.Error("failed to parse partitions", "err", err.Error())
		os.Exit(1)
	}

	store, err := docstore.Open(ctx, brokerConfig.Store.Path, docstore.WithAnalyzedRoots(query.FieldStatic, query.FieldDynamic))
	if err != nil {
		log.Error("failed to open document store", "err", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	engine, locks, err := newEngine(ctx, store, sch, brokerConfig)
	if err != nil {
		log.Error("failed to create storage engine", "err", err.Error())
		os.Exit(1)
	}
	defer locks.Close()

	log.Debug("number of partitions to clean", "count", len(partitions))

	totalCount := 0

	for _, p := range partitions {
		l := log.With(slog.String("partition", p.String()))

		l.Debug("find orphaned links", slog.Time("start_time", time.Now()))

		removed, err := engine.RemoveOrphanLinks(ctx, p)
		if err != nil {
			l.Error("failed to remove orphaned links", "err", err.Error())
			os.Exit(1)
		}

		totalCount += removed

		l.Debug("done cleaning partition", slog.Int("count", removed), slog.Time("end_time", time.Now()))
	}

	log.Info("done cleaning", slog.Int("total", totalCount))
}

type Config struct {
	configPath    string
	schemaPath    string
	partitionList string
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		configPath:    env.GetVariableOrDefault(ctx, "BROKER_CONFIG_PATH", "/opt/diwise/config/odata-broker.yaml"),
		schemaPath:    env.GetVariableOrDefault(ctx, "SCHEMA_PATH", "/opt/diwise/config/schema.yaml"),
		partitionList: env.GetVariableOrDefault(ctx, "PARTITIONS", ""),
	}
}

func (c Config) load() (*broker.Config, *schema.Schema, error) {
	cf, err := os.Open(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	defer cf.Close()

	brokerConfig, err := broker.LoadConfiguration(cf)
	if err != nil {
		return nil, nil, err
	}

	sf, err := os.Open(c.schemaPath)
	if err != nil {
		return nil, nil, err
	}
	defer sf.Close()

	sch, err := schema.Load(sf)
	if err != nil {
		return nil, nil, err
	}

	return brokerConfig, sch, nil
}

// partitions returns the comma separated cell/box/node triples in PARTITIONS, or all
// partitions spelled out in the broker configuration when it is empty
func (c Config) partitions(brokerConfig *broker.Config) ([]types.Partition, error) {
	if c.partitionList == "" {
		return brokerConfig.Partitions(), nil
	}

	partitions := []types.Partition{}

	for _, s := range strings.Split(c.partitionList, ",") {
		parts := strings.Split(strings.TrimSpace(s), "/")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed partition %q, expected cell/box/node", s)
		}
		partitions = append(partitions, types.Partition{Cell: parts[0], Box: parts[1], Node: parts[2]})
	}

	return partitions, nil
}

func newEngine(ctx context.Context, store docstore.Store, sch *schema.Schema, cfg *broker.Config) (*storage.Engine, *locking.Manager, error) {
	accessors, err := storage.NewStoreAccessors(store)
	if err != nil {
		return nil, nil, err
	}

	var locker locking.Locker

	switch cfg.Locking.Backend {
	case "etcd":
		locker, err = locking.NewEtcdLocker(ctx, cfg.Locking.Endpoints, cfg.Locking.TTL)
	case "postgres":
		locker, err = locking.NewPostgresLocker(ctx, cfg.Locking.DSN)
	default:
		locker = locking.NewLocalLocker()
	}
	if err != nil {
		return nil, nil, err
	}

	locks := locking.NewManager(locker, cfg.Locking.Retries, cfg.Locking.RetryInterval)

	translator := query.NewTranslator(query.Limits{
		DefaultTop:  cfg.Query.DefaultTop,
		MaxTop:      cfg.Query.MaxTop,
		MaxSkip:     cfg.Query.MaxSkip,
		MinDateTime: cfg.Query.MinDateTime,
		MaxDateTime: cfg.Query.MaxDateTime,
	})

	return storage.New(sch, translator, accessors, locks), locks, nil
}
