package main

import (
	"context"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/aggregator"
	"github.com/scanium/scanpipe/internal/classify"
	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/overlay"
	"github.com/scanium/scanpipe/internal/price"
	"github.com/scanium/scanpipe/internal/resilience"
	"github.com/scanium/scanpipe/internal/session"
	"github.com/scanium/scanpipe/internal/store"
	"github.com/scanium/scanpipe/internal/taxonomy"
	"github.com/scanium/scanpipe/internal/thumbnail"
	"github.com/scanium/scanpipe/pkg/vision"
)

// sessionEnv holds the wired scanning session and its optional store,
// shared by the scan and serve commands.
type sessionEnv struct {
	Coordinator *session.Coordinator
	Catalog     *taxonomy.Catalog
	Store       store.Store // nil when persistence is disabled
}

// Close releases resources held by the session environment.
func (se *sessionEnv) Close() {
	if se.Coordinator != nil {
		se.Coordinator.Reset()
	}
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

// initStore opens the configured persistence backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error

	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("init: unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "init: open store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init: migrate store")
	}
	zap.L().Info("store ready", zap.String("driver", cfg.Store.Driver))
	return st, nil
}

// initSession wires the full scanning pipeline from config: taxonomy,
// aggregator, classifiers, gate, prices, overlay, and the coordinator.
// Callers should defer env.Close().
func initSession(ctx context.Context, runMode string, withStore bool) (*sessionEnv, error) {
	if err := cfg.Validate(runMode); err != nil {
		return nil, err
	}

	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	agg := aggregator.New(aggregator.Config{
		MergeThreshold:  cfg.Aggregator.MergeThreshold,
		LabelWeight:     cfg.Aggregator.LabelWeight,
		SpatialWeight:   cfg.Aggregator.SpatialWeight,
		RecencyWeight:   cfg.Aggregator.RecencyWeight,
		RecencyHalfLife: cfg.Aggregator.RecencyHalfLife,
		HistoryLen:      cfg.Aggregator.HistoryLen,
	}, catalog, clk)

	onDevice := classify.NewOnDeviceClassifier(catalog)

	// Cloud classifier is optional: without an API key the orchestrator
	// falls back to on-device even when cloud mode is requested.
	var cloud classify.Classifier
	if cfg.Cloud.Key != "" {
		cloud = classify.NewCloudClassifier(vision.NewClient(cfg.Cloud.Key), catalog, cfg.Cloud.Model, cfg.Cloud.MaxTokens)
		zap.L().Info("cloud classifier enabled", zap.String("model", cfg.Cloud.Model))
	} else {
		zap.L().Debug("SCANPIPE_CLOUD_KEY not set, cloud classification disabled")
	}

	mode := model.ClassifierMode(cfg.Classify.Mode)
	// The orchestrator samples the coordinator's current mode at dispatch
	// time, so mode switches apply to the next trigger.
	var coord *session.Coordinator
	modeFn := func() model.ClassifierMode { return coord.Mode() }
	coord = session.New(session.Options{
		Aggregator: agg,
		Orchestrator: classify.NewOrchestrator(onDevice, cloud, modeFn, resilience.RetryConfig{
			MaxAttempts:    cfg.Classify.MaxAttempts,
			InitialBackoff: cfg.Classify.InitialBackoff,
			MaxBackoff:     cfg.Classify.MaxBackoff,
		}, cfg.Classify.MaxConcurrent),
		Gate: classify.NewGate(classify.GateConfig{
			Cooldown:         cfg.Gate.Cooldown,
			StabilityWindow:  cfg.Gate.StabilityWindow,
			StabilityEpsilon: cfg.Gate.StabilityEpsilon,
			HashTTL:          cfg.Gate.HashTTL,
		}, clk),
		Prices: price.NewRepository(price.NewBandEstimator(catalog)),
		Overlay: overlay.NewManager(overlay.Config{
			ProximityWeight:    cfg.Overlay.ProximityWeight,
			ConfidenceWeight:   cfg.Overlay.ConfidenceWeight,
			ReadinessThreshold: cfg.Overlay.ReadinessThreshold,
		}, agg),
		Thumbnails:    initThumbnails(),
		Alerts:        session.NewAlertBroadcaster(cfg.Session.AlertBuffer, cfg.Session.AlertsPerMin),
		Mode:          mode,
		StaleAge:      cfg.Aggregator.StaleAge,
		MinConfidence: cfg.Session.MinConfidence,
	})

	env := &sessionEnv{Coordinator: coord, Catalog: catalog}
	if withStore {
		st, err := initStore(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Store = st
	}

	zap.L().Info("session ready",
		zap.String("token", coord.SessionToken()),
		zap.String("mode", string(coord.Mode())),
		zap.Int("categories", len(catalog.Categories())),
	)
	return env, nil
}

// loadCatalog loads the taxonomy file, falling back to the built-in
// catalog when no file is configured or present.
func loadCatalog() (*taxonomy.Catalog, error) {
	path := cfg.Price.CatalogPath
	if path == "" {
		return taxonomy.Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		zap.L().Debug("taxonomy file not found, using built-in catalog", zap.String("path", path))
		return taxonomy.Default(), nil
	}
	catalog, err := taxonomy.Load(path)
	if err != nil {
		return nil, eris.Wrap(err, "init: load taxonomy")
	}
	return catalog, nil
}

func initThumbnails() thumbnail.Provider {
	switch cfg.Thumbnail.Provider {
	case "dir":
		return thumbnail.NewDirProvider(cfg.Thumbnail.Dir)
	default:
		return thumbnail.NewNoopProvider()
	}
}
