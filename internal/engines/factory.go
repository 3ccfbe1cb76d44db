package engines

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

// FactoryConfig carries the engine settings resolved from application config
type FactoryConfig struct {
	DefaultLang string
	Structure   RemoteConfig
	VL          VLConfig
	Breaker     BreakerConfig
}

// Factory builds document engines per job kind
type Factory struct {
	cfg    FactoryConfig
	logger *zap.Logger

	newOCR func(lang, version string) (domain.DocumentEngine, error)
}

// NewFactory creates an engine factory
func NewFactory(cfg FactoryConfig, logger *zap.Logger) *Factory {
	if cfg.DefaultLang == "" {
		cfg.DefaultLang = "en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
		newOCR: func(lang, version string) (domain.DocumentEngine, error) {
			engine, err := NewOCREngine(lang, version)
			if err != nil {
				return nil, err
			}
			return engine, nil
		},
	}
}

// CacheKey returns the configuration tuple identifying an engine instance
func (f *Factory) CacheKey(kind domain.JobKind, params domain.EngineParams) string {
	params = f.normalize(kind, params)
	return strings.Join([]string{string(kind), params.Lang, params.Version}, "|")
}

// NewEngine constructs the engine for kind
func (f *Factory) NewEngine(ctx context.Context, kind domain.JobKind, params domain.EngineParams) (domain.DocumentEngine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params = f.normalize(kind, params)

	f.logger.Info("constructing engine",
		zap.String("kind", string(kind)),
		zap.String("lang", params.Lang),
		zap.String("version", params.Version),
	)

	var (
		engine domain.DocumentEngine
		err    error
	)
	switch kind {
	case domain.JobKindOCR:
		engine, err = f.newOCR(params.Lang, params.Version)
	case domain.JobKindStructure:
		var e *StructureEngine
		if e, err = NewStructureEngine(f.cfg.Structure, params.Lang, f.cfg.Breaker, f.logger.Named("structure")); err == nil {
			engine = e
		}
	case domain.JobKindVL:
		var e *VLEngine
		if e, err = NewVLEngine(f.cfg.VL, params.Version, f.cfg.Breaker, f.logger.Named("vl")); err == nil {
			engine = e
		}
	default:
		err = fmt.Errorf("%w: %q", domain.ErrInvalidJobKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// normalize fills defaults so equivalent requests share one cache entry
func (f *Factory) normalize(kind domain.JobKind, params domain.EngineParams) domain.EngineParams {
	params.Lang = strings.TrimSpace(params.Lang)
	params.Version = strings.TrimSpace(params.Version)
	switch kind {
	case domain.JobKindOCR:
		if params.Lang == "" {
			params.Lang = f.cfg.DefaultLang
		}
	case domain.JobKindVL:
		// The model ignores the recognition language.
		params.Lang = ""
		if params.Version == "" {
			params.Version = f.cfg.VL.Model
		}
	case domain.JobKindStructure:
		params.Version = ""
	}
	return params
}

var _ domain.EngineFactory = (*Factory)(nil)
