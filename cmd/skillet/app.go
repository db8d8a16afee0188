package main

import (
	"context"

	"github.com/jingkaihe/skillet/pkg/auth"
	"github.com/jingkaihe/skillet/pkg/backend"
	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/jingkaihe/skillet/pkg/migration"
	"github.com/jingkaihe/skillet/pkg/pipeline"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/tools"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// app holds the long-lived components a command works with.
type app struct {
	config  config.Config
	store   *metadata.Store
	library *skills.Library
}

type appOptions struct {
	skipMigration bool
}

type appOption func(*appOptions)

// withoutMigration leaves legacy skills untouched at startup, for commands
// that run the migration themselves.
func withoutMigration() appOption {
	return func(o *appOptions) { o.skipMigration = true }
}

// newApp loads configuration, the metadata store and the skill library,
// migrates legacy skills and installs the builtin ones.
func newApp(ctx context.Context, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	ctx = logger.WithFields(ctx, logrus.Fields{"skills_dir": cfg.SkillsDir})
	store := metadata.Load(ctx, cfg.MetadataFile)

	library, err := skills.NewLibrary(
		skills.WithDir(cfg.SkillsDir),
		skills.WithDefaultTool(cfg.DefaultTool),
		skills.WithMetadataStore(store),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create skill library")
	}

	parseErrs, err := library.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load skills")
	}
	for _, parseErr := range parseErrs {
		presenter.Warning(parseErr.Error())
	}

	if !o.skipMigration {
		if _, err := migration.NewService(library, store).Run(ctx, migration.Options{}); err != nil {
			logger.G(ctx).WithError(err).Warn("some legacy skills could not be migrated")
		}
	}

	if err := library.InstallBuiltins(ctx); err != nil {
		return nil, err
	}

	return &app{config: cfg, store: store, library: library}, nil
}

// tokenProvider returns the bearer token source for the http backend.
func (a *app) tokenProvider() auth.TokenProvider {
	b := a.config.Backend
	if b.Token != "" {
		return auth.NewStaticProvider(b.Token)
	}

	path := b.CredentialsFile
	if path == "" {
		if p, err := auth.DefaultCredentialsPath(); err == nil {
			path = p
		}
	}

	var opts []auth.FileOption
	if b.ClientID != "" && b.TokenURL != "" {
		opts = append(opts, auth.WithRefreshEndpoint(b.ClientID, b.TokenURL))
	}
	return auth.NewFileProvider(path, opts...)
}

// newBackend builds the configured language-model client.
func (a *app) newBackend() (backend.Client, error) {
	b := a.config.Backend
	return backend.New(
		backend.Params{
			Provider: b.Provider,
			BaseURL:  b.BaseURL,
			Model:    b.Model,
			APIKey:   b.APIKey,
			Tokens:   a.tokenProvider(),
		},
		backend.WithGenerateTimeout(b.GenerateTimeout),
		backend.WithStatusTimeout(b.StatusTimeout),
		backend.WithRetryDelay(b.RetryDelay),
		backend.WithMaxTokens(b.MaxTokens),
	)
}

// newPipeline builds an execution pipeline delivering to callbacks.
func (a *app) newPipeline(callbacks pipeline.Callbacks, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	client, err := a.newBackend()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create backend client")
	}

	opts = append([]pipeline.Option{
		pipeline.WithNoteSink(tools.NewFileNoteSink(a.config.NotesDir)),
	}, opts...)
	if profiles, ok := client.(pipeline.ProfileProvider); ok {
		opts = append(opts, pipeline.WithProfileProvider(profiles))
	}

	return pipeline.New(client, callbacks, opts...), nil
}
