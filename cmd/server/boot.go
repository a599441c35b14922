package main

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/keithlinneman/transit-web/internal/cfg"
	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/refresh"
	"github.com/keithlinneman/transit-web/internal/store"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

var errStoreUnavailable = errors.New("store unavailable")

// boot runs startup in order. Nothing listens unless the store connected.
func boot(ctx context.Context, connect func(context.Context) error, start func(context.Context) error) error {
	if err := connect(ctx); err != nil {
		return errors.Join(errStoreUnavailable, err)
	}
	return start(ctx)
}

// databaseURL returns the connection string from config or, when a
// parameter name is configured, from SSM.
func databaseURL(ctx context.Context, conf cfg.App, params func() (store.ParameterGetter, error)) (string, error) {
	if conf.DatabaseURLSSMParam == "" {
		return conf.DatabaseURL, nil
	}
	client, err := params()
	if err != nil {
		return "", err
	}
	return store.ResolveConnectionString(ctx, client, conf.DatabaseURLSSMParam)
}

type refreshDeps struct {
	Store   refresh.Replacer
	Metrics refresh.Metrics
	Logger  log.Logger
	AWS     *aws.Config

	// test seams, nil uses clients built from AWS
	S3  refresh.ObjectGetter
	SSM refresh.ParameterGetter
}

// refreshJobs builds the core and route-path jobs. Both are nil when no
// release bucket is configured; the admin triggers then report an error.
func refreshJobs(ctx context.Context, conf cfg.App, d refreshDeps) (core, routePaths *refresh.DatasetJob, err error) {
	if conf.RefreshS3Bucket == "" {
		return nil, nil, nil
	}
	mk := func(name string, collections []string) (*refresh.DatasetJob, error) {
		return refresh.NewDatasetJob(ctx, refresh.DatasetOptions{
			Name:         name,
			Collections:  collections,
			SSMParamRoot: conf.RefreshSSMParam,
			S3Bucket:     conf.RefreshS3Bucket,
			S3Prefix:     conf.RefreshS3Prefix,
			Store:        d.Store,
			Logger:       d.Logger,
			Metrics:      d.Metrics,
			S3:           d.S3,
			SSM:          d.SSM,
			AWSConfig:    d.AWS,
		})
	}
	if core, err = mk(refresh.CoreJob, refresh.CoreCollections); err != nil {
		return nil, nil, xerrors.Wrap(err, "core refresh job")
	}
	if routePaths, err = mk(refresh.RoutePathsJob, refresh.RoutePathCollections); err != nil {
		return nil, nil, xerrors.Wrap(err, "route-path refresh job")
	}
	return core, routePaths, nil
}
