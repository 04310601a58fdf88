package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/run"
	"github.com/outofforest/wsbridge"
	"github.com/outofforest/wsbridge/encoding"
)

func main() {
	run.New().Run(context.Background(), "wsbridge", func(ctx context.Context) error {
		return runBridge(ctx, os.Args[1:])
	})
}

func runBridge(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("wsbridge", pflag.ContinueOnError)
	configPath := flagSet.String("config", "wsbridge.yaml", "path to the configuration file")
	subscriptions := flagSet.StringArray("subscribe", nil, "topic to subscribe to, in the form topic=type")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return errors.WithStack(err)
	}

	config, err := wsbridge.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	client, err := wsbridge.NewClient(ctx, config)
	if err != nil {
		return err
	}

	for _, s := range *subscriptions {
		topic, typeName, ok := strings.Cut(s, "=")
		if !ok || topic == "" || typeName == "" {
			return errors.Errorf("invalid subscription %q, expected topic=type", s)
		}

		if err := client.Subscribe(ctx, topic, encoding.NewType[map[string]any](typeName),
			func(ctx context.Context, message any) {
				logger.Get(ctx).Info("Publication received",
					zap.String("topic", topic), zap.String("message", fmt.Sprint(message)))
			}, nil); err != nil {
			return err
		}
	}

	logger.Get(ctx).Info("Starting bridge", zap.Stringer("peer", config))
	return client.Run(ctx)
}
