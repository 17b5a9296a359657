package main

import (
	"context"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/wirebound/rdt/pkg/chat"
	"github.com/wirebound/rdt/pkg/rdt"
)

const processName = "chat-server"

// config is read from the environment; flags override the file location only.
type config struct {
	Port        int    `env:"CHAT_PORT,default=12345"`
	MetricsAddr string `env:"CHAT_METRICS_ADDR,default=:9090"`
	LogLevel    string `env:"CHAT_LOG_LEVEL,default=info"`
}

// roomsFile pre-creates rooms at startup.
type roomsFile struct {
	Rooms []string `yaml:"rooms"`
}

type flagValues struct {
	roomsPath string
}

func addFlags(flags *pflag.FlagSet, v *flagValues) {
	flags.StringVar(&v.roomsPath, "rooms", "", "YAML file listing rooms to create at startup")
}

func command() *cobra.Command {
	v := &flagValues{}
	c := &cobra.Command{
		Use:   processName,
		Short: "Run the chat server",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}
	addFlags(c.Flags(), v)
	return c
}

func run(ctx context.Context, v *flagValues) error {
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return errors.Wrap(err, "read environment")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	var rooms []string
	if v.roomsPath != "" {
		data, err := os.ReadFile(v.roomsPath)
		if err != nil {
			return errors.Wrap(err, "read rooms file")
		}
		var rf roomsFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return errors.Wrap(err, "parse rooms file")
		}
		rooms = rf.Rooms
	}

	engine, err := rdt.Bind(ctx, cfg.Port, rdt.DefaultConfig())
	if err != nil {
		return err
	}
	srv := chat.NewServer(ctx, engine, rooms)
	dlog.Infof(ctx, "chat server on port %d, rooms %v", cfg.Port, srv.Rooms())

	registry := prometheus.NewRegistry()
	registry.MustRegister(rdt.NewCollector(engine, "rdt", prometheus.Labels{"process": processName}))

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})

	g.Go("listener", func(ctx context.Context) error {
		<-ctx.Done()
		return engine.Stop(context.Background())
	})

	g.Go("metrics", func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		sc := &dhttp.ServerConfig{Handler: mux}
		dlog.Infof(ctx, "metrics on %s", cfg.MetricsAddr)
		return sc.ListenAndServe(ctx, cfg.MetricsAddr)
	})

	return g.Wait()
}

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}
