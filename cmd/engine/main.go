// Command engine is the process entry point: it wires configuration,
// storage, the Script Runtime, VM Router, Engine Controller, Data
// Pruner/Archiver, and the HTTP control surface together, then serves
// until an interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"

	"chengine.dev/engine/archiver"
	"chengine.dev/engine/connector"
	"chengine.dev/engine/engine"
	"chengine.dev/engine/enginecfg"
	"chengine.dev/engine/httpapi"
	"chengine.dev/engine/logging"
	"chengine.dev/engine/model"
	"chengine.dev/engine/pipeline"
	"chengine.dev/engine/router"
	"chengine.dev/engine/script"
	"chengine.dev/engine/store"
)

var cfgFile string

// rootCmd starts the engine process. Flags bind through to Viper keys so
// the same settings can come from the environment.
var rootCmd = &cobra.Command{
	Use:   "channel-engine",
	Short: "runs the channel engine: message store, script runtime, router, pruner, and HTTP control surface",
	Run:   runEngine,
}

// decryptCmd is a debug helper reversing the archiver's on-disk envelope:
// decrypts when the name ends in .enc, gunzips when it carries .gz, and
// prints the recovered record lines to stdout.
var decryptCmd = &cobra.Command{
	Use:   "decrypt <archive-file>",
	Short: "decrypts and decompresses an archive file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		data, err := archiver.DecryptArchiveFile(password, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	decryptCmd.Flags().String("password", "", "archive encryption password")
	rootCmd.AddCommand(decryptCmd)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "channel/pruner configuration file (default: $HOME/.channel-engine.yaml)")
	rootCmd.PersistentFlags().String("http-port", "", "HTTP listen port")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address for the VM Router retry queue")

	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("postgres_dsn", rootCmd.PersistentFlags().Lookup("postgres-dsn"))
	viper.BindPFlag("redis_addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
}

func initConfig() {
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runEngine(cmd *cobra.Command, args []string) {
	proc := enginecfg.LoadProcessConfig("CHANNEL_ENGINE")
	if v := viper.GetString("http_port"); v != "" {
		fmt.Sscanf(v, "%d", &proc.HTTPPort)
	}
	if v := viper.GetString("postgres_dsn"); v != "" {
		proc.PostgresDSN = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		proc.RedisAddr = v
	}

	logger := logging.New(logging.Config{Level: logging.Level(proc.LogLevel), Format: proc.LogFormat, Service: "channel-engine"})
	logCtx := logging.NewContext(logger, nil)

	ctx := context.Background()

	pool, err := store.NewPool(ctx, proc.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	messageStore := store.NewMessageStore(pool)

	cfgStore, err := store.NewConfigStore(proc.PostgresDSN)
	if err != nil {
		log.Fatalf("connect config store: %v", err)
	}

	docStore, err := store.NewChannelDocumentStore(ctx, proc.CouchDBURL, proc.CouchDatabase)
	if err != nil {
		logCtx.WithError(err).Warn("channel document store unavailable, continuing without it")
		docStore = nil
	}

	scriptCache, err := bolt.Open(proc.BoltPath, 0o600, nil)
	if err != nil {
		log.Fatalf("open script cache: %v", err)
	}
	defer scriptCache.Close()
	scriptRuntime := script.NewRuntime(scriptCache)

	rt := router.New()

	redisClient := redis.NewClient(&redis.Options{Addr: proc.RedisAddr})
	retryQueue := router.NewRetryQueue(redisClient, "channel-engine:retry")

	globalMap := map[string]interface{}{}
	controller := engine.NewController(messageStore, scriptRuntime, rt, retryQueue, globalMap, logCtx)
	controller.SetEventSink(cfgStore)

	// Channel documents come from the YAML bundle when one is present; a
	// bundle-less start falls back to the documents saved on a previous
	// deploy.
	bundle, err := enginecfg.LoadChannelBundle(cfgFile)
	channels := bundle.Channels
	if err != nil {
		logCtx.WithError(err).Warn("no channel configuration file loaded")
		if docStore != nil {
			if saved, listErr := docStore.List(ctx); listErr == nil {
				channels = saved
			}
		}
	}
	for _, chCfg := range channels {
		spec := engine.ChannelSpec{
			Config:       chCfg,
			Source:       connector.NewPassthroughSource(chCfg.ID, chCfg.SourceKind, connector.Kind(chCfg.SourceKind)),
			Destinations: buildDestinations(chCfg, rt),
		}
		if err := controller.Deploy(ctx, spec); err != nil {
			logCtx.WithError(err).WithField("channel_id", chCfg.ID).Error("failed to deploy channel")
			continue
		}
		if docStore != nil {
			if err := docStore.Put(ctx, chCfg); err != nil {
				logCtx.WithError(err).WithField("channel_id", chCfg.ID).Warn("failed to persist channel document")
			}
		}
		if chCfg.Enabled {
			if err := controller.Start(ctx, chCfg.ID); err != nil {
				logCtx.WithError(err).WithField("channel_id", chCfg.ID).Error("failed to start channel")
			}
		}
	}

	var s3Target *archiver.S3Target
	if proc.S3Bucket != "" {
		opts := []func(*config.LoadOptions) error{config.WithRegion(proc.S3Region)}
		if proc.S3AccessKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(proc.S3AccessKey, proc.S3SecretKey, "")))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			logCtx.WithError(err).Warn("failed to load AWS config, archiving stays local-only")
		} else {
			client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				if proc.S3Endpoint != "" {
					o.BaseEndpoint = aws.String(proc.S3Endpoint)
					o.UsePathStyle = true
				}
			})
			s3Target = archiver.NewS3Target(client, proc.S3Bucket, proc.S3Prefix)
		}
	}
	arch := archiver.NewArchiver(messageStore, s3Target, archiver.FileConfig{RootFolder: "./archive"}, logCtx)

	// A previously saved pruner configuration wins over the YAML bundle's.
	prunerCfg := bundle.PrunerConfig
	if blob, found, err := cfgStore.Get(archiver.ConfigCategory, archiver.ConfigKey); err == nil && found {
		if saved, err := archiver.ConfigFromJSON([]byte(blob)); err == nil {
			prunerCfg = saved
		}
	}
	pruner := archiver.NewPruner(messageStore, cfgStore, arch, controller, prunerCfg, logCtx)
	pruner.Start()
	defer pruner.Stop()

	e := httpapi.NewEchoServer(httpapi.DefaultServerConfig())
	httpapi.RegisterHealth(e, "channel-engine")
	httpapi.RegisterVersion(e)
	dpHandlers := &httpapi.DataPrunerHandlers{Pruner: pruner, CfgStore: cfgStore}
	dpHandlers.RegisterDataPruner(e)

	serverCfg := httpapi.DefaultServerConfig()
	serverCfg.Port = proc.HTTPPort
	go func() {
		if err := httpapi.StartServer(e, serverCfg); err != nil {
			logCtx.WithError(err).Info("http server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logCtx.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.Shutdown(shutdownCtx)
	for _, id := range controller.ListDeployments() {
		_ = controller.Undeploy(shutdownCtx, id)
	}
	pool.Close()
}

// buildDestinations constructs the concrete connectors this repo ships
// (VM and AMQP) for a channel's configured destinations. Destinations
// configured with any other kind are skipped, since those transports are
// declared interface surface only.
func buildDestinations(cfg model.ChannelConfig, rt *router.Router) []*pipeline.Destination {
	out := make([]*pipeline.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		var c connector.DestinationConnector
		switch d.Kind {
		case string(connector.KindVM):
			c = connector.NewVMDestination(cfg.ID, d.Name, d.Properties["target_channel_id"], rt, false, nil)
		case string(connector.KindAMQP):
			c = connector.NewAMQPDestination(cfg.ID, d.Name, d.Properties["url"], d.Properties["exchange"], d.Properties["routing_key"])
		default:
			continue
		}
		out = append(out, &pipeline.Destination{Config: d, Connector: c})
	}
	return out
}
