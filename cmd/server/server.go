package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/stephnangue/custodian/config"
	"github.com/stephnangue/custodian/core"
	"github.com/stephnangue/custodian/internal/configutil"
	"github.com/stephnangue/custodian/lock"
	"github.com/stephnangue/custodian/logger"
	"github.com/stephnangue/custodian/physical"
	"github.com/stephnangue/custodian/provider"
	awsprovider "github.com/stephnangue/custodian/provider/aws"
	"github.com/stephnangue/custodian/secretstore"
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Custodian server running both credential engines",
		Long: `
Usage: custodian server [options]

  This command starts a Custodian server. The lease engine issues and expires
  ephemeral credentials; the rotation engine rotates long lived ones on their
  schedule. Start a server with a configuration file:

      $ custodian server --config=/etc/custodian/config.hcl
  `,
		RunE: run,
	}

	// Concrete provider plugins register themselves here
	builtinProviders = map[string]provider.Provider{
		"aws": awsprovider.NewSTSProvider(),
	}
	builtinFactories = map[string]provider.RotationFactory{
		"aws-iam-access-key": awsprovider.NewAccessKeyFactory(),
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/custodian.hcl)")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := buildLogger(conf)

	infoKeys := make([]string, 0, 10)
	info := make(map[string]string)
	info["log level"] = conf.LogLevel
	infoKeys = append(infoKeys, "log level")
	info["log format"] = conf.LogFormat
	infoKeys = append(infoKeys, "log format")

	storage, err := physical.NewBackend(conf.Storage.Type, conf.Storage.Config(), log)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}
	info["storage"] = conf.Storage.Type
	infoKeys = append(infoKeys, "storage")

	wrapper, err := buildSeal(conf, log, &infoKeys, &info)
	if err != nil {
		return fmt.Errorf("failed to configure kms wrapper: %w", err)
	}
	barrier, err := core.NewBarrier(wrapper)
	if err != nil {
		return fmt.Errorf("failed to create barrier: %w", err)
	}

	locks, err := buildLock(conf, &infoKeys, &info)
	if err != nil {
		return fmt.Errorf("failed to construct the lock backend: %w", err)
	}

	secrets, err := buildSecretStore(conf, log, &infoKeys, &info)
	if err != nil {
		return fmt.Errorf("failed to construct the secret store: %w", err)
	}

	registry := provider.NewRegistry()
	for name, p := range builtinProviders {
		if err := registry.Register(name, p); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", name, err)
		}
	}
	factories := provider.NewFactoryRegistry()
	for name, f := range builtinFactories {
		if err := factories.Register(name, f); err != nil {
			return fmt.Errorf("failed to register rotation factory %s: %w", name, err)
		}
	}

	engine := conf.Engine
	if engine == nil {
		engine = &config.EngineBlock{}
	}

	expiration := core.NewExpirationManager(log, storage, engine.ExpireWorkers)
	leases, err := core.NewLeaseManager(log, storage, barrier, registry, expiration, core.LeaseManagerConfig{
		MaxLeasesPerConfig: engine.MaxLeasesPerConfig,
	})
	if err != nil {
		return fmt.Errorf("failed to create lease manager: %w", err)
	}

	scheduler := core.NewRotationScheduler(log, storage, engine.RotateWorkers, engine.MaxRotateAttempts)
	rotations := core.NewRotationManager(log, storage, barrier, factories, secrets, locks, core.RotationManagerConfig{
		LockTTL:    time.Duration(engine.LockTTLSeconds) * time.Second,
		Resolution: core.ParseIntervalResolution(engine.RotationIntervalUnit),
	})
	rotations.SetScheduler(scheduler)
	scheduler.SetRotationManager(rotations)

	info["rotation interval unit"] = core.ParseIntervalResolution(engine.RotationIntervalUnit).String()
	infoKeys = append(infoKeys, "rotation interval unit")

	// Re-arm timers that were live before the last shutdown
	if err := expiration.Restore(cmd.Context()); err != nil {
		return fmt.Errorf("failed to restore expiry schedule: %w", err)
	}
	if err := scheduler.Restore(cmd.Context()); err != nil {
		return fmt.Errorf("failed to restore rotation schedule: %w", err)
	}

	sort.Strings(infoKeys)
	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Custodian server configuration:\n\n")

	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(cmd.OutOrStdout(), "%24s: %s\n", titleCaser.String(k), info[k])
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Custodian server started! Log data will stream in below:\n")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	fmt.Fprintf(cmd.OutOrStdout(), "Custodian shutdown triggered\n")

	scheduler.Stop()
	leases.Stop()
	expiration.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Custodian shutdown complete\n")
	return nil
}

func buildLogger(conf *config.Config) logger.Logger {
	logConfig := &logger.Config{
		Level:   logger.ParseLogLevel(conf.LogLevel),
		Format:  logger.ParseOutputFormat(conf.LogFormat),
		Outputs: []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &logger.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}
	return logger.NewZerologLogger(logConfig)
}

// buildSeal configures the kms wrapper that seals provider inputs and
// rotated credentials. Without a kms block an ephemeral aead key is
// generated, which cannot decrypt anything after a restart.
func buildSeal(conf *config.Config, log logger.Logger, infoKeys *[]string, info *map[string]string) (wrapping.Wrapper, error) {
	kms := conf.KMS
	if kms == nil {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral seal key: %w", err)
		}
		kms = &config.KMSBlock{
			Type: "aead",
			Options: map[string]string{
				"key":    base64.StdEncoding.EncodeToString(key),
				"key_id": "root",
			},
		}
		log.Warn("no kms block configured, using an ephemeral seal key; stored data will not survive a restart")
	}

	return configutil.ConfigureWrapper(kms, infoKeys, info)
}

func buildLock(conf *config.Config, infoKeys *[]string, info *map[string]string) (lock.Backend, error) {
	lockType := "inmem"
	if conf.Lock != nil {
		lockType = conf.Lock.Type
	}

	(*info)["lock"] = lockType
	*infoKeys = append(*infoKeys, "lock")

	switch lockType {
	case "inmem":
		return lock.NewInmemBackend(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Lock.Address,
			Password: conf.Lock.Password,
			DB:       conf.Lock.DB,
		})
		return lock.NewRedisBackend(client, conf.Lock.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown lock backend type %q", lockType)
	}
}

func buildSecretStore(conf *config.Config, log logger.Logger, infoKeys *[]string, info *map[string]string) (secretstore.Store, error) {
	storeType := "inmem"
	if conf.SecretStore != nil {
		storeType = conf.SecretStore.Type
	}

	(*info)["secret store"] = storeType
	*infoKeys = append(*infoKeys, "secret store")

	switch storeType {
	case "inmem":
		return secretstore.NewInmemStore(), nil
	case "vault":
		return secretstore.NewVaultStore(secretstore.VaultConfig{
			Address:    conf.SecretStore.Address,
			Token:      conf.SecretStore.Token,
			Namespace:  conf.SecretStore.Namespace,
			Mount:      conf.SecretStore.Mount,
			PathPrefix: conf.SecretStore.PathPrefix,
		}, log)
	default:
		return nil, fmt.Errorf("unknown secret store type %q", storeType)
	}
}
