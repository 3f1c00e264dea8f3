package config

import (
	"log/slog"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

type AppConfig struct {
	DevMode    bool   `arg:"--dev,env:DEV_MODE" default:"false"`
	Port       int    `arg:"-p,--port,env:LISTEN_PORT" default:"8005"`
	LogLevel   string `arg:"--log-level,env:LOG_LEVEL" default:"default" help:"Log level to use.  Valid values are: debug, info, and warn/warning.  If default the level will be info or debug in dev mode."`
	Store      string `arg:"--store,env:STORE" default:"postgres" help:"Queue store backend: postgres, mongo or memory."`
	DBHost     string `arg:"--db-host,env:DB_HOST" default:"localhost"`
	DBName     string `arg:"--db-name,env:DB_NAME" default:"brainfreeze"`
	DBPort     int    `arg:"--db-port,env:DB_PORT" default:"5432"`
	DBMaxConns int    `arg:"--db-max-conns,env:DB_MAX_CONNS" default:"10"`
	DBMinConns int    `arg:"--db-min-conns,env:DB_MIN_CONNS" default:"1"`
	DBSSLMode  string `arg:"--db-ssl-mode,env:DB_SSL_MODE" default:"disable"`
	DBUsername string `arg:"--db-username,env:DB_USERNAME" default:"brainfreeze"`
	DBPassword string `arg:"--db-password,env:DB_PASSWORD" default:"badpassword"`

	MongoURL        string `arg:"--mongo-url,env:MONGO_URL" default:"mongodb://localhost:27017"`
	MongoDatabase   string `arg:"--mongo-database,env:MONGO_DATABASE" default:"brainfreeze"`
	MongoCollection string `arg:"--mongo-collection,env:MONGO_COLLECTION" default:"queue"`
	RedisURL        string `arg:"--redis-url,env:REDIS_URL" default:"" help:"Redis URL for cross-instance schedule triggers. Disabled when empty."`
	RedisChannel    string `arg:"--redis-channel,env:REDIS_CHANNEL" default:"brainfreeze:enqueued"`

	DefaultTryTimes       int           `arg:"--default-try-times,env:DEFAULT_TRY_TIMES" default:"3" help:"Attempts per subscriber when an enqueue omits tryTimes. -1 is unlimited."`
	DefaultTimeoutSeconds int           `arg:"--default-timeout,env:DEFAULT_TIMEOUT_SECONDS" default:"60" help:"Seconds to wait for a subscriber reply when an enqueue omits timeoutSeconds."`
	CoolDown              time.Duration `arg:"--cool-down,env:COOL_DOWN" default:"60s" help:"Minimum gap between two attempts for the same subscriber."`
	ScheduleInterval      time.Duration `arg:"--schedule-interval,env:SCHEDULE_INTERVAL" default:"60s" help:"Idle tick of the scheduler."`
	DrainDelay            time.Duration `arg:"--drain-delay,env:DRAIN_DELAY" default:"10ms" help:"Pause between cycles while the backlog drains."`
	StaleAfter            time.Duration `arg:"--stale-after,env:STALE_AFTER" default:"10m" help:"Records left PROCESSING longer than this are reset on startup."`
	RequiredSubscribers   []string      `arg:"--required-subscribers,env:REQUIRED_SUBSCRIBERS" help:"Subscriber ids that must connect once before scheduling starts."`
}

// Defaults returns the configuration declared by the default tags, ignoring
// flags and the environment.
func Defaults() AppConfig {
	var appConfig AppConfig
	p, err := arg.NewParser(arg.Config{IgnoreEnv: true}, &appConfig)
	if err == nil {
		err = p.Parse(nil)
	}
	if err != nil {
		panic("config: invalid default tags: " + err.Error())
	}
	return appConfig
}

func LoadConfig() (*AppConfig, error) {
	var appConfig AppConfig
	arg.MustParse(&appConfig)

	if appConfig.DevMode {
		err := godotenv.Load(".env")
		if err == nil {
			// re-parse to get env vars from .env
			slog.Info("Loaded .env")
			arg.MustParse(&appConfig)
		}
	}

	if !SetLogLevel(appConfig.LogLevel, appConfig.DevMode) {
		slog.Error("Unable to configure log level", "level", appConfig.LogLevel)
	}

	switch appConfig.Store {
	case StorePostgres, StoreMongo, StoreMemory:
	default:
		slog.Warn("Unknown store, falling back to memory", "store", appConfig.Store)
		appConfig.Store = StoreMemory
	}

	return &appConfig, nil
}
