package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/crypt"
	"github.com/tomyedwab/litedb/metrics"
	"github.com/tomyedwab/litedb/sqlite"
)

const iniFilename = "litedb.ini"

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// Config is shared by every sub-command.
type Config struct {
	Database string    `long:"database" short:"d" env:"LITEDB_DATABASE" description:"Connection string, or the path of a database file"`
	Key      string    `long:"key" env:"LITEDB_CRYPTO_KEY" description:"Passphrase of the crypt engine for ENCRYPTED columns"`
	Metrics  bool      `long:"metrics" description:"Log driver metrics at info level when the command finishes"`
	Log      LogConfig `group:"Logging" namespace:"log" env-namespace:"LITEDB_LOG"`
}

var cfg = new(Config)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(metrics.LitedbCollectors()...)
}

func main() {
	parser := flags.NewParser(cfg, flags.Default)
	parser.LongDescription = `litedb inspects and maintains litedb database files.

	Optionally configure litedb with a '` + iniFilename + `' file in the current working
	directory, or with '~/.config/litedb/` + iniFilename + `'.
	`
	addCommands(parser)
	mustParseConfig(parser, iniFilename)
}

// InitLog configures the logger.
func InitLog(c LogConfig) {
	switch c.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(c.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// startup runs before every command.
func startup() {
	InitLog(cfg.Log)
	if strings.TrimSpace(cfg.Database) == "" {
		log.Fatal("a database is required (--database or LITEDB_DATABASE)")
	}
}

// Must panics if err is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[fmt.Sprintf("%v", extra[i])] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}

// openConnection opens the configured database. A value containing '=' is
// a connection string, anything else a file path.
func openConnection(ctx context.Context, database string) (*sqlite.Connection, error) {
	var opts []sqlite.Option
	if cfg.Key != "" {
		engine, err := crypt.NewAESEngine(cfg.Key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sqlite.WithCryptEngine(engine))
	}

	var conn *sqlite.Connection
	var err error
	if strings.Contains(database, "=") {
		conn, err = sqlite.NewConnection(database, opts...)
	} else {
		conn, err = sqlite.NewFileConnection(database, opts...)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.OpenContext(ctx); err != nil {
		conn.Dispose()
		return nil, err
	}
	return conn, nil
}

// withConnection opens the configured database for the duration of fn.
func withConnection(fn func(ctx context.Context, conn *sqlite.Connection) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := openConnection(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Dispose(); err != nil {
			log.WithField("err", err).Warn("failed to close database")
		}
		if cfg.Metrics {
			logMetrics(registry)
		}
	}()
	return fn(ctx, conn)
}

// logMetrics logs every non-zero sample gathered from g.
func logMetrics(g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		log.WithField("err", err).Warn("failed to gather metrics")
		return
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var fields = log.Fields{"metric": f.GetName()}
			for _, l := range m.GetLabel() {
				fields[l.GetName()] = l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				if m.GetCounter().GetValue() == 0 {
					continue
				}
				fields["value"] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				if m.GetHistogram().GetSampleCount() == 0 {
					continue
				}
				fields["count"] = m.GetHistogram().GetSampleCount()
				fields["sum"] = m.GetHistogram().GetSampleSum()
			default:
				continue
			}
			log.WithFields(fields).Info("metric")
		}
	}
}

// mustParseConfig parses an optional INI file, environment bindings and
// explicit flags, in that order of precedence.
func mustParseConfig(parser *flags.Parser, configName string) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)
	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "litedb"),
	}
	for _, prefix := range prefixes {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	parser.Options = origOptions

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}
		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			panic(err)
		case flags.ErrCommandRequired:
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
			os.Exit(1)
		case flags.ErrHelp:
			os.Exit(0)
		default:
			os.Exit(1)
		}
	}
}
