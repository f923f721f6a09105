package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/scriptdash/scriptdash/app/config"
	"github.com/scriptdash/scriptdash/app/executor"
	"github.com/scriptdash/scriptdash/app/notify"
	"github.com/scriptdash/scriptdash/app/schedule"
	"github.com/scriptdash/scriptdash/app/scripts"
	"github.com/scriptdash/scriptdash/app/store"
	"github.com/scriptdash/scriptdash/app/web"
)

var opts struct {
	Listen     string        `short:"l" long:"listen" env:"SCRIPTDASH_LISTEN" default:":8080" description:"listen address"`
	ScriptsDir string        `short:"s" long:"scripts" env:"SCRIPTDASH_SCRIPTS" default:"./scripts" description:"trusted scripts root"`
	DBPath     string        `long:"db" env:"SCRIPTDASH_DB" default:"./scriptdash.db" description:"sqlite database path"`
	Shell      string        `long:"shell" env:"SCRIPTDASH_SHELL" default:"/usr/bin/pwsh" description:"script interpreter"`
	Timeout    time.Duration `long:"timeout" env:"SCRIPTDASH_TIMEOUT" default:"5m" description:"script execution timeout"`
	LogDir     string        `long:"log-dir" env:"SCRIPTDASH_LOG_DIR" default:"./logs" description:"schedule log files location"`
	SeedFile   string        `long:"seed" env:"SCRIPTDASH_SEED" description:"declarative schedule seed file"`
	Dbg        bool          `long:"dbg" env:"SCRIPTDASH_DEBUG" description:"debug mode"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to retry ledger writes"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"500ms" description:"initial retry duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"SCRIPTDASH_REPEATER"`

	Notify struct {
		SMTPHost     string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut  time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		From         string        `long:"from" env:"FROM" description:"email from address"`
		To           []string      `long:"to" env:"TO" description:"email to address(es)" env-delim:","`
		HostName     string        `long:"host" env:"HOSTNAME" description:"host name reported in notifications"`
	} `group:"notify" namespace:"notify" env-namespace:"SCRIPTDASH_NOTIFY"`

	Log struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable log to file"`
		File       string `long:"file" env:"FILE" default:"scriptdash.log" description:"log file name"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size, in megabytes"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"max number of rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"SCRIPTDASH_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("scriptdash %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	exe, err := executor.New(opts.Shell, opts.ScriptsDir, opts.Timeout)
	if err != nil {
		return fmt.Errorf("failed to make executor: %w", err)
	}

	db, err := store.NewSQLiteStore(opts.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("[WARN] failed to close ledger: %v", err)
		}
	}()

	mgr, err := schedule.New(schedule.Config{
		Store:      schedule.NewSystemStore(),
		Shell:      opts.Shell,
		ScriptsDir: opts.ScriptsDir,
		LogDir:     opts.LogDir,
	})
	if err != nil {
		return fmt.Errorf("failed to make schedule manager: %w", err)
	}

	if opts.SeedFile != "" {
		if err := seedSchedules(ctx, db, mgr); err != nil {
			return fmt.Errorf("failed to seed schedules: %w", err)
		}
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	srv, err := web.New(web.Config{
		Executor: exe,
		Store:    db,
		Sched:    mgr,
		Scripts:  scripts.NewScanner(opts.ScriptsDir, 4),
		Notifier: makeNotifier(),
		Repeater: rptr,
		Version:  revision,
	})
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}

	return srv.Run(ctx, opts.Listen)
}

// seedSchedules ensures every schedule declared in the seed file exists in the
// ledger and is reconciled to the crontab, matching by schedule name
func seedSchedules(ctx context.Context, db *store.SQLiteStore, mgr *schedule.Manager) error {
	cfg, err := config.Load(opts.SeedFile)
	if err != nil {
		return err
	}

	existing, err := db.ListSchedules(ctx)
	if err != nil {
		return err
	}
	byName := map[string]store.Schedule{}
	for _, s := range existing {
		byName[s.Name] = s
	}

	for _, seed := range cfg.Schedules {
		params := paramsText(seed.Params)

		rec, known := byName[seed.Name]
		if !known {
			rec, err = db.CreateSchedule(ctx, store.Schedule{
				Name:           seed.Name,
				ScriptPath:     seed.Script,
				CronExpression: seed.CronSpec(),
				Parameters:     params,
				Enabled:        seed.IsEnabled(),
				Description:    seed.Description,
			})
			if err != nil {
				return fmt.Errorf("seed %q: %w", seed.Name, err)
			}
		} else {
			rec.ScriptPath = seed.Script
			rec.CronExpression = seed.CronSpec()
			rec.Parameters = params
			rec.Enabled = seed.IsEnabled()
			rec.Description = seed.Description
			if err := db.UpdateSchedule(ctx, rec); err != nil {
				return fmt.Errorf("seed %q: %w", seed.Name, err)
			}
		}

		if _, err := mgr.Create(rec.ID, seed.Script, seed.CronSpec(), seed.Params, seed.IsEnabled()); err != nil {
			return fmt.Errorf("seed %q: %w", seed.Name, err)
		}
		log.Printf("[INFO] seeded schedule %q (%d)", seed.Name, rec.ID)
	}
	return nil
}

func paramsText(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func makeNotifier() web.Notifier {
	svc := notify.NewService(
		notify.Params{HostName: opts.Notify.HostName},
		notify.SendersParams{
			ToEmails:     opts.Notify.To,
			FromEmail:    makeFromEmail(),
			SMTPHost:     opts.Notify.SMTPHost,
			SMTPPort:     opts.Notify.SMTPPort,
			SMTPUsername: opts.Notify.SMTPUsername,
			SMTPPassword: opts.Notify.SMTPPassword,
			SMTPTLS:      opts.Notify.SMTPTLS,
			SMTPStartTLS: opts.Notify.SMTPStartTLS,
			TimeOut:      opts.Notify.SMTPTimeOut,
		})
	if svc == nil {
		return nil // keep the interface nil, not a typed nil pointer
	}
	return svc
}

func makeFromEmail() string {
	if opts.Notify.From != "" {
		return opts.Notify.From
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return "scriptdash@" + host
}

func setupLogs() {
	logOptions := []log.Option{log.Msec, log.LevelBraces}
	if opts.Dbg {
		logOptions = []log.Option{log.Debug, log.Msec, log.LevelBraces, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if opts.Log.Enabled {
		fileWriter := &lumberjack.Logger{
			Filename:   opts.Log.File,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			Compress:   true,
		}
		logOptions = append(logOptions, log.Out(io.MultiWriter(os.Stdout, fileWriter)))
	}

	log.Setup(logOptions...)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
