// Command notifydispatchd runs the notification dispatch daemon: request
// intake and status HTTP servers, a periodic dispatch job, and process
// metrics, all wired against a single bbolt store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/relaynet/notifydispatch/config"
	"github.com/relaynet/notifydispatch/internal/directory"
	"github.com/relaynet/notifydispatch/internal/dispatch"
	"github.com/relaynet/notifydispatch/internal/httpapi"
	"github.com/relaynet/notifydispatch/internal/metrics"
	"github.com/relaynet/notifydispatch/internal/request"
	"github.com/relaynet/notifydispatch/internal/scheduler"
	"github.com/relaynet/notifydispatch/internal/status"
	"github.com/relaynet/notifydispatch/internal/store"
	"github.com/relaynet/notifydispatch/logger"
)

// cliArgs holds all configurable options passed via the command line. It
// is populated once in parseFlags() and then passed around main().
type cliArgs struct {
	ConfigPath string
	InstanceID string
}

func parseFlags() cliArgs {
	var args cliArgs
	pflag.StringVar(&args.ConfigPath, "config", "notifydispatch.json", "Path to the daemon's JSON config file")
	pflag.StringVar(&args.InstanceID, "instance-id", "", "Identifies this process in the advisory dispatch lock (defaults to hostname plus a random suffix)")
	pflag.Parse()
	return args
}

func main() {
	args := parseFlags()

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New("notifydispatchd", cfg.Log.Level, cfg.Log.Format)

	instanceID := args.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host + "-" + uuid.NewString()[:8]
		} else {
			instanceID = uuid.NewString()
		}
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	dir, err := directory.LoadStatic(cfg.DirectoryPath)
	if err != nil {
		log.Errorf("load directory: %v", err)
		os.Exit(1)
	}

	reqAPI := request.New(st)
	reqAPI.SetDefaultMaxRetries(cfg.DefaultMaxRetries)

	dispatcher := dispatch.New(st, dir, log, instanceID)
	hook := scheduler.New(st, log)
	defer hook.Stop()

	if err := hook.SchedulePeriodic(context.Background(), cfg.DispatchCron, func(ctx context.Context) error {
		return dispatcher.ProcessQueue(ctx, cfg.SMTP.Host, cfg.SMTP.Port)
	}); err != nil {
		log.Errorf("schedule dispatch job: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Infof("shutting down")
		cancel()
	}()

	intakeSrv := httpapi.NewServer(reqAPI, st, log)
	statusSrv := status.NewServer(st, log)
	m := metrics.GetMetrics()

	servers := 2
	errCh := make(chan error, 3)
	go func() { errCh <- intakeSrv.Start(ctx, cfg.HTTP.IntakePort) }()
	go func() { errCh <- statusSrv.Start(ctx, cfg.HTTP.StatusPort) }()
	if cfg.Metrics.Enabled {
		servers++
		go func() { errCh <- m.StartMetricsServer(ctx, cfg.Metrics.Port) }()
	}

	for i := 0; i < servers; i++ {
		if err := <-errCh; err != nil {
			log.Errorf("server exited: %v", err)
		}
	}
}
