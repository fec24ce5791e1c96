package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"
	"github.com/m-lab/lantern/access"
	"github.com/m-lab/lantern/computed"
	"github.com/m-lab/lantern/handler"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/redis"
	"github.com/m-lab/lantern/throttling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Flags that can be passed in on the command line
	addr          = flag.String("addr", ":8080", "The address and port to serve lantern requests on")
	dataDir       = flag.String("datadir", "", "The directory in which to write result files; empty disables them")
	compress      = flag.Bool("compress-results", true, "Whether to gzip result files")
	settingsFile  = flag.String("settings", "", "A YAML file with the default settings of requests")
	logLevel      = flag.String("log.level", "info", "The level of the structured logs")
	maxConcurrent = flag.Int64("max-concurrent", 0, "The most requests computed at the same time; 0 means unlimited")
	maxBodyBytes  = flag.Int64("max-body-bytes", 256<<20, "The largest request body accepted; 0 means unlimited")
	redisAddr     = flag.String("redis.addr", "", "The Redis server storing metric results; empty keeps them in memory")
	storeTTL      = flag.Duration("store.ttl", time.Hour, "How long metric results are stored")

	// A metric to use to signal that the server is in lame duck mode.
	lameDuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lame_duck_experiment",
		Help: "Indicates when the server is in lame duck",
	})

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func catchSigterm() {
	// Disable lame duck status.
	lameDuck.Set(0)

	// Register channel to receive SIGTERM events.
	c := make(chan os.Signal, 1)
	defer close(c)
	signal.Notify(c, syscall.SIGTERM)
	defer signal.Stop(c)

	// Wait until we receive a SIGTERM or the context is canceled.
	select {
	case <-c:
		fmt.Println("Received SIGTERM")
	case <-ctx.Done():
		fmt.Println("Canceled")
		return
	}
	// Set lame duck status. This will remain set until exit.
	lameDuck.Set(1)
	// When we receive a second SIGTERM, cancel the context and shut everything
	// down. This should cause main() to exit cleanly.
	select {
	case <-c:
		fmt.Println("Received SIGTERM")
		cancel()
	case <-ctx.Done():
		fmt.Println("Canceled")
	}
}

func init() {
	log.SetFlags(log.LUTC | log.LstdFlags | log.Lshortfile)
}

// httpServer creates a new *http.Server with explicit Read and Write timeouts.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		// NOTE: set absolute read and write timeouts for server connections.
		ReadTimeout:  time.Minute,
		WriteTimeout: 5 * time.Minute,
	}
}

// newStore returns the store of metric results and a function releasing it.
func newStore() (computed.Store, func()) {
	if *redisAddr == "" {
		return computed.NewMemoryStore(*storeTTL), func() {}
	}
	client := redis.NewClient(*redisAddr, *storeTTL)
	if err := client.Ping(ctx); err != nil {
		logging.Logger.WithError(err).Warn("Redis is not reachable yet")
	}
	return client, func() { warnonerror.Close(client, "Could not close redis client") }
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")
	rtx.Must(logging.SetLevel(*logLevel), "Could not set log level")

	defaults := throttling.DefaultSettings()
	if *settingsFile != "" {
		var err error
		defaults, err = throttling.LoadSettings(*settingsFile)
		rtx.Must(err, "Could not load settings from %s", *settingsFile)
	}

	promServer := prometheusx.MustServeMetrics()
	defer warnonerror.Close(promServer, "Could not close the prometheus server")

	go catchSigterm()

	store, closeStore := newStore()
	defer closeStore()

	h := &handler.Handler{
		DataDir:  *dataDir,
		Compress: *compress,
		Store:    store,
		Settings: defaults,
	}
	// Request bodies are capped before a simulation slot is taken.
	controllers := []access.Controller{
		&access.SizeController{MaxBytes: *maxBodyBytes},
		&access.MaxController{Max: *maxConcurrent},
	}
	mux := http.NewServeMux()
	mux.Handle(handler.MetricsURLPath, access.Chain(http.HandlerFunc(h.Metrics), controllers...))
	mux.Handle(handler.StreamURLPath, access.Chain(http.HandlerFunc(h.Stream), controllers...))
	server := httpServer(*addr, logging.MakeAccessLogHandler(mux))
	log.Println("About to listen for lantern requests on " + *addr)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.WithError(err).Error("lantern server failed")
			cancel()
		}
	}()
	defer warnonerror.Close(server, "Could not close the lantern server")

	<-ctx.Done()
}
