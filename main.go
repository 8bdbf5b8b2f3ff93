package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/junglevibe/api"
	"github.com/mqy/junglevibe/auth"
	"github.com/mqy/junglevibe/challenge"
	"github.com/mqy/junglevibe/chat"
	"github.com/mqy/junglevibe/quota"
	"github.com/mqy/junglevibe/server"
	"github.com/mqy/junglevibe/store"
	"github.com/mqy/junglevibe/ws"
)

const (
	msgPayloadMaxBytes = 4096
	msgMaxAge          = 7 * 24 * time.Hour

	maxRoomWindow = 1000
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "junglevibe.pid", "pid file")
	flagStore        = flag.String("store", "bolt", "message and user store: memory, bolt or mysql")
	flagBoltPath     = flag.String("bolt-path", "junglevibe.db", "bolt store: database file")
	flagMysqlDsn     = flag.String("mysql-dsn", "", "mysql store: server dsn, default from env MYSQL_DSN")
	flagRedisUrl     = flag.String("redis-url", "", "optional redis url for quota counters, default from env REDIS_URL")
	flagKafkaBrokers = flag.String("kafka-brokers", "", "optional comma separated kafka brokers, enables the ingest pipeline")
	flagDailyLimit   = flag.Uint("daily-limit", quota.DefaultDailyLimit, "private messages per room per local day")
	flagSessionQuota = flag.Uint("session-quota", 5, "per user session quota, allowed value in [1, 10]")
	flagRoomWindow   = flag.Uint("room-window", 100, "messages delivered per room snapshot")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
	flagH2c            = flag.Bool("h2c", false, "serve HTTP/2 without TLS")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errorf(".env: %v", err)
	}
	if *flagMysqlDsn == "" {
		*flagMysqlDsn = os.Getenv("MYSQL_DSN")
	}
	if *flagRedisUrl == "" {
		*flagRedisUrl = os.Getenv("REDIS_URL")
	}

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	st, err := openStore()
	if err != nil {
		return errorf("open %s store error: %v", *flagStore, err)
	}
	defer st.Close()

	glog.Info("junglevibe server is starting")

	live := store.NewLive(st, int(*flagRoomWindow))

	var accountant quota.Accountant = quota.NewScanAccountant(live)
	if *flagRedisUrl != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		counter, err := quota.NewRedisCounter(ctx, *flagRedisUrl)
		cancel()
		if err != nil {
			return errorf("redis: %v", err)
		}
		defer counter.Close()
		live.OnSaved(counter.Record)
		accountant = counter
		glog.Infof("quota: counting with redis")
	}

	deps := &chat.Deps{
		Live:       live,
		Accountant: accountant,
		Sink:       &chat.StoreSink{Store: live},
		Challenger: challenge.NewClient(os.Getenv("API_KEY")),
		DailyLimit: int(*flagDailyLimit),
	}

	var kafkaReader server.IKafkaReader
	if *flagKafkaBrokers != "" {
		brokers := strings.Split(*flagKafkaBrokers, ",")
		sink := server.NewKafkaSink(server.NewKafkaWriter(brokers), msgPayloadMaxBytes)
		defer sink.Close()
		deps.Sink = sink
		kafkaReader = server.NewKafkaReader(brokers)
		glog.Infof("ingest: sending through kafka topic %s", server.KafkaTopic)
	}

	authClient := newAuthClient()
	hub := ws.NewHub(authClient, deps)

	router := mux.NewRouter()
	if !*flagDisableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	router.Handle("/ws", hub)
	api.New(authClient, deps, int(*flagRoomWindow)).Register(router)

	srv := server.NewStandalone(&server.Config{
		Addr:          *flagAddr,
		Hub:           hub,
		Handler:       router,
		H2c:           *flagH2c,
		Users:         live,
		Store:         live,
		KafkaReader:   kafkaReader,
		MaxValueBytes: msgPayloadMaxBytes,
		MaxAge:        msgMaxAge,
		SessionQuota:  int(*flagSessionQuota),
	})

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx, stopNotifyChan)

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("junglevibe server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func(prof *Profiler) {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-stopNotifyChan
				signal.Stop(sigCh)
				close(sigCh)
			}(prof)
		}
	}

	glog.Info("junglevibe server exited")
	return 0
}

func openStore() (store.IStore, error) {
	switch *flagStore {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		return store.NewBoltStore(*flagBoltPath)
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error: %v", err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		return store.NewMysqlStore(db), nil
	}
	return nil, fmt.Errorf("unknown store %q", *flagStore)
}

func newAuthClient() auth.Client {
	// TODO: hook into the hosted identity provider.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case "memory":
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn or env MYSQL_DSN is required")
		}
	default:
		return errorf("--store MUST be one of memory, bolt, mysql")
	}

	if *flagDailyLimit == 0 {
		return errorf("--daily-limit is required positive integer")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [1, 10]")
	}

	if *flagRoomWindow == 0 || *flagRoomWindow > maxRoomWindow {
		return errorf("--room-window MUST in range [1, %d]", maxRoomWindow)
	}

	for _, b := range strings.Split(*flagKafkaBrokers, ",") {
		if *flagKafkaBrokers != "" && b == "" {
			return errorf("--kafka-brokers: empty broker in `%s`", *flagKafkaBrokers)
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if f, err := os.Open(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: open error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
