// Command tinyhttpd starts the reactor-driven HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kfcemployee/tinyhttpd/internal/reactor"
)

func main() {
	port := flag.Int("port", 9006, "listening port")
	trigMode := flag.Int("trig-mode", 0, "event trigger mode (bit 0: client ET, bit 1: listen ET)")
	timeoutMs := flag.Int("timeout-ms", 60000, "idle connection timeout in milliseconds")
	linger := flag.Bool("linger", false, "enable SO_LINGER on the listening socket")
	sqlPort := flag.Int("sql-port", 3306, "MySQL port")
	sqlUser := flag.String("sql-user", "", "MySQL user; empty disables the DB-backed login/register paths")
	sqlPwd := flag.String("sql-pwd", "", "MySQL password")
	dbName := flag.String("db-name", "tinyhttpd", "MySQL database name")
	poolSize := flag.Int("pool-size", 8, "DB connection pool size")
	threads := flag.Int("threads", 4, "worker pool size")
	openLog := flag.Bool("open-log", true, "enable the async log sink")
	logLevel := flag.Int("log-level", 1, "minimum log level (0=debug .. 3=error)")
	logQueueSize := flag.Int("log-queue-size", 1024, "bounded log queue capacity")
	webroot := flag.String("webroot", "webroot", "static content root directory")
	flag.Parse()

	cfg := reactor.Config{
		Port:         *port,
		TrigMode:     *trigMode,
		TimeoutMs:    *timeoutMs,
		OptLinger:    *linger,
		SrcDir:       *webroot,
		SQLPort:      *sqlPort,
		SQLUser:      *sqlUser,
		SQLPwd:       *sqlPwd,
		DBName:       *dbName,
		ConnPoolSize: *poolSize,
		ThreadCount:  *threads,
		OpenLog:      *openLog,
		LogLevel:     *logLevel,
		LogQueueSize: *logQueueSize,
	}

	srv, err := reactor.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinyhttpd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "tinyhttpd: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "tinyhttpd: shutdown: %v\n", err)
			os.Exit(1)
		}
	}
}
