// Command filemuxd implements the filemux daemon. filemuxd exposes the
// regular files of one directory to filemux clients over TCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/mitchellh/go-homedir"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/filemux/internal/cmdutil"
	"github.com/rfratto/filemux/internal/server"
)

func main() {
	var (
		o  = server.DefaultOptions
		ll cmdutil.LogLevel

		port           = 2000
		listenHost     string
		dir            = "."
		readOnly       bool
		logRequests    bool
		httpListenAddr = "0.0.0.0:8080"
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&ll, "log.level", "Level to display logs at")

	fs.IntVar(&port, "port", port, "TCP port to serve files on")
	fs.StringVar(&listenHost, "listen-host", listenHost, "Host to listen on. Empty listens on all local addresses.")
	fs.StringVar(&dir, "dir", dir, "Directory whose regular files are served")
	fs.DurationVar(&o.ConnTimeout, "conn-timeout", o.ConnTimeout, "Maximum lifetime of a connection. 0 disables the timeout.")
	fs.BoolVar(&readOnly, "read-only", readOnly, "Refuse delete and rename requests")
	fs.BoolVar(&logRequests, "log.requests", logRequests, "Log every request at debug level")
	fs.StringVar(&httpListenAddr, "http.listen-addr", httpListenAddr, "Listen address for the metrics and pprof HTTP server. Empty disables it.")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	if port < 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "-port %d out of range\n", port)
		os.Exit(1)
	}

	l := cmdutil.NewLogger(os.Stdout, ll, "filemuxd")

	root, err := servedDirectory(dir)
	if err != nil {
		level.Error(l).Log("msg", "invalid served directory", "dir", dir, "err", err)
		os.Exit(1)
	}

	var handler server.Handler = server.Directory(l, root)
	if readOnly {
		handler = server.ReadOnly(handler)
	}
	o.Handler = handler
	o.ListenAddr = net.JoinHostPort(listenHost, strconv.Itoa(port))
	o.Registerer = prometheus.DefaultRegisterer
	if logRequests {
		o.Middleware = append(o.Middleware, server.NewLoggingMiddleware(l))
	}

	var group run.Group

	// Information server worker
	if httpListenAddr != "" {
		lis, err := net.Listen("tcp", httpListenAddr)
		if err != nil {
			level.Error(l).Log("msg", "failed to create listener for HTTP server", "err", err)
			os.Exit(1)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// filemux worker
	{
		srv, err := server.New(l, o)
		if err != nil {
			level.Error(l).Log("msg", "failed to create filemux server", "err", err)
			os.Exit(1)
		}
		level.Info(l).Log("msg", "serving directory", "dir", root, "read_only", readOnly)

		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			return srv.Serve(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	if err := group.Run(); err != nil {
		level.Error(l).Log("msg", "error running filemuxd", "err", err)
		os.Exit(1)
	}
}

// servedDirectory expands dir and checks that it is an existing directory.
// filemuxd never creates the served directory.
func servedDirectory(dir string) (string, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(expanded)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", expanded)
	}
	return expanded, nil
}
