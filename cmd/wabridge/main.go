package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/adminapi"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	BuildVersion string
	BuildTime    string
)

var (
	h         = flag.Bool("h", false, "help usage")
	showVer   = flag.Bool("v", false, "show version")
	conffile  = flag.String("c", "", "config yaml file")
	initdb    = flag.Bool("initdb", false, "drop and recreate all bridge tables")
	printConf = flag.Bool("printconf", false, "print the effective config and exit")
)

// PrintVersion Print version information
func PrintVersion() {
	fmt.Println("build name:\t", "wabridge")
	fmt.Println("build version:\t", BuildVersion)
	fmt.Println("build time:\t", BuildTime)
	fmt.Println("go version:\t", runtime.Version())
}

func printHelp() {
	if *h {
		ustr := "wabridge version: " + BuildVersion + ", Usage: wabridge -h\nOptions:"
		_, _ = fmt.Fprintln(os.Stderr, ustr)
		flag.PrintDefaults()
		os.Exit(0)
	}
}

func main() {
	flag.Parse()

	if *showVer {
		PrintVersion()
		os.Exit(0)
	}

	printHelp()

	cfg := config.LoadConfig(*conffile)

	if *printConf {
		fmt.Println(cfg.String())
		return
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	svc, err := whatsapp.New(application)
	if err != nil {
		zap.L().Fatal("whatsapp service init failed", zap.Error(err))
	}
	defer svc.Close()

	webserver.Init(application)
	adminapi.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.StartBackgroundJobs(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webserver.Listen()
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down admin api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return webserver.Server().Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("wabridge stopped with error", zap.Error(err))
	}
}
