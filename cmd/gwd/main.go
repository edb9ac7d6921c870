// Command gwd is the captive-portal gateway daemon: it intercepts
// unauthenticated client traffic, fronts the redirect-to-portal dance,
// talks to a remote auth service, and programs the kernel packet filter
// to forward traffic for sessions the auth service has approved.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/brightgate-gw/gwd/internal/arp"
	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/control"
	"github.com/brightgate-gw/gwd/internal/firewall"
	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/gwlog"
	"github.com/brightgate-gw/gwd/internal/httpfront"
	"github.com/brightgate-gw/gwd/internal/lifecycle"
	"github.com/brightgate-gw/gwd/internal/macvendor"
	"github.com/brightgate-gw/gwd/internal/metrics"
	"github.com/brightgate-gw/gwd/internal/scheduler"
	"github.com/brightgate-gw/gwd/internal/session"
)

var (
	configPath string
	foreground bool
	debugLevel int
	useSyslog  bool
	ouiPath    string
)

func main() {
	root := &cobra.Command{
		Use:           "gwd",
		Short:         "captive-portal gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "/etc/gwd.conf", "configuration file path")
	flags.BoolVarP(&foreground, "foreground", "f", false, "clear the Daemon config value (gwd never forks; it always runs in the foreground)")
	flags.IntVarP(&debugLevel, "debug", "d", -1, "override the configured debug level")
	flags.BoolVarP(&useSyslog, "syslog", "s", false, "accepted but has no effect; logs always go to stderr")
	flags.StringVar(&ouiPath, "oui-file", "", "path to an IEEE OUI database for MAC vendor annotation")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gwd:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := gwconfig.Parse(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debugLevel >= 0 {
		cfg.DebugLevel = debugLevel
	}
	cfg.Daemon = !foreground

	slog := gwlog.New(cfg.HTTPDName)
	gwlog.SetLevel(gwlog.DebugLevelToZap(cfg.DebugLevel).String())
	slog.Infof("gwd starting, gateway_id=%s gateway_interface=%s", cfg.GatewayID, cfg.GatewayInterface)

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	fw := firewall.New(cfg, slog, mtr)
	if err := fw.Init(); err != nil {
		return fmt.Errorf("initializing firewall: %w", err)
	}

	table := session.NewTable(nil)
	authC := authclient.New(cfg, slog, mtr)
	arpR := arp.New(cfg.GatewayInterface)
	vendorDB := macvendor.Open(ouiPath)

	glue := &lifecycle.Glue{Table: table, Firewall: fw, Auth: authC, Metrics: mtr, Slog: slog}

	front := httpfront.New(cfg, table, arpR, authC, glue, vendorDB.Vendor, slog)

	ctx, cancel := context.WithCancel(context.Background())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.GatewayAddress, cfg.GatewayPort),
		Handler: front.Handler,
	}

	sched := scheduler.New(cfg, table, fw, authC, glue, mtr, slog)

	exitCode := make(chan int, 1)
	shutdown := func(code int) {
		slog.Infof("gwd shutting down")
		cancel()
		httpServer.Shutdown(context.Background())
		fw.Destroy()
		exitCode <- code
	}

	ctl := control.New(cfg.WdctlSocket, table, glue, slog, func() { shutdown(0) })

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Errorf("http front failed: %v", err)
		}
	}()
	go sched.Run(ctx)
	go func() {
		if err := ctl.Run(ctx); err != nil {
			slog.Errorf("control server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		shutdown(0)
	}()

	select {
	case code := <-exitCode:
		if code != 0 {
			os.Exit(code)
		}
	}
	return nil
}
