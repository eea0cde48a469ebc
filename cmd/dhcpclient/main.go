// Command dhcpclient acquires and maintains a DHCPv4 lease on one network
// interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/dhcplab/dhcpsuite/internal/dhcpclient"
)

const clientPort = 68

func main() {
	os.Exit(run())
}

func run() int {
	ifaceName := flag.String("interface", "", "network interface to request a lease on")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *ifaceName == "" {
		fmt.Fprintln(os.Stderr, "usage: dhcpclient -interface <name>")

		return 1
	}

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        lvl,
		AddTimestamp: true,
	})

	iface, err := net.InterfaceByName(*ifaceName)
	if err != nil {
		logger.Error("finding interface", slog.Any("err", err))

		return 1
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", clientPort))
	if err != nil {
		logger.Error("opening socket", slog.Any("err", err))

		return 1
	}
	defer conn.Close()

	c := dhcpclient.New(conn, iface.HardwareAddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease, err := c.Run(ctx)
	if err != nil {
		logger.Error("acquiring lease", slog.Any("err", err))

		return 1
	}

	logger.InfoContext(ctx, "lease acquired",
		slog.String("addr", lease.Addr.String()), slog.String("server", lease.Server.String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err = c.Release(lease.Addr, lease.Server); err != nil {
		logger.Error("releasing lease", slog.Any("err", err))

		return 1
	}

	return 0
}
