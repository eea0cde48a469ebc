// Command dhcprelay forwards DHCPv4 traffic between a client-facing
// interface and a configured upstream server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/dhcplab/dhcpsuite/internal/dhcprelay"
)

const serverPort = 67

func main() {
	os.Exit(run())
}

func run() int {
	serverAddrFlag := flag.String("server", "", "upstream DHCP server address")
	giaddrFlag := flag.String("giaddr", "", "this relay's own address, stamped into forwarded requests")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        lvl,
		AddTimestamp: true,
	})

	serverAddr, err := netip.ParseAddr(*serverAddrFlag)
	if err != nil {
		logger.Error("parsing -server", slog.Any("err", err))

		return 1
	}

	giaddr, err := netip.ParseAddr(*giaddrFlag)
	if err != nil {
		logger.Error("parsing -giaddr", slog.Any("err", err))

		return 1
	}

	clientConn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", serverPort))
	if err != nil {
		logger.Error("opening client-facing socket", slog.Any("err", err))

		return 1
	}
	defer clientConn.Close()

	serverConn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		logger.Error("opening server-facing socket", slog.Any("err", err))

		return 1
	}
	defer serverConn.Close()

	relay := dhcprelay.New(clientConn, serverConn, serverAddr, giaddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	logger.InfoContext(ctx, "relay running", slog.String("server", serverAddr.String()))

	<-sigCh
	cancel()
	<-done

	return 0
}
