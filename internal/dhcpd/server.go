// Package dhcpd implements the DHCPv4 server: lease table, message
// handlers, configuration, and the platform-specific transport needed to
// reach clients that have no routable address yet.
package dhcpd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
)

// Server is a running DHCPv4 server bound to one network interface.
type Server struct {
	conf   ServerConfig
	logger *slog.Logger
	leases *leaseTable

	conn net.PacketConn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a Server from a validated configuration. conf must
// already have had Validate called on it.
func NewServer(conf ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		conf:   conf,
		logger: logger,
		leases: newLeaseTable(conf.resolved.rangeLo, conf.resolved.rangeHi, conf.resolved.leaseTTL),
	}
}

// Start opens the transport and launches the worker and sweeper goroutines.
// It returns once the server is ready to receive packets.
func (s *Server) Start(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "starting dhcp server: %w") }()

	iface, err := net.InterfaceByName(s.conf.InterfaceName)
	if err != nil {
		return fmt.Errorf("finding interface %s: %w", s.conf.InterfaceName, err)
	}

	conn, err := newConn(iface, s.conf.resolved.broadcast)
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.conf.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	s.logger.InfoContext(ctx, "dhcp server listening",
		slog.String("interface", s.conf.InterfaceName), slog.String("cidr", s.conf.CIDR))

	return nil
}

// Stop cancels all background goroutines and closes the transport, waiting
// for everything to exit.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}

	s.wg.Wait()

	return err
}

const maxPacketBuf = dhcpmsg.PacketSize + 64

// worker repeatedly reads a datagram, decodes it, dispatches it to the
// handler, and writes the reply, if any.
func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxPacketBuf)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.DebugContext(ctx, "read failed", slog.Any("err", err))

			continue
		}

		req, err := dhcpmsg.Decode(buf[:n])
		if err != nil {
			s.logger.DebugContext(ctx, "malformed packet", slog.Any("err", err))

			continue
		}

		if req.Op != dhcpmsg.BootRequest {
			continue
		}

		resp := s.handleMessage(ctx, req)
		if resp == nil {
			continue
		}

		s.send(ctx, addr, req, resp)
	}
}

// sweepLoop runs sweep once a second until ctx is cancelled.
func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.leases.sweep(now); n > 0 {
				s.logger.DebugContext(ctx, "swept expired leases", slog.Int("count", n))
			}
		}
	}
}
