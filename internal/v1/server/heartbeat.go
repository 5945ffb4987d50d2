package server

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

// heartbeatLoop pings every connection each interval and arms a pong
// deadline per connection. Liveness evidence (a pong, or an application
// ping frame) disarms the deadline; silence past PongTimeout terminates.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.hbCtx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep walks the arena paced by CheckDelayPerClient, so a large instance
// spreads its ping writes instead of bursting them.
func (s *Server) sweep() {
	conns := s.Conns()
	if len(conns) == 0 {
		return
	}

	if est := time.Duration(len(conns)) * s.cfg.CheckDelayPerClient; est > s.cfg.PingInterval {
		logging.Warn(s.hbCtx, "Heartbeat sweep cannot finish inside one ping interval",
			zap.Int("connections", len(conns)),
			zap.Duration("estimated", est),
			zap.Duration("ping_interval", s.cfg.PingInterval))
	}

	pacer := rate.NewLimiter(rate.Every(s.cfg.CheckDelayPerClient), 1)
	for _, c := range conns {
		if err := pacer.Wait(s.hbCtx); err != nil {
			return
		}
		if c.State() != transport.StateOpen {
			continue
		}
		if !c.Alive() {
			// Still unproven from the previous sweep.
			s.onPongTimeout(c)
			continue
		}
		c.MarkPinged(s.cfg.PongTimeout, s.onPongTimeout)
		if err := c.Ping(); err != nil {
			logging.Warn(logging.WithConnection(s.hbCtx, c.ID(), c.UserID(), c.Namespace()),
				"Ping write failed, terminating", zap.Error(err))
			c.Terminate()
		}
	}
	metrics.HeartbeatSweeps.Inc()
}

func (s *Server) onPongTimeout(c *transport.Conn) {
	metrics.HeartbeatTerminations.Inc()
	logging.Warn(logging.WithConnection(s.hbCtx, c.ID(), c.UserID(), c.Namespace()),
		"Pong deadline missed, terminating",
		zap.Duration("pong_timeout", s.cfg.PongTimeout))
	c.Terminate()
}
