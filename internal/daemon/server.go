package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server serves health, metrics and the local agent API.
type Server struct {
	rt  *Runtime
	srv *http.Server
	ln  net.Listener
}

// Handler returns the daemon's HTTP routes.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	rt.Health.Mount(mux)
	mux.Handle("GET /metrics", rt.Metrics.Handler())
	rt.mountAPI(mux)
	return withRequestID(rt.Logger.WithComponent("http"), mux)
}

// Listen binds addr. Use Addr for the bound address when addr has port 0.
func (rt *Runtime) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		rt: rt,
		ln: ln,
		srv: &http.Server{
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve runs until Shutdown. A panic in the serving goroutine is recorded
// as a crash report.
func (s *Server) Serve() {
	s.rt.Crash.Go("http-server", func() {
		logger := s.rt.Logger.WithComponent("http")
		logger.Info("listening", "addr", s.Addr())
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	})
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
