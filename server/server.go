// Package server serves a store.Provider on a single listener. gRPC requests reach
// the remote provider service, everything else reaches the HTTP API, which is backed
// by one storagearea.Cache per area.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/metrics/prom"
	"github.com/byuoitav/storagearea/server/handlers"
	"github.com/byuoitav/storagearea/storagearea"
	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/remote"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Server .
type Server struct {
	provider store.Provider
	log      *zap.Logger

	names   []string
	caches  map[string]*storagearea.Cache
	mirrors storagearea.Registry

	grpc *grpc.Server
	echo *echo.Echo
	http *http.Server

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a server for p and waits until the cache of every served area is primed.
func New(ctx context.Context, p store.Provider, opts ...Option) (*Server, error) {
	options := options{
		logger: log.P,
	}

	for _, o := range opts {
		o.apply(&options)
	}

	if p == nil {
		return nil, errors.New("provider must not be nil")
	}

	names := options.areas
	if names == nil {
		names = store.AreaNames(p)
	}

	reg := options.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Server{
		provider: p,
		log:      options.logger.Named("server"),
		names:    names,
		caches:   make(map[string]*storagearea.Cache, len(names)),
		done:     make(chan struct{}),
	}

	metrics := prom.New(reg, "storagearea")
	for _, name := range names {
		c, err := storagearea.New(name,
			storagearea.WithProvider(p),
			storagearea.WithRegistry(&s.mirrors),
			storagearea.WithLogger(options.logger.Named("cache")),
			storagearea.WithMetrics(metrics),
		)
		if err != nil {
			s.destroy()
			return nil, fmt.Errorf("unable to create cache: %w", err)
		}

		s.caches[name] = c
	}

	for name, c := range s.caches {
		if err := c.Ready().Wait(ctx); err != nil {
			s.destroy()
			return nil, fmt.Errorf("unable to prime %q: %w", name, err)
		}
	}

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	remote.NewServer(p, remote.WithLogger(options.logger)).Register(s.grpc)

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:     true,
		LogURI:        true,
		LogStatus:     true,
		LogLatency:    true,
		LogError:      true,
		LogValuesFunc: s.logRequest,
	}))

	s.echo.GET("/areas", handlers.ListAreas(s))
	s.echo.GET("/areas/:area", handlers.GetArea(s))
	s.echo.POST("/areas/:area", handlers.PostItem(s, s.log))
	s.echo.DELETE("/areas/:area", handlers.ClearArea(s))
	s.echo.GET("/areas/:area/keys/:key", handlers.GetKey(s))
	s.echo.PUT("/areas/:area/keys/:key", handlers.SetKey(s))
	s.echo.DELETE("/areas/:area/keys/:key", handlers.RemoveKey(s))
	s.echo.GET("/areas/:area/watch", handlers.Watch(s, s.log))
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	s.http = &http.Server{
		Handler: s.echo,
	}

	return s, nil
}

// Names returns the areas served over HTTP.
func (s *Server) Names() []string {
	return s.names
}

// Cache returns the cache of area.
func (s *Server) Cache(area string) (*storagearea.Cache, bool) {
	c, ok := s.caches[area]
	return c, ok
}

// OnChanged subscribes h to the provider's changes.
func (s *Server) OnChanged(h store.Handler) store.UnsubscribeFunc {
	return s.provider.OnChanged(h)
}

// Done is closed once the server starts stopping.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// ListenAndServe .
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %q: %w", addr, err)
	}

	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	m := cmux.New(lis)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return ignoreClosed(s.grpc.Serve(grpcL))
	})

	g.Go(func() error {
		return ignoreClosed(s.http.Serve(httpL))
	})

	g.Go(func() error {
		return ignoreClosed(m.Serve())
	})

	g.Go(func() error {
		select {
		case <-s.done:
		case <-ctx.Done():
		}

		return ignoreClosed(lis.Close())
	})

	s.log.Info("Serving", zap.Stringer("addr", lis.Addr()), zap.Strings("areas", s.names))
	return g.Wait()
}

// Stop stops serving and destroys the caches. Active gRPC calls are given until
// ctx is done to finish. The provider is left open.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unable to stop http server: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
		errs = append(errs, fmt.Errorf("unable to stop grpc server gracefully: %w", ctx.Err()))
	}

	s.destroy()

	s.log.Info("Stopped")
	return errors.Join(errs...)
}

func (s *Server) destroy() {
	for _, c := range s.caches {
		c.Destroy()
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("Call failed", zap.String("method", info.FullMethod), zap.Error(err))
	}

	return resp, err
}

func (s *Server) logRequest(_ echo.Context, v middleware.RequestLoggerValues) error {
	fields := []zap.Field{
		zap.String("method", v.Method),
		zap.String("uri", v.URI),
		zap.Int("status", v.Status),
		zap.Duration("latency", v.Latency),
	}

	if v.Error != nil {
		s.log.Warn("Request failed", append(fields, zap.Error(v.Error))...)
		return nil
	}

	s.log.Debug("Handled request", fields...)
	return nil
}

func ignoreClosed(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, http.ErrServerClosed),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, cmux.ErrListenerClosed),
		errors.Is(err, cmux.ErrServerClosed),
		errors.Is(err, grpc.ErrServerStopped):
		return nil
	}

	return err
}
