// Package remote serves a store.Provider over gRPC, and implements a store.Provider
// on top of such a server.
package remote

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const maxRetry = time.Minute

// Provider is a store.Provider whose areas live on a remote Server.
// Changes made through any client of the server are announced to OnChanged handlers.
type Provider struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	log    *zap.Logger
	retry  time.Duration

	members  []string
	manifest store.Manifest
	feed     store.Feed

	errMu    sync.Mutex
	watchErr error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type area struct {
	p    *Provider
	name string
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Provider, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("unable to create client for %s: %w", addr, err)
	}

	p, err := NewProvider(ctx, conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p.closer = conn
	return p, nil
}

// NewProvider fetches the server's members and manifest, and starts watching it for changes.
// It returns once the watch is established.
func NewProvider(ctx context.Context, conn grpc.ClientConnInterface, opts ...Option) (*Provider, error) {
	options := options{
		logger: log.P,
		retry:  time.Second,
	}

	for _, o := range opts {
		o.apply(&options)
	}

	p := &Provider{
		conn:  conn,
		log:   options.logger.Named("remote"),
		retry: options.retry,
		done:  make(chan struct{}),
	}

	members := new(structpb.ListValue)
	if err := p.invoke(ctx, "Members", &emptypb.Empty{}, members); err != nil {
		return nil, fmt.Errorf("unable to list members: %w", err)
	}

	var err error
	p.members, err = stringsFrom(structpb.NewListValue(members))
	if err != nil {
		return nil, fmt.Errorf("unable to list members: %w", err)
	}

	manifest := new(structpb.Struct)
	if err := p.invoke(ctx, "Manifest", &emptypb.Empty{}, manifest); err != nil {
		return nil, fmt.Errorf("unable to get manifest: %w", err)
	}

	p.manifest.Permissions, _ = stringsFrom(manifest.GetFields()[fieldPermissions])
	p.manifest.OptionalPermissions, _ = stringsFrom(manifest.GetFields()[fieldOptionalPermissions])

	watchCtx, cancel := context.WithCancel(context.Background())

	// only the setup is bound to ctx
	stop := context.AfterFunc(ctx, cancel)
	stream, err := p.openWatch(watchCtx)
	stop()

	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to watch for changes: %w", err)
	}

	p.cancel = cancel
	go p.watch(watchCtx, stream)

	return p, nil
}

func (p *Provider) invoke(ctx context.Context, method string, req, resp any) error {
	return fromStatus(p.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp))
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", store.ErrNoArea, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	}

	return err
}

func (p *Provider) openWatch(ctx context.Context) (grpc.ClientStream, error) {
	stream, err := p.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+serviceName+"/Watch")
	if err != nil {
		return nil, err
	}

	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	// the server acknowledges once its subscription is in place
	if err := stream.RecvMsg(new(structpb.Struct)); err != nil {
		return nil, err
	}

	return stream, nil
}

func (p *Provider) watch(ctx context.Context, stream grpc.ClientStream) {
	defer close(p.done)

	for {
		err := p.receive(stream)
		if ctx.Err() != nil {
			return
		}

		p.log.Warn("Lost watch; changes may be missed until it is reopened", zap.Error(err))

		p.setWatchErr(fmt.Errorf("watch: %w", fromStatus(err)))

		delay := p.retry
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			stream, err = p.openWatch(ctx)
			if err == nil {
				break
			}

			if ctx.Err() != nil {
				return
			}

			p.log.Debug("Unable to reopen watch", zap.Duration("delay", delay), zap.Error(err))
			delay = min(delay*2, maxRetry)
		}

		p.setWatchErr(nil)
		p.log.Info("Reopened watch")
	}
}

func (p *Provider) setWatchErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	p.watchErr = err
}

func (p *Provider) receive(stream grpc.ClientStream) error {
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}

		changes, err := changesFrom(msg.GetFields()[fieldChanges])
		if err != nil {
			p.log.Warn("Dropping malformed change batch", zap.String("area", areaFrom(msg)), zap.Error(err))
			continue
		}

		p.feed.Publish(changes, areaFrom(msg))
	}
}

// Members .
func (p *Provider) Members() []string {
	return slices.Clone(p.members)
}

// Area .
func (p *Provider) Area(name string) (store.Area, error) {
	if !slices.Contains(store.AreaNames(p), name) {
		return nil, fmt.Errorf("%w: %q", store.ErrNoArea, name)
	}

	return &area{p: p, name: name}, nil
}

// OnChanged .
func (p *Provider) OnChanged(h store.Handler) store.UnsubscribeFunc {
	return p.feed.Subscribe(h)
}

// LastError reports why the watch is down, or nil while it is up. Calls return
// their own errors, so one call's failure never shows up here.
func (p *Provider) LastError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	return p.watchErr
}

// Manifest .
func (p *Provider) Manifest() store.Manifest {
	return store.Manifest{
		Permissions:         slices.Clone(p.manifest.Permissions),
		OptionalPermissions: slices.Clone(p.manifest.OptionalPermissions),
	}
}

// Contains .
func (p *Provider) Contains(ctx context.Context, perms []string) (bool, error) {
	resp := new(wrapperspb.BoolValue)
	if err := p.invoke(ctx, "Contains", listValue(perms), resp); err != nil {
		return false, err
	}

	return resp.GetValue(), nil
}

// Close stops watching and closes the connection if Dial opened it.
func (p *Provider) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		<-p.done

		if p.closer != nil {
			err = p.closer.Close()
		}
	})

	return err
}

// Get .
func (a *area) Get(ctx context.Context, keys []string) ([]store.Item, error) {
	req := request(a.name, map[string]*structpb.Value{
		fieldKeys: stringsValue(keys),
	})

	resp := new(structpb.Struct)
	if err := a.p.invoke(ctx, "Get", req, resp); err != nil {
		return nil, err
	}

	return itemsFrom(resp.GetFields()[fieldItems])
}

// Set .
func (a *area) Set(ctx context.Context, items []store.Item) error {
	req := request(a.name, map[string]*structpb.Value{
		fieldItems: itemsValue(items),
	})

	return a.p.invoke(ctx, "Set", req, new(emptypb.Empty))
}

// Remove .
func (a *area) Remove(ctx context.Context, keys []string) error {
	req := request(a.name, map[string]*structpb.Value{
		fieldKeys: stringsValue(keys),
	})

	return a.p.invoke(ctx, "Remove", req, new(emptypb.Empty))
}

// Clear .
func (a *area) Clear(ctx context.Context) error {
	return a.p.invoke(ctx, "Clear", request(a.name, nil), new(emptypb.Empty))
}
