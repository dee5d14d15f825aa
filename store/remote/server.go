package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "storagearea.v1.Provider"

// watchBuffer is how many batches a watcher may fall behind before it is disconnected.
const watchBuffer = 1024

type providerServer interface {
	Members(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Set(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Remove(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Clear(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Manifest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Contains(context.Context, *structpb.ListValue) (*wrapperspb.BoolValue, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(providerServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return call(srv.(providerServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}

			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(providerServer), ctx, req.(Req))
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() *emptypb.Empty     { return new(emptypb.Empty) }
func newStruct() *structpb.Struct  { return new(structpb.Struct) }
func newList() *structpb.ListValue { return new(structpb.ListValue) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*providerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Members", newEmpty, providerServer.Members),
		unary("Get", newStruct, providerServer.Get),
		unary("Set", newStruct, providerServer.Set),
		unary("Remove", newStruct, providerServer.Remove),
		unary("Clear", newStruct, providerServer.Clear),
		unary("Manifest", newEmpty, providerServer.Manifest),
		unary("Contains", newList, providerServer.Contains),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}

				return srv.(providerServer).Watch(in, stream)
			},
		},
	},
}

// Server exposes a store.Provider over gRPC.
type Server struct {
	provider store.Provider
	log      *zap.Logger
}

// NewServer .
func NewServer(p store.Provider, opts ...Option) *Server {
	options := options{
		logger: log.P,
	}

	for _, o := range opts {
		o.apply(&options)
	}

	return &Server{
		provider: p,
		log:      options.logger.Named("remote"),
	}
}

// Register registers the provider service on g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNoArea):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	return status.Error(codes.Internal, err.Error())
}

func (s *Server) area(req *structpb.Struct) (store.Area, error) {
	a, err := s.provider.Area(areaFrom(req))
	if err != nil {
		return nil, toStatus(err)
	}

	return a, nil
}

// Members .
func (s *Server) Members(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return listValue(s.provider.Members()), nil
}

// Get .
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a, err := s.area(req)
	if err != nil {
		return nil, err
	}

	keys, err := stringsFrom(req.GetFields()[fieldKeys])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	items, err := a.Get(ctx, keys)
	if err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldItems: itemsValue(items),
		},
	}, nil
}

// Set .
func (s *Server) Set(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	a, err := s.area(req)
	if err != nil {
		return nil, err
	}

	items, err := itemsFrom(req.GetFields()[fieldItems])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.log.Debug("Setting", zap.String("area", areaFrom(req)), zap.Int("items", len(items)))
	if err := a.Set(ctx, items); err != nil {
		return nil, toStatus(err)
	}

	return &emptypb.Empty{}, nil
}

// Remove .
func (s *Server) Remove(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	a, err := s.area(req)
	if err != nil {
		return nil, err
	}

	keys, err := stringsFrom(req.GetFields()[fieldKeys])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.log.Debug("Removing", zap.String("area", areaFrom(req)), zap.Strings("keys", keys))
	if err := a.Remove(ctx, keys); err != nil {
		return nil, toStatus(err)
	}

	return &emptypb.Empty{}, nil
}

// Clear .
func (s *Server) Clear(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	a, err := s.area(req)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Clearing", zap.String("area", areaFrom(req)))
	if err := a.Clear(ctx); err != nil {
		return nil, toStatus(err)
	}

	return &emptypb.Empty{}, nil
}

// Manifest reports the provider's manifest. Providers without permissions grant storage outright.
func (s *Server) Manifest(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	m := store.Manifest{Permissions: []string{"storage"}}
	if perms, ok := s.provider.(store.Permissions); ok {
		m = perms.Manifest()
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldPermissions:         stringsValue(m.Permissions),
			fieldOptionalPermissions: stringsValue(m.OptionalPermissions),
		},
	}, nil
}

// Contains .
func (s *Server) Contains(ctx context.Context, req *structpb.ListValue) (*wrapperspb.BoolValue, error) {
	perms, ok := s.provider.(store.Permissions)
	if !ok {
		return wrapperspb.Bool(true), nil
	}

	list, err := stringsFrom(structpb.NewListValue(req))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	granted, err := perms.Contains(ctx, list)
	if err != nil {
		return nil, toStatus(err)
	}

	return wrapperspb.Bool(granted), nil
}

// Watch streams every change batch of the provider. The first message is an empty
// acknowledgement sent once the subscription is in place.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	batches := make(chan *structpb.Struct, watchBuffer)
	behind := make(chan struct{})

	var once sync.Once
	unsub := s.provider.OnChanged(func(changes store.Changes, area string) {
		msg := request(area, map[string]*structpb.Value{
			fieldChanges: changesValue(changes),
		})

		select {
		case batches <- msg:
		default:
			once.Do(func() { close(behind) })
		}
	})
	defer unsub()

	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}

	s.log.Info("Started watch")
	defer s.log.Info("Stopped watch")

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-behind:
			s.log.Warn("Watcher fell behind; disconnecting it")
			return status.Error(codes.ResourceExhausted, "watcher fell too far behind")
		case msg := <-batches:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
