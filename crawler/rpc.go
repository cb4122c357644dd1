package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"

	"github.com/cpacia/fdpindex/repo"
	"github.com/cpacia/fdpindex/rpc"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var errInvalidToken = status.Error(codes.Unauthenticated, "invalid authentication token")

// grpcServer holds the gRPC server and whatever listeners were started
// for it so they can be shut down together.
type grpcServer struct {
	server      *grpc.Server
	httpServers []*http.Server
	listeners   []net.Listener
	authToken   string
}

func newGrpcServer(netAddrs []net.Addr, crawler *Crawler, cfg *repo.Config) (*grpcServer, error) {
	s := &grpcServer{authToken: cfg.GrpcAuthToken}

	opts := []grpc.ServerOption{grpc.StreamInterceptor(s.interceptStreaming), grpc.UnaryInterceptor(s.interceptUnary)}
	useTLS := cfg.RPCCert != "" && cfg.RPCKey != ""
	if useTLS {
		creds, err := credentials.NewServerTLSFromFile(cfg.RPCCert, cfg.RPCKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s.server = grpc.NewServer(opts...)
	rpc.NewGrpcServer(crawler).Register(s.server)

	for _, addr := range netAddrs {
		if !useTLS {
			l, err := net.Listen(addr.Network(), addr.String())
			if err != nil {
				s.Stop()
				return nil, err
			}
			s.listeners = append(s.listeners, l)
			log.Infof("gRPC server listening on %s", l.Addr())
			go func() {
				if err := s.server.Serve(l); err != nil {
					log.Debugf("Finished serving gRPC: %v", err)
				}
			}()
			continue
		}

		// Browsers reach the server through grpc-web, which needs TLS.
		allowAllOrigins := grpcweb.WithOriginFunc(func(origin string) bool {
			return true
		})
		wrappedGrpc := grpcweb.WrapServer(s.server, allowAllOrigins)

		handler := func(resp http.ResponseWriter, req *http.Request) {
			if wrappedGrpc.IsGrpcWebRequest(req) || wrappedGrpc.IsAcceptableGrpcCorsRequest(req) {
				wrappedGrpc.ServeHTTP(resp, req)
			} else {
				s.server.ServeHTTP(resp, req)
			}
		}

		httpServer := &http.Server{
			Addr:    addr.String(),
			Handler: http.HandlerFunc(handler),
		}
		s.httpServers = append(s.httpServers, httpServer)

		log.Infof("gRPC server listening on %s", addr)

		go func() {
			if err := httpServer.ListenAndServeTLS(cfg.RPCCert, cfg.RPCKey); err != nil {
				log.Debugf("Finished serving experimental gRPC: %v", err)
			}
		}()
	}
	return s, nil
}

// Stop closes every listener and stops the server.
func (s *grpcServer) Stop() {
	for _, httpServer := range s.httpServers {
		httpServer.Close()
	}
	for _, l := range s.listeners {
		l.Close()
	}
	s.server.Stop()
}

func (s *grpcServer) interceptStreaming(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	p, ok := peer.FromContext(ss.Context())
	if ok {
		log.Infof("Streaming method %s invoked by %s", info.FullMethod,
			p.Addr.String())
	}

	err := validateAuthenticationToken(ss.Context(), s.authToken)
	if err != nil {
		return err
	}

	err = handler(srv, ss)
	if err != nil && ok {
		log.Errorf("Streaming method %s invoked by %s errored: %v",
			info.FullMethod, p.Addr.String(), err)
	}
	return err
}

func (s *grpcServer) interceptUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	p, ok := peer.FromContext(ctx)
	if ok {
		log.Infof("Unary method %s invoked by %s", info.FullMethod,
			p.Addr.String())
	}

	err = validateAuthenticationToken(ctx, s.authToken)
	if err != nil {
		return nil, err
	}

	resp, err = handler(ctx, req)
	if err != nil && ok {
		log.Errorf("Unary method %s invoked by %s errored: %v",
			info.FullMethod, p.Addr.String(), err)
	}
	return resp, err
}

// validateAuthenticationToken checks the token in the incoming metadata.
// An empty token disables the check.
func validateAuthenticationToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return errInvalidToken
	}
	vals := md.Get(rpc.AuthenticationTokenKey)
	if len(vals) == 0 || vals[0] != token {
		return errInvalidToken
	}
	return nil
}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP. It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*" && runtime.GOOS == "plan9") {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		zoneIndex := strings.LastIndex(host, "%")
		if zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	if len(netAddrs) == 0 {
		return nil, errors.New("no listen addresses")
	}
	return netAddrs, nil
}

// simpleAddr implements the net.Addr interface with two struct fields
type simpleAddr struct {
	net, addr string
}

// String returns the address.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
func (a simpleAddr) Network() string {
	return a.net
}

var _ net.Addr = simpleAddr{}
