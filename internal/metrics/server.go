package metrics

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var publishMu sync.Mutex

// Publish 注册动态 expvar（如在途订单数）；同名重复注册时忽略
func Publish(name string, fn func() any) {
	publishMu.Lock()
	defer publishMu.Unlock()
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(fn))
}

// DebugServer /debug/vars 与 /debug/pprof，只应监听 localhost 或内网地址
type DebugServer struct {
	srv *http.Server
	ln  net.Listener
}

func (s *DebugServer) Addr() string { return s.ln.Addr().String() }

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartAsync 非阻塞启动，ctx 结束时优雅关闭
func StartAsync(ctx context.Context, listenAddr string) (*DebugServer, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", listenAddr)
	}
	s := &DebugServer{
		srv: &http.Server{Handler: debugMux(), ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			DebugServerErrors.Add(1)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	return s, nil
}
