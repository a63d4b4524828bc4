// Package pprofutil serves the net/http/pprof handlers on demand.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	startOnce sync.Once
	startErr  error
)

// Start serves pprof on addr in the background. Non-loopback binds are
// refused unless allowPublic. Later calls return the first outcome.
func Start(addr string, allowPublic bool) error {
	startOnce.Do(func() {
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("pprof addr must be loopback: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		logrus.Infof("pprof enabled: http://%s/debug/pprof/", ln.Addr())
		srv := &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
