// Package httpstatus provides the broker's diagnostic HTTP surface: a
// small status page reporting connected clients, gateways, and their node
// counts.
package httpstatus

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/nodefabric/broker/internal/logger"
)

// Counts is the snapshot rendered by the status page. The broker supplies
// a CountsFunc so this package has no dependency on the broker package.
type Counts struct {
	Clients  int
	Gateways []GatewayCounts
}

// GatewayCounts reports one connected gateway's name and node count.
type GatewayCounts struct {
	Name  string
	Nodes int
}

// CountsFunc returns the current snapshot to render.
type CountsFunc func() Counts

// Server is a small http server exposing the status page at "/".
type Server struct {
	lg       logger.Logger
	addr     string
	counts   CountsFunc
	*http.ServeMux
	svr *http.Server
}

// New returns a Server bound to addr (":port"), rendering whatever counts
// reports on each request.
func New(lg logger.Logger, addr string, counts CountsFunc) *Server {
	if lg == nil {
		lg = logger.Null
	}
	mux := &http.ServeMux{}
	s := &Server{
		lg:       lg,
		addr:     addr,
		counts:   counts,
		ServeMux: mux,
		svr:      &http.Server{Addr: addr, Handler: mux},
	}
	mux.HandleFunc("/", s.handleIndex)
	return s
}

// Handler returns the index page as a plain http.HandlerFunc, for binaries
// that want to mount the status page on a mux they already own (the broker
// serves it alongside /ws and /gw on one port) instead of running Server's
// own listener.
func Handler(counts CountsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexTpl.Execute(w, counts()); err != nil {
			logger.Null.Printf("httpstatus: template execute: %s", err)
		}
	}
}

// Addr returns the server's bound address.
func (s *Server) Addr() string { return s.addr }

// ListenAndServe starts serving in the background.
func (s *Server) ListenAndServe() error {
	s.lg.Printf("httpstatus: listening on %s", s.addr)
	go func() {
		if err := s.svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.lg.Fatalf("httpstatus: ListenAndServe: %s", err)
		}
	}()
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	s.lg.Println("httpstatus: shutting down")
	if err := s.svr.Shutdown(context.Background()); err != nil {
		s.lg.Printf("httpstatus: Shutdown: %s", err)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTpl.Execute(w, s.counts()); err != nil {
		s.lg.Printf("httpstatus: template execute: %s", err)
	}
}

const indexHTML = `
<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>broker status</title>
	</head>
	<body>
		<h1>broker status</h1>
		<p>clients: {{.Clients}}</p>
		<h2>gateways</h2>
		<ul>
		{{range .Gateways}}<li>{{.Name}}: {{.Nodes}} node(s)</li>
		{{else}}<li>none connected</li>
		{{end}}
		</ul>
	</body>
</html>`

var indexTpl *template.Template

func init() {
	var err error
	indexTpl, err = template.New("status").Parse(strings.TrimSpace(indexHTML))
	if err != nil {
		panic(fmt.Sprintf("httpstatus: template parse error: %s", err))
	}
}
