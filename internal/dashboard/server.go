package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskfleet/internal/config"
	"taskfleet/internal/core"
)

const (
	defaultPort      = 8081
	snapshotInterval = 5 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// FleetView is what the dashboard reads from the supervisor.
type FleetView interface {
	Rows() []core.TableRow
	Balance() *core.Balance
	PredictedPrice(taskTag string) string
}

// Group is the per-task-tag section of a snapshot.
type Group struct {
	TaskTag        string          `json:"task_tag"`
	PredictedPrice string          `json:"predicted_price"`
	Nodes          []core.TableRow `json:"nodes"`
}

// Snapshot is the full dashboard state, rendered as HTML on the index page
// and pushed as JSON over the WebSocket feed.
type Snapshot struct {
	Groups  []Group       `json:"groups"`
	Balance *core.Balance `json:"balance"`
	Time    int64         `json:"time"`
}

// Server is the operator dashboard. Credentials come from the http_server
// config section and protect the page and the feed; the health probe stays
// open for load balancers.
type Server struct {
	view     FleetView
	hub      *Hub
	logger   core.ILogger
	user     string
	password string
	port     int
	interval time.Duration
	upgrader websocket.Upgrader

	mu  sync.Mutex
	srv *http.Server
}

// New builds the dashboard server, or nil when http_server.run is false.
// Missing credentials disable the server with an error log, they are not
// fatal to the fleet.
func New(view FleetView, cfg config.HTTPServerConfig, logger core.ILogger) *Server {
	if !cfg.Run {
		return nil
	}
	log := logger.WithField("component", "dashboard")
	if cfg.User == "" || cfg.Password.Value() == "" {
		log.Error("Login and password are mandatory parameters for http server")
		log.Error("Http server stopped")
		return nil
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	return &Server{
		view:     view,
		hub:      NewHub(log),
		logger:   log,
		user:     cfg.User,
		password: cfg.Password.Value(),
		port:     port,
		interval: snapshotInterval,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.requireAuth(s.handleIndex))
	mux.HandleFunc("/ws", s.requireAuth(s.handleWebSocket))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Run serves the dashboard until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	go s.hub.Run(ctx)
	go s.broadcastLoop(ctx)

	s.logger.Info("Starting HTTP server", "port", s.port)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.logger.Info("Http server stopped")
		return err
	}
}

// broadcastLoop pushes a fleet snapshot to every subscriber on a fixed
// cadence.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast(Message{Type: TypeSnapshot, Data: s.snapshot()})
		}
	}
}

// snapshot groups the fleet rows by task tag, keeping the registry's
// natural row order within and across groups.
func (s *Server) snapshot() Snapshot {
	rows := s.view.Rows()

	index := make(map[string]int)
	groups := make([]Group, 0)
	for _, row := range rows {
		i, ok := index[row.TaskTag]
		if !ok {
			i = len(groups)
			index[row.TaskTag] = i
			groups = append(groups, Group{
				TaskTag:        row.TaskTag,
				PredictedPrice: s.view.PredictedPrice(row.TaskTag),
			})
		}
		groups[i].Nodes = append(groups[i].Nodes, row)
	}
	return Snapshot{Groups: groups, Balance: s.view.Balance(), Time: time.Now().Unix()}
}

// requireAuth guards a handler with HTTP basic auth.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Login Required"`)
			http.Error(w, "Could not verify your access level for that URL.\n"+
				"You have to login with proper credentials", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.snapshot()); err != nil {
		s.logger.Error("Cannot render fleet page", "error", err.Error())
	}
}

// handleWebSocket upgrades the connection and serves the snapshot feed. The
// first snapshot goes out immediately, the rest ride the broadcast cadence.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err.Error())
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)
	client.Send(Message{Type: TypeSnapshot, Data: s.snapshot()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

// writePump drains the client buffer onto the wire and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames. The feed is one-way; reads only refresh
// the liveness deadline and detect the close.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"nodes":   len(s.view.Rows()),
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// The page renders the current snapshot server-side and then keeps itself
// fresh from the WebSocket feed, rebuilding the same markup in place.
const indexHTML = `{{define "fleet"}}{{range .Groups}}<h3>{{.TaskTag}}{{with .PredictedPrice}} (predicted price {{.}}){{end}}</h3>
<table class="table table-striped table-bordered">
<thead><tr><th>Node</th><th>Order id</th><th>Order price</th><th>Deal id</th><th>Task id</th><th>Task uptime</th><th>Node status</th><th>HB</th></tr></thead>
<tbody>
{{range .Nodes}}<tr class="{{.Class}}"><td>{{.NodeTag}}</td><td>{{.OrderID}}</td><td>{{.OrderPrice}}</td><td>{{.DealID}}</td><td>{{.TaskID}}</td><td>{{.TaskUptime}}</td><td>{{.Status}}</td><td>{{.SinceHeartbeat}} sec</td></tr>
{{end}}</tbody>
</table>
{{end}}{{with .Balance}}<p>Token balance: live {{.LiveBalance}} SNM, side {{.SideBalance}} SNM, eth {{.LiveEthBalance}} ETH</p>{{end}}{{end}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>taskfleet</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #dee2e6; padding: 4px 10px; text-align: left; }
.table-danger { background: #f8d7da; }
.table-warning { background: #fff3cd; }
.table-success { background: #d4edda; }
.table-primary { background: #cfe2ff; }
.table-info { background: #d1ecf1; }
.table-light { background: #fefefe; }
</style>
</head>
<body>
<div id="fleet">
{{template "fleet" .}}
</div>
<script>
(function () {
  function esc(v) {
    return String(v == null ? "" : v).replace(/[&<>"]/g, function (ch) {
      return { "&": "&amp;", "<": "&lt;", ">": "&gt;", '"': "&quot;" }[ch];
    });
  }
  function render(snap) {
    var html = "";
    (snap.groups || []).forEach(function (g) {
      html += "<h3>" + esc(g.task_tag);
      if (g.predicted_price) { html += " (predicted price " + esc(g.predicted_price) + ")"; }
      html += "</h3>";
      html += '<table class="table table-striped table-bordered">';
      html += "<thead><tr><th>Node</th><th>Order id</th><th>Order price</th><th>Deal id</th>" +
        "<th>Task id</th><th>Task uptime</th><th>Node status</th><th>HB</th></tr></thead><tbody>";
      (g.nodes || []).forEach(function (n) {
        html += '<tr class="' + esc(n.css_class) + '">';
        [n.node, n.order_id, n.order_price, n.deal_id, n.task_id,
         n.task_uptime, n.node_status, n.since_hb + " sec"].forEach(function (cell) {
          html += "<td>" + esc(cell) + "</td>";
        });
        html += "</tr>";
      });
      html += "</tbody></table>";
    });
    if (snap.balance) {
      html += "<p>Token balance: live " + esc(snap.balance.liveBalance) +
        " SNM, side " + esc(snap.balance.sideBalance) +
        " SNM, eth " + esc(snap.balance.liveEthBalance) + " ETH</p>";
    }
    document.getElementById("fleet").innerHTML = html;
  }
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var feed = new WebSocket(proto + location.host + "/ws");
  feed.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    if (msg.type === "snapshot") { render(msg.data); }
  };
})();
</script>
</body>
</html>
`
