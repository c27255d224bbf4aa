// Package connregistry owns the ordered list of outbound connections (one
// direct egress plus zero or more authenticated SOCKS5 proxies) and hands
// out round-robin proxy selection to the dispatcher.
package connregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joestump/profile-gate/internal/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

const defaultDialTimeout = 10 * time.Second

type fileConnection struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type fileSchema struct {
	Connections []fileConnection `json:"connections"`
}

// Registry is the Connection Registry service: the ordered connection list,
// a round-robin cursor over proxies, and a per-connection *http.Client cache
// so SOCKS5 dialers are not rebuilt on every dispatch.
type Registry struct {
	mu          sync.Mutex
	path        string
	connections []model.Connection
	cursor      int
	clients     map[int]*http.Client
}

// Load reads path, synthesising the direct connection at index 0 if the
// file is absent or doesn't contain one. Legacy fields beyond type/url are
// dropped on load, same as any unrecognized JSON is ignored by encoding/json.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		clients: make(map[int]*http.Client),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read connection registry: %w", err)
		}
		r.connections = []model.Connection{{Index: 0, Kind: model.ConnectionDirect}}
		if saveErr := r.save(); saveErr != nil {
			return nil, saveErr
		}
		return r, nil
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse connection registry: %w", err)
	}

	conns := make([]model.Connection, 0, len(schema.Connections)+1)
	hasDirect := false
	idx := 0
	for _, c := range schema.Connections {
		kind := model.ConnectionKind(c.Type)
		if kind == model.ConnectionDirect {
			hasDirect = true
			conns = append(conns, model.Connection{Index: 0, Kind: model.ConnectionDirect})
			continue
		}
		idx++
		conns = append(conns, model.Connection{Index: idx, Kind: kind, URL: c.URL})
	}
	if !hasDirect {
		conns = append([]model.Connection{{Index: 0, Kind: model.ConnectionDirect}}, renumber(conns)...)
	} else {
		conns = reorderDirectFirst(conns)
	}

	r.connections = conns
	return r, nil
}

func reorderDirectFirst(conns []model.Connection) []model.Connection {
	out := make([]model.Connection, 0, len(conns))
	var direct model.Connection
	rest := make([]model.Connection, 0, len(conns))
	for _, c := range conns {
		if c.Kind == model.ConnectionDirect {
			direct = c
			continue
		}
		rest = append(rest, c)
	}
	out = append(out, direct)
	out = append(out, renumber(rest)...)
	return out
}

func renumber(conns []model.Connection) []model.Connection {
	out := make([]model.Connection, len(conns))
	for i, c := range conns {
		c.Index = i + 1
		out[i] = c
	}
	return out
}

// save persists the registry. Caller must hold r.mu.
func (r *Registry) save() error {
	schema := fileSchema{Connections: make([]fileConnection, 0, len(r.connections))}
	for _, c := range r.connections {
		schema.Connections = append(schema.Connections, fileConnection{Type: string(c.Kind), URL: c.URL})
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write connection registry: %w", err)
	}
	return nil
}

// Connections returns a snapshot of the current connection list.
func (r *Registry) Connections() []model.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Connection, len(r.connections))
	copy(out, r.connections)
	return out
}

// AddProxy appends a new SOCKS5 proxy connection and persists the registry.
func (r *Registry) AddProxy(rawURL string) error {
	if !strings.HasPrefix(rawURL, "socks5://") {
		return fmt.Errorf("proxy url %q must use the socks5 scheme", rawURL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.connections {
		if c.URL == rawURL {
			return fmt.Errorf("proxy %q already registered", rawURL)
		}
	}

	nextIndex := 0
	for _, c := range r.connections {
		if c.Index >= nextIndex {
			nextIndex = c.Index + 1
		}
	}
	r.connections = append(r.connections, model.Connection{Index: nextIndex, Kind: model.ConnectionSOCKS5, URL: rawURL})
	delete(r.clients, nextIndex)
	return r.save()
}

// RemoveProxy removes the proxy matching rawURL, compacts indices, persists,
// and clamps the round-robin cursor so it never points past the end.
func (r *Registry) RemoveProxy(rawURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]model.Connection, 0, len(r.connections))
	found := false
	for _, c := range r.connections {
		if c.Kind == model.ConnectionSOCKS5 && c.URL == rawURL {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fmt.Errorf("proxy %q not registered", rawURL)
	}

	r.connections = reorderDirectFirst(kept)
	r.clients = make(map[int]*http.Client)

	proxyCount := len(r.connections) - 1
	if proxyCount <= 0 {
		r.cursor = 0
	} else if r.cursor >= proxyCount {
		r.cursor = 0
	}

	return r.save()
}

// NextProxyIndex returns the next connection index to try in round-robin
// order among non-direct connections, starting at the stored round-robin
// cursor, and advances the cursor.
// Returns ok=false if there are no proxy connections at all.
func (r *Registry) NextProxyIndex() (index int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proxies := make([]model.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		if c.Kind != model.ConnectionDirect {
			proxies = append(proxies, c)
		}
	}
	if len(proxies) == 0 {
		return 0, false
	}

	chosen := proxies[r.cursor%len(proxies)]
	r.cursor = (r.cursor + 1) % len(proxies)
	return chosen.Index, true
}

// ProxyIndicesFrom returns every proxy connection index once, ordered
// starting at the current round-robin cursor. Used by the dispatcher to
// scan all proxies for an available one without disturbing the cursor
// until a choice is committed via AdvanceCursor.
func (r *Registry) ProxyIndicesFrom() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	proxies := make([]model.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		if c.Kind != model.ConnectionDirect {
			proxies = append(proxies, c)
		}
	}
	if len(proxies) == 0 {
		return nil
	}
	out := make([]int, 0, len(proxies))
	for i := 0; i < len(proxies); i++ {
		out = append(out, proxies[(r.cursor+i)%len(proxies)].Index)
	}
	return out
}

// AdvanceCursor moves the round-robin cursor forward by one proxy position,
// so the next dispatch's scan starts one proxy later.
func (r *Registry) AdvanceCursor() {
	r.mu.Lock()
	defer r.mu.Unlock()
	proxyCount := 0
	for _, c := range r.connections {
		if c.Kind != model.ConnectionDirect {
			proxyCount++
		}
	}
	if proxyCount == 0 {
		return
	}
	r.cursor = (r.cursor + 1) % proxyCount
}

// DialClient returns the *http.Client bound to the given connection index,
// building and caching a SOCKS5-proxied client on first use.
func (r *Registry) DialClient(index int) (*http.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[index]; ok {
		return c, nil
	}

	var conn *model.Connection
	for i := range r.connections {
		if r.connections[i].Index == index {
			conn = &r.connections[i]
			break
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("no connection with index %d", index)
	}

	var client *http.Client
	if conn.Kind == model.ConnectionDirect {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	} else {
		c, err := socks5Client(conn.URL)
		if err != nil {
			return nil, fmt.Errorf("build socks5 client for %q: %w", conn.URL, err)
		}
		client = c
	}

	r.clients[index] = client
	return client, nil
}

func socks5Client(rawURL string) (*http.Client, error) {
	proxyURL, err := url.Parse(rawURL)
	if err != nil || proxyURL.Host == "" {
		return nil, fmt.Errorf("parse socks5 proxy url: %w", err)
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: pass}
	}

	d, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init socks5 dialer: %w", err)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cd, ok := d.(proxy.ContextDialer); ok {
		tr.DialContext = cd.DialContext
	} else {
		tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			return d.Dial(network, address)
		}
	}
	tr.Proxy = nil

	log.Debug().Str("proxy", proxyURL.Host).Msg("built socks5 client")
	return &http.Client{Transport: tr}, nil
}
