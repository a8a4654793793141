package clusterserver

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

// Client calls cluster RPC procedures on other nodes. Connections are
// cached per address.
type Client struct {
	http   *http.Client
	opts   []connect.ClientOption
	scheme string

	mu      sync.Mutex
	clients map[string]*peerClient
}

type peerClient struct {
	join     *connect.Client[structpb.Struct, structpb.Struct]
	snapshot *connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient creates a client. A nil httpClient uses a default with a 5 minute
// timeout, long enough for large shards.
func NewClient(httpClient *http.Client, interceptors ...connect.Interceptor) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		http:    httpClient,
		opts:    []connect.ClientOption{connect.WithInterceptors(interceptors...)},
		scheme:  "http",
		clients: make(map[string]*peerClient),
	}
}

// NewTLSClient creates a client calling peers over HTTPS with tlsCfg.
// Addresses without a scheme are dialed as https.
func NewTLSClient(tlsCfg *tls.Config, interceptors ...connect.Interceptor) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	c := NewClient(&http.Client{Timeout: 5 * time.Minute, Transport: transport}, interceptors...)
	c.scheme = "https"
	return c
}

func (c *Client) peer(addr string) *peerClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.clients[addr]; ok {
		return p
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = c.scheme + "://" + base
	}
	base = strings.TrimSuffix(base, "/")
	p := &peerClient{
		join:     connect.NewClient[structpb.Struct, structpb.Struct](c.http, base+ProcedureJoin, c.opts...),
		snapshot: connect.NewClient[structpb.Struct, structpb.Struct](c.http, base+ProcedureSnapshotShard, c.opts...),
	}
	c.clients[addr] = p
	return p
}

// Join asks the node at addr to admit member.
func (c *Client) Join(ctx context.Context, addr string, member domain.Member) (JoinResponse, error) {
	var out JoinResponse
	req, err := toStruct(member)
	if err != nil {
		return out, err
	}
	resp, err := c.peer(addr).join.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return out, err
	}
	err = fromStruct(resp.Msg, &out)
	return out, err
}

// SnapshotShard runs task on the node at addr.
func (c *Client) SnapshotShard(ctx context.Context, addr string, task shardstore.Task) (shardstore.Result, error) {
	var out shardstore.Result
	req, err := toStruct(task)
	if err != nil {
		return out, err
	}
	resp, err := c.peer(addr).snapshot.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return out, err
	}
	err = fromStruct(resp.Msg, &out)
	return out, err
}

// JoinCluster asks each seed in turn to admit member, following a redirect
// to the leader once. It returns the address that accepted.
func (c *Client) JoinCluster(ctx context.Context, seeds []string, member domain.Member) (string, error) {
	var lastErr error = domain.ErrServiceUnavailable.WithDetails("no seed accepted the join")
	for _, seed := range seeds {
		addr := seed
		for hop := 0; hop < 2; hop++ {
			resp, err := c.Join(ctx, addr, member)
			if err != nil {
				lastErr = err
				break
			}
			if resp.Accepted {
				return addr, nil
			}
			if resp.LeaderAddr == "" || resp.LeaderAddr == addr {
				lastErr = domain.ErrNotLeader.WithDetails("no leader elected")
				break
			}
			addr = resp.LeaderAddr
		}
	}
	return "", lastErr
}
