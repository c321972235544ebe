package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Req, Resp any](c *Client, method string, req Req) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start requests the daemon to start its runtime.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartRequest, StartResponse](c, "Start", StartRequest{})
}

// Stop requests the daemon to stop its runtime. The process stays up.
func (c *Client) Stop(timeout time.Duration) (*StopResponse, error) {
	return call[StopRequest, StopResponse](c, "Stop", StopRequest{TimeoutSeconds: int(timeout / time.Second)})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusRequest, StatusResponse](c, "Status", StatusRequest{})
}

// Emit queues a manual event.
func (c *Client) Emit(req EmitRequest) (*EmitResponse, error) {
	return call[EmitRequest, EmitResponse](c, "Emit", req)
}

// Wake records activity and wakes a sleeping daemon.
func (c *Client) Wake() (*WakeResponse, error) {
	return call[WakeRequest, WakeResponse](c, "Wake", WakeRequest{})
}

// Unload drops the named component's instance.
func (c *Client) Unload(name string) (*UnloadResponse, error) {
	return call[UnloadRequest, UnloadResponse](c, "Unload", UnloadRequest{Name: name})
}

// AuditTail returns recent audit entries.
func (c *Client) AuditTail(hours, limit int) (*AuditTailResponse, error) {
	return call[AuditTailRequest, AuditTailResponse](c, "AuditTail", AuditTailRequest{Hours: hours, Limit: limit})
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	return call[LogTailRequest, LogTailResponse](c, "LogTail", req)
}
