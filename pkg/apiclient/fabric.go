package apiclient

import (
	"context"
	"net/url"
	"time"

	"github.com/marmos91/dittofc/pkg/api/handlers"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
)

// Health is the outcome of a liveness or readiness probe.
type Health struct {
	Healthy   bool
	Timestamp time.Time
	Error     string
	Ports     []handlers.PortReadiness
}

// Live calls GET /health.
func (c *Client) Live(ctx context.Context) (*Health, error) {
	env, err := c.get(ctx, "/health", nil)
	if err != nil {
		return nil, err
	}
	return &Health{Healthy: env.Status == "healthy", Timestamp: env.Timestamp, Error: env.Error}, nil
}

// Ready calls GET /health/ready. A node whose ports are not all logged in
// is reported with Healthy unset, not as an error.
func (c *Client) Ready(ctx context.Context) (*Health, error) {
	var ports []handlers.PortReadiness
	env, err := c.get(ctx, "/health/ready", &ports)
	if err != nil {
		return nil, err
	}
	return &Health{
		Healthy:   env.Status == "healthy",
		Timestamp: env.Timestamp,
		Error:     env.Error,
		Ports:     ports,
	}, nil
}

// Ports lists the local ports.
func (c *Client) Ports(ctx context.Context) ([]fabric.PortInfo, error) {
	var out []fabric.PortInfo
	_, err := c.get(ctx, "/api/v1/ports", &out)
	return out, err
}

// PortSessions lists the sessions of one local port.
func (c *Client) PortSessions(ctx context.Context, port string) ([]fabric.SessionInfo, error) {
	var out []fabric.SessionInfo
	_, err := c.get(ctx, "/api/v1/ports/"+url.PathEscape(port)+"/sessions", &out)
	return out, err
}

// Sessions lists every session.
func (c *Client) Sessions(ctx context.Context) ([]fabric.SessionInfo, error) {
	var out []fabric.SessionInfo
	_, err := c.get(ctx, "/api/v1/sessions", &out)
	return out, err
}

// Exchanges returns the exchange manager counters and busy exchanges.
func (c *Client) Exchanges(ctx context.Context) (*handlers.ExchangesResponse, error) {
	var out handlers.ExchangesResponse
	if _, err := c.get(ctx, "/api/v1/exchanges", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PortDB lists the remote port login records.
func (c *Client) PortDB(ctx context.Context) ([]*portdb.Record, error) {
	var out []*portdb.Record
	_, err := c.get(ctx, "/api/v1/portdb", &out)
	return out, err
}

// Switch lists the switch's name server entries. It returns an APIError
// for which IsNotFound is true when the ports are linked point-to-point.
func (c *Client) Switch(ctx context.Context) ([]switchsim.Entry, error) {
	var out []switchsim.Entry
	_, err := c.get(ctx, "/api/v1/switch", &out)
	return out, err
}
