package sourcelink

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the broker-side SourceService client. One Client (and one
// underlying connection) exists per Source endpoint; the adapter registry
// memoizes them.
type Client struct {
	conn *grpc.ClientConn
}

// Dial builds a client for the Source's registered endpoint. The
// connection is lazy; dial errors surface on the first call.
func Dial(endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("source endpoint is required")
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to source %s: %w", endpoint, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

func (c *Client) Availability(ctx context.Context, req *AvailabilityRequest) (*AvailabilityResponse, error) {
	resp := new(AvailabilityResponse)
	if err := c.invoke(ctx, "Availability", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Locations(ctx context.Context, req *LocationsRequest) (*LocationsResponse, error) {
	resp := new(LocationsResponse)
	if err := c.invoke(ctx, "Locations", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) BookingCreate(ctx context.Context, req *BookingCreateRequest) (*BookingResponse, error) {
	resp := new(BookingResponse)
	if err := c.invoke(ctx, "BookingCreate", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) BookingModify(ctx context.Context, req *BookingModifyRequest) (*BookingResponse, error) {
	resp := new(BookingResponse)
	if err := c.invoke(ctx, "BookingModify", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) BookingCancel(ctx context.Context, req *BookingCancelRequest) (*BookingResponse, error) {
	resp := new(BookingResponse)
	if err := c.invoke(ctx, "BookingCancel", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) BookingCheck(ctx context.Context, req *BookingCheckRequest) (*BookingResponse, error) {
	resp := new(BookingResponse)
	if err := c.invoke(ctx, "BookingCheck", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Echo(ctx context.Context, req *EchoRequest) (*EchoResponse, error) {
	resp := new(EchoResponse)
	if err := c.invoke(ctx, "Echo", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close shuts down the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
