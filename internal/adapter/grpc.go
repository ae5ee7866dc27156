package adapter

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/sourcelink"
)

// GRPCAdapter forwards every call to the Source's registered endpoint
// over sourcelink.
type GRPCAdapter struct {
	sourceID string
	client   *sourcelink.Client
}

func NewGRPC(sourceID, endpoint string) (*GRPCAdapter, error) {
	client, err := sourcelink.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &GRPCAdapter{sourceID: sourceID, client: client}, nil
}

// mapErr folds transport errors onto the two upstream codes the engines
// distinguish: deadline expiry and everything else.
func (g *GRPCAdapter) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.CodeTimeout, err, "source %s: deadline elapsed", g.sourceID)
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.DeadlineExceeded {
		return domain.WrapError(domain.CodeTimeout, err, "source %s: deadline elapsed", g.sourceID)
	}
	return domain.WrapError(domain.CodeSourceError, err, "source %s: %v", g.sourceID, err)
}

func (g *GRPCAdapter) Availability(ctx context.Context, req *sourcelink.AvailabilityRequest) ([]json.RawMessage, error) {
	resp, err := g.client.Availability(ctx, req)
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp.Offers, nil
}

func (g *GRPCAdapter) Locations(ctx context.Context) ([]string, error) {
	resp, err := g.client.Locations(ctx, &sourcelink.LocationsRequest{})
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp.Unlocodes, nil
}

func (g *GRPCAdapter) BookingCreate(ctx context.Context, req *sourcelink.BookingCreateRequest) (*sourcelink.BookingResponse, error) {
	resp, err := g.client.BookingCreate(ctx, req)
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp, nil
}

func (g *GRPCAdapter) BookingModify(ctx context.Context, req *sourcelink.BookingModifyRequest) (*sourcelink.BookingResponse, error) {
	resp, err := g.client.BookingModify(ctx, req)
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp, nil
}

func (g *GRPCAdapter) BookingCancel(ctx context.Context, req *sourcelink.BookingCancelRequest) (*sourcelink.BookingResponse, error) {
	resp, err := g.client.BookingCancel(ctx, req)
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp, nil
}

func (g *GRPCAdapter) BookingCheck(ctx context.Context, req *sourcelink.BookingCheckRequest) (*sourcelink.BookingResponse, error) {
	resp, err := g.client.BookingCheck(ctx, req)
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp, nil
}

func (g *GRPCAdapter) Echo(ctx context.Context, req *sourcelink.EchoRequest) (*sourcelink.EchoResponse, error) {
	resp, err := g.client.Echo(ctx, req)
	if err != nil {
		return nil, g.mapErr(err)
	}
	return resp, nil
}

// Close releases the underlying connection.
func (g *GRPCAdapter) Close() error { return g.client.Close() }
