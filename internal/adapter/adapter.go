// Package adapter is the per-Source client surface used by the
// dispatcher, the booking engine, the coverage resolver and the echo
// broker. Two variants exist: the in-process mock (scriptable, used by
// tests and default sandboxes) and the gRPC client over sourcelink.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/sourcelink"
)

// Adapter is the capability set of one Source. Deadlines travel in ctx;
// implementations surface deadline expiry as domain.CodeTimeout and any
// other upstream failure as domain.CodeSourceError.
type Adapter interface {
	Availability(ctx context.Context, req *sourcelink.AvailabilityRequest) ([]json.RawMessage, error)
	Locations(ctx context.Context) ([]string, error)
	BookingCreate(ctx context.Context, req *sourcelink.BookingCreateRequest) (*sourcelink.BookingResponse, error)
	BookingModify(ctx context.Context, req *sourcelink.BookingModifyRequest) (*sourcelink.BookingResponse, error)
	BookingCancel(ctx context.Context, req *sourcelink.BookingCancelRequest) (*sourcelink.BookingResponse, error)
	BookingCheck(ctx context.Context, req *sourcelink.BookingCheckRequest) (*sourcelink.BookingResponse, error)
	Echo(ctx context.Context, req *sourcelink.EchoRequest) (*sourcelink.EchoResponse, error)
}

// IsTimeout reports whether the adapter error was a deadline expiry
// rather than a Source-side failure.
func IsTimeout(err error) bool {
	return domain.CodeOf(err) == domain.CodeTimeout
}
