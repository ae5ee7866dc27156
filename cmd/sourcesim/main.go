// sourcesim hosts a scriptable simulated Source. It serves the same
// caravel.source.v1.SourceService a real supplier would, backed by the
// in-process mock adapter, so a broker can be pointed at it with a
// SOURCE company whose adapter_kind is grpc.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/sourcelink"
)

func main() {
	var (
		addr       string
		sourceID   string
		latency    time.Duration
		fail       bool
		failMsg    string
		unlocodes  []string
		scriptFile string
	)

	cmd := &cobra.Command{
		Use:   "sourcesim",
		Short: "Simulated rental Source speaking the source gRPC plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := adapter.Profile{
				Latency:   latency,
				Fail:      fail,
				FailMsg:   failMsg,
				Unlocodes: unlocodes,
			}
			if scriptFile != "" {
				p, err := loadScript(scriptFile)
				if err != nil {
					return err
				}
				profile = p
			}
			return serve(addr, sourceID, profile)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9091", "listen address")
	cmd.Flags().StringVar(&sourceID, "source-id", "sourcesim", "source company id to report")
	cmd.Flags().DurationVar(&latency, "latency", 0, "artificial latency per call")
	cmd.Flags().BoolVar(&fail, "fail", false, "fail every call with SOURCE_ERROR")
	cmd.Flags().StringVar(&failMsg, "fail-msg", "", "message for scripted failures")
	cmd.Flags().StringSliceVar(&unlocodes, "unlocodes", nil, "coverage reported by Locations")
	cmd.Flags().StringVar(&scriptFile, "script", "", "YAML behavior script (overrides flags)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// script is the YAML behavior file. Offers are inline JSON objects.
type script struct {
	LatencyMs int              `yaml:"latency_ms"`
	Fail      bool             `yaml:"fail"`
	FailMsg   string           `yaml:"fail_msg"`
	Unlocodes []string         `yaml:"unlocodes"`
	Offers    []map[string]any `yaml:"offers"`
}

func loadScript(path string) (adapter.Profile, error) {
	var p adapter.Profile
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read %s: %w", path, err)
	}
	var s script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}

	p.Latency = time.Duration(s.LatencyMs) * time.Millisecond
	p.Fail = s.Fail
	p.FailMsg = s.FailMsg
	p.Unlocodes = s.Unlocodes
	for _, offer := range s.Offers {
		raw, err := json.Marshal(offer)
		if err != nil {
			return p, fmt.Errorf("encode offer: %w", err)
		}
		p.Offers = append(p.Offers, raw)
	}
	return p, nil
}

func serve(addr, sourceID string, profile adapter.Profile) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	sourcelink.RegisterSourceServer(srv, &simServer{mock: adapter.NewMock(sourceID, profile)})

	logging.Op().Info("sourcesim listening",
		"addr", addr, "source_id", sourceID,
		"latency", profile.Latency, "fail", profile.Fail,
		"unlocodes", strings.Join(profile.Unlocodes, ","))
	return srv.Serve(lis)
}

// simServer adapts the mock adapter onto the wire-level service.
type simServer struct {
	mock *adapter.MockAdapter
}

func (s *simServer) Availability(ctx context.Context, req *sourcelink.AvailabilityRequest) (*sourcelink.AvailabilityResponse, error) {
	offers, err := s.mock.Availability(ctx, req)
	if err != nil {
		return nil, err
	}
	return &sourcelink.AvailabilityResponse{Offers: offers}, nil
}

func (s *simServer) Locations(ctx context.Context, _ *sourcelink.LocationsRequest) (*sourcelink.LocationsResponse, error) {
	codes, err := s.mock.Locations(ctx)
	if err != nil {
		return nil, err
	}
	return &sourcelink.LocationsResponse{Unlocodes: codes}, nil
}

func (s *simServer) BookingCreate(ctx context.Context, req *sourcelink.BookingCreateRequest) (*sourcelink.BookingResponse, error) {
	return s.mock.BookingCreate(ctx, req)
}

func (s *simServer) BookingModify(ctx context.Context, req *sourcelink.BookingModifyRequest) (*sourcelink.BookingResponse, error) {
	return s.mock.BookingModify(ctx, req)
}

func (s *simServer) BookingCancel(ctx context.Context, req *sourcelink.BookingCancelRequest) (*sourcelink.BookingResponse, error) {
	return s.mock.BookingCancel(ctx, req)
}

func (s *simServer) BookingCheck(ctx context.Context, req *sourcelink.BookingCheckRequest) (*sourcelink.BookingResponse, error) {
	return s.mock.BookingCheck(ctx, req)
}

func (s *simServer) Echo(ctx context.Context, req *sourcelink.EchoRequest) (*sourcelink.EchoResponse, error) {
	return s.mock.Echo(ctx, req)
}
