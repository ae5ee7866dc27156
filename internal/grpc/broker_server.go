// Package grpc exposes the broker plane to Agents: the same operation
// set as the HTTP data plane, served over gRPC with the JSON codec the
// source plane uses, plus a server-streamed echo watch.
package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/caravelhq/caravel/internal/booking"
	"github.com/caravelhq/caravel/internal/dispatch"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/echo"
	"github.com/caravelhq/caravel/internal/jobs"
	"github.com/caravelhq/caravel/internal/store"
)

const serviceName = "caravel.broker.v1.BrokerService"

// Dispatcher accepts availability searches. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, agentID string, criteria *domain.AvailabilityCriteria) (*dispatch.SubmitResult, error)
}

// Poller serves incremental availability reads. Satisfied by
// *jobs.Poller.
type Poller interface {
	GetSince(ctx context.Context, jobID string, sinceSeq int64, wait time.Duration) (*jobs.PollResult, error)
}

// Bookings is the booking command surface. Satisfied by
// *booking.Engine.
type Bookings interface {
	Create(ctx context.Context, agentID string, req booking.CreateRequest) (*booking.CreateResult, error)
	Modify(ctx context.Context, agentID string, req booking.CommandRequest) (*domain.Booking, error)
	Cancel(ctx context.Context, agentID string, req booking.CommandRequest) (*domain.Booking, error)
	Check(ctx context.Context, agentID string, req booking.CommandRequest) (*domain.Booking, error)
}

// EchoBroker is the probe surface. Satisfied by *echo.Broker.
type EchoBroker interface {
	Submit(ctx context.Context, agentID, agreementRef string, payload domain.EchoPayload) (*echo.SubmitResult, error)
	GetResults(ctx context.Context, jobID string, sinceSeq int64, wait time.Duration) (*echo.PollResult, error)
	Watch(ctx context.Context, jobID string, fn func(*echo.PollResult) error) error
}

// CompanyGetter resolves the metadata-injected identity. Satisfied by
// *store.PostgresStore.
type CompanyGetter interface {
	GetCompany(ctx context.Context, id string) (*domain.Company, error)
}

// Service implements the broker plane over the domain services.
type Service struct {
	Dispatcher Dispatcher
	Poller     Poller
	Bookings   Bookings
	Echo       EchoBroker
	Companies  CompanyGetter
}

// agent resolves the company-id metadata to an active AGENT company.
func (s *Service) agent(ctx context.Context) (*domain.Company, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var id string
	if vals := md.Get("company-id"); len(vals) > 0 {
		id = vals[0]
	}
	if id == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "company-id metadata is required")
	}
	c, err := s.Companies.GetCompany(ctx, id)
	if errors.Is(err, store.ErrCompanyNotFound) {
		return nil, domain.NewError(domain.CodeNotFound, "company %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if c.Type != domain.CompanyAgent {
		return nil, domain.NewError(domain.CodeInvalidParam, "company %s is not an agent", id)
	}
	if !c.CanParticipate() {
		return nil, domain.NewError(domain.CodeInvalidParam, "company %s is not active", id)
	}
	return c, nil
}

func (s *Service) SubmitAvailability(ctx context.Context, req *SubmitAvailabilityRequest) (*SubmitJobResponse, error) {
	agent, err := s.agent(ctx)
	if err != nil {
		return nil, err
	}
	criteria := req.Criteria
	if len(req.AgreementRefs) > 0 {
		criteria.AgreementRefs = req.AgreementRefs
	}
	res, err := s.Dispatcher.Submit(ctx, agent.ID, &criteria)
	if err != nil {
		return nil, err
	}
	return &SubmitJobResponse{
		JobID:             res.JobID,
		ExpectedSources:   res.ExpectedSources,
		RecommendedPollMs: res.RecommendedPollMs,
	}, nil
}

func (s *Service) GetAvailabilityResults(ctx context.Context, req *GetResultsRequest) (*AvailabilityResultsResponse, error) {
	if _, err := s.agent(ctx); err != nil {
		return nil, err
	}
	res, err := s.Poller.GetSince(ctx, req.JobID, req.SinceSeq, time.Duration(req.WaitMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &AvailabilityResultsResponse{
		JobID:           req.JobID,
		Status:          res.Status,
		Complete:        res.Complete,
		LastSeq:         res.LastSeq,
		ExpectedSources: res.ExpectedSources,
		Results:         res.NewItems,
	}, nil
}

func (s *Service) SubmitEcho(ctx context.Context, req *SubmitEchoRequest) (*SubmitJobResponse, error) {
	agent, err := s.agent(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.Echo.Submit(ctx, agent.ID, req.AgreementRef, domain.EchoPayload{
		Message: req.Message,
		Attrs:   req.Attrs,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitJobResponse{
		JobID:             res.JobID,
		ExpectedSources:   res.TotalExpected,
		RecommendedPollMs: res.RecommendedPollMs,
	}, nil
}

func (s *Service) GetEchoResults(ctx context.Context, req *GetResultsRequest) (*EchoResultsResponse, error) {
	if _, err := s.agent(ctx); err != nil {
		return nil, err
	}
	res, err := s.Echo.GetResults(ctx, req.JobID, req.SinceSeq, time.Duration(req.WaitMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return echoResponse(req.JobID, res), nil
}

// WatchEchoResults streams poll batches until the job completes or the
// watch cap elapses.
func (s *Service) WatchEchoResults(req *GetResultsRequest, stream grpc.ServerStream) error {
	if _, err := s.agent(stream.Context()); err != nil {
		return toStatusError(err)
	}
	err := s.Echo.Watch(stream.Context(), req.JobID, func(res *echo.PollResult) error {
		return stream.SendMsg(echoResponse(req.JobID, res))
	})
	return toStatusError(err)
}

func echoResponse(jobID string, res *echo.PollResult) *EchoResultsResponse {
	return &EchoResultsResponse{
		JobID:             jobID,
		Status:            res.Status,
		LastSeq:           res.LastSeq,
		ResponsesReceived: res.ResponsesReceived,
		TotalExpected:     res.TotalExpected,
		TimedOutSources:   res.TimedOutSources,
		AggregateEtag:     res.AggregateEtag,
		Items:             res.NewItems,
	}
}

func (s *Service) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*CreateBookingResponse, error) {
	agent, err := s.agent(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.Bookings.Create(ctx, agent.ID, booking.CreateRequest{
		AgreementID:      req.AgreementID,
		AgreementRef:     req.AgreementRef,
		SupplierOfferRef: req.SupplierOfferRef,
		AgentBookingRef:  req.AgentBookingRef,
		Details:          req.Details,
		IdempotencyKey:   req.IdempotencyKey,
		RequestID:        requestIDFromMD(ctx),
	})
	if err != nil {
		return nil, err
	}
	return &CreateBookingResponse{Body: res.Body}, nil
}

func (s *Service) ModifyBooking(ctx context.Context, req *BookingCommandRequest) (*BookingRecord, error) {
	return s.command(ctx, req, "modify")
}

func (s *Service) CancelBooking(ctx context.Context, req *BookingCommandRequest) (*BookingRecord, error) {
	return s.command(ctx, req, "cancel")
}

func (s *Service) CheckBooking(ctx context.Context, req *BookingCommandRequest) (*BookingRecord, error) {
	return s.command(ctx, req, "check")
}

func (s *Service) command(ctx context.Context, req *BookingCommandRequest, op string) (*BookingRecord, error) {
	agent, err := s.agent(ctx)
	if err != nil {
		return nil, err
	}
	cmd := booking.CommandRequest{
		SupplierBookingRef: req.SupplierBookingRef,
		AgreementRef:       req.AgreementRef,
		RequestID:          requestIDFromMD(ctx),
		Fields:             req.Fields,
	}
	var b *domain.Booking
	switch op {
	case "modify":
		b, err = s.Bookings.Modify(ctx, agent.ID, cmd)
	case "cancel":
		b, err = s.Bookings.Cancel(ctx, agent.ID, cmd)
	case "check":
		b, err = s.Bookings.Check(ctx, agent.ID, cmd)
	}
	if err != nil {
		return nil, err
	}
	return &BookingRecord{
		ID:                 b.ID,
		AgreementRef:       b.AgreementRef,
		SupplierBookingRef: b.SupplierBookingRef,
		Status:             string(b.Status),
		LastPayload:        b.LastPayload,
	}, nil
}

func requestIDFromMD(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get("request-id"); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// BrokerServer is the broker plane contract the service descriptor
// binds to. *Service is the production implementation.
type BrokerServer interface {
	SubmitAvailability(ctx context.Context, req *SubmitAvailabilityRequest) (*SubmitJobResponse, error)
	GetAvailabilityResults(ctx context.Context, req *GetResultsRequest) (*AvailabilityResultsResponse, error)
	SubmitEcho(ctx context.Context, req *SubmitEchoRequest) (*SubmitJobResponse, error)
	GetEchoResults(ctx context.Context, req *GetResultsRequest) (*EchoResultsResponse, error)
	WatchEchoResults(req *GetResultsRequest, stream grpc.ServerStream) error
	CreateBooking(ctx context.Context, req *CreateBookingRequest) (*CreateBookingResponse, error)
	ModifyBooking(ctx context.Context, req *BookingCommandRequest) (*BookingRecord, error)
	CancelBooking(ctx context.Context, req *BookingCommandRequest) (*BookingRecord, error)
	CheckBooking(ctx context.Context, req *BookingCommandRequest) (*BookingRecord, error)
}

// RegisterBrokerServer attaches the hand-maintained service descriptor
// to a gRPC server.
func RegisterBrokerServer(s *grpc.Server, srv BrokerServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(BrokerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BrokerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(BrokerServer), ctx, req.(*Req))
			})
		},
	}
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitAvailability", BrokerServer.SubmitAvailability),
		unaryHandler("GetAvailabilityResults", BrokerServer.GetAvailabilityResults),
		unaryHandler("SubmitEcho", BrokerServer.SubmitEcho),
		unaryHandler("GetEchoResults", BrokerServer.GetEchoResults),
		unaryHandler("CreateBooking", BrokerServer.CreateBooking),
		unaryHandler("ModifyBooking", BrokerServer.ModifyBooking),
		unaryHandler("CancelBooking", BrokerServer.CancelBooking),
		unaryHandler("CheckBooking", BrokerServer.CheckBooking),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEchoResults",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(GetResultsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(BrokerServer).WatchEchoResults(in, stream)
			},
		},
	},
	Metadata: "proto/broker.proto",
}
