package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/caravelhq/caravel/internal/booking"
	"github.com/caravelhq/caravel/internal/dispatch"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/echo"
	"github.com/caravelhq/caravel/internal/jobs"
	"github.com/caravelhq/caravel/internal/sourcelink"
)

type fakeCompanies struct{}

func (fakeCompanies) GetCompany(_ context.Context, id string) (*domain.Company, error) {
	switch id {
	case "agent-1":
		return &domain.Company{ID: id, Type: domain.CompanyAgent, Status: domain.CompanyActive}, nil
	case "source-1":
		return &domain.Company{ID: id, Type: domain.CompanySource, Status: domain.CompanyActive}, nil
	}
	return nil, domain.NewError(domain.CodeNotFound, "company %s not found", id)
}

type fakeDispatcher struct {
	gotCriteria *domain.AvailabilityCriteria
}

func (f *fakeDispatcher) Submit(_ context.Context, _ string, criteria *domain.AvailabilityCriteria) (*dispatch.SubmitResult, error) {
	f.gotCriteria = criteria
	return &dispatch.SubmitResult{JobID: "job-1", ExpectedSources: 2, RecommendedPollMs: 1500}, nil
}

type fakePoller struct{}

func (fakePoller) GetSince(_ context.Context, jobID string, sinceSeq int64, _ time.Duration) (*jobs.PollResult, error) {
	return &jobs.PollResult{
		Status:          domain.JobComplete,
		Complete:        true,
		LastSeq:         sinceSeq + 1,
		ExpectedSources: 2,
		NewItems: []*domain.AvailabilityResult{
			{JobID: jobID, Seq: sinceSeq + 1, SourceID: "source-1", Payload: json.RawMessage(`[]`)},
		},
	}, nil
}

type fakeBookings struct {
	body []byte
	err  error
}

func (f *fakeBookings) Create(_ context.Context, _ string, _ booking.CreateRequest) (*booking.CreateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &booking.CreateResult{Body: f.body}, nil
}

func (f *fakeBookings) Modify(_ context.Context, _ string, _ booking.CommandRequest) (*domain.Booking, error) {
	return f.booking()
}

func (f *fakeBookings) Cancel(_ context.Context, _ string, _ booking.CommandRequest) (*domain.Booking, error) {
	return f.booking()
}

func (f *fakeBookings) Check(_ context.Context, _ string, _ booking.CommandRequest) (*domain.Booking, error) {
	return f.booking()
}

func (f *fakeBookings) booking() (*domain.Booking, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Booking{ID: "b-1", SupplierBookingRef: "SUP-1", Status: domain.BookingCancelled}, nil
}

type fakeEcho struct {
	batches []*echo.PollResult
}

func (f *fakeEcho) Submit(_ context.Context, _, _ string, _ domain.EchoPayload) (*echo.SubmitResult, error) {
	return &echo.SubmitResult{JobID: "echo-1", TotalExpected: 2, RecommendedPollMs: 1000}, nil
}

func (f *fakeEcho) GetResults(_ context.Context, _ string, _ int64, _ time.Duration) (*echo.PollResult, error) {
	return f.batches[len(f.batches)-1], nil
}

func (f *fakeEcho) Watch(_ context.Context, _ string, fn func(*echo.PollResult) error) error {
	for _, b := range f.batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func startServer(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(svc)
	go srv.ServeListener(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(sourcelink.CodecName)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func agentCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "company-id", "agent-1")
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp any) error {
	return conn.Invoke(ctx, "/caravel.broker.v1.BrokerService/"+method, req, resp)
}

func newService() (*Service, *fakeDispatcher, *fakeBookings, *fakeEcho) {
	disp := &fakeDispatcher{}
	bookings := &fakeBookings{body: []byte(`{"booking_id":"b-1","status":"CONFIRMED"}`)}
	broker := &fakeEcho{batches: []*echo.PollResult{
		{Status: domain.JobInProgress, LastSeq: 1, TotalExpected: 2, ResponsesReceived: 1, AggregateEtag: "e1"},
		{Status: domain.JobComplete, LastSeq: 2, TotalExpected: 2, ResponsesReceived: 2, AggregateEtag: "e2"},
	}}
	svc := &Service{
		Dispatcher: disp,
		Poller:     fakePoller{},
		Bookings:   bookings,
		Echo:       broker,
		Companies:  fakeCompanies{},
	}
	return svc, disp, bookings, broker
}

func TestBroker_SubmitAvailability(t *testing.T) {
	svc, disp, _, _ := newService()
	conn := startServer(t, svc)

	req := &SubmitAvailabilityRequest{
		AgreementRefs: []string{"AGR-A"},
		Criteria: domain.AvailabilityCriteria{
			PickupUnlocode: "NOOSL", DropoffUnlocode: "SEARN",
			PickupISO: "2026-09-01T10:00:00Z", DropoffISO: "2026-09-05T10:00:00Z",
			DriverAge: 30,
		},
	}
	var resp SubmitJobResponse
	if err := invoke(agentCtx(t), conn, "SubmitAvailability", req, &resp); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.JobID != "job-1" || resp.ExpectedSources != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(disp.gotCriteria.AgreementRefs) != 1 || disp.gotCriteria.AgreementRefs[0] != "AGR-A" {
		t.Fatalf("refs not folded into criteria: %+v", disp.gotCriteria)
	}
}

func TestBroker_IdentityRequired(t *testing.T) {
	svc, _, _, _ := newService()
	conn := startServer(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp SubmitJobResponse
	err := invoke(ctx, conn, "SubmitEcho", &SubmitEchoRequest{Message: "ping"}, &resp)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %s, want InvalidArgument", status.Code(err))
	}

	ctx = metadata.AppendToOutgoingContext(ctx, "company-id", "nobody")
	err = invoke(ctx, conn, "SubmitEcho", &SubmitEchoRequest{Message: "ping"}, &resp)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %s, want NotFound", status.Code(err))
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "company-id", "source-1")
	err = invoke(ctx, conn, "SubmitEcho", &SubmitEchoRequest{Message: "ping"}, &resp)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %s, want InvalidArgument for non-agent", status.Code(err))
	}
}

func TestBroker_GetAvailabilityResults(t *testing.T) {
	svc, _, _, _ := newService()
	conn := startServer(t, svc)

	var resp AvailabilityResultsResponse
	err := invoke(agentCtx(t), conn, "GetAvailabilityResults",
		&GetResultsRequest{JobID: "job-1", SinceSeq: 4}, &resp)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !resp.Complete || resp.LastSeq != 5 || len(resp.Results) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBroker_CreateBookingBody(t *testing.T) {
	svc, _, bookings, _ := newService()
	conn := startServer(t, svc)

	var resp CreateBookingResponse
	err := invoke(agentCtx(t), conn, "CreateBooking",
		&CreateBookingRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"}, &resp)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(resp.Body) != string(bookings.body) {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestBroker_ErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		code domain.Code
		want codes.Code
	}{
		{domain.CodeNotFound, codes.NotFound},
		{domain.CodeAgreementInactive, codes.FailedPrecondition},
		{domain.CodeUpstreamTimeout, codes.DeadlineExceeded},
		{domain.CodeSourceError, codes.Unavailable},
		{domain.CodeMissingIdempotency, codes.InvalidArgument},
	} {
		svc, _, bookings, _ := newService()
		bookings.err = domain.NewError(tc.code, "scripted")
		conn := startServer(t, svc)

		var resp BookingRecord
		err := invoke(agentCtx(t), conn, "CancelBooking",
			&BookingCommandRequest{SupplierBookingRef: "SUP-1"}, &resp)
		if status.Code(err) != tc.want {
			t.Fatalf("%s: code = %s, want %s", tc.code, status.Code(err), tc.want)
		}
	}
}

var watchStreamDesc = grpc.StreamDesc{
	StreamName:    "WatchEchoResults",
	ServerStreams: true,
}

func TestBroker_WatchEchoResults(t *testing.T) {
	svc, _, _, _ := newService()
	conn := startServer(t, svc)

	stream, err := conn.NewStream(agentCtx(t), &watchStreamDesc,
		"/caravel.broker.v1.BrokerService/WatchEchoResults")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if err := stream.SendMsg(&GetResultsRequest{JobID: "echo-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	var batches []*EchoResultsResponse
	for {
		var resp EchoResultsResponse
		err := stream.RecvMsg(&resp)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		batches = append(batches, &resp)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if batches[1].Status != domain.JobComplete || batches[1].AggregateEtag != "e2" {
		t.Fatalf("final batch = %+v", batches[1])
	}
}
