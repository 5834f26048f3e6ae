package live

import (
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"tradingbot/internal/domain"
	"tradingbot/internal/util"
)

const (
	serviceName = "tradingbot.live.Events"
	watchMethod = "/" + serviceName + "/Watch"
	subBuffer   = 1024
)

// watcher is the handler type of the Events service.
type watcher interface {
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// The service has no generated stubs: requests and events travel as
// google.protobuf.Struct over a hand-written descriptor.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*watcher)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "tradingbot/live",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(watcher).Watch(req, stream)
}

// Server implements the Watch streaming endpoint.
type Server struct {
	model *Model
	log   *slog.Logger
}

// NewServer creates a gRPC server backed by the given model.
func NewServer(model *Model, logger *slog.Logger) *Server {
	if logger == nil {
		logger = util.Discard()
	}
	return &Server{model: model, log: logger.With("component", "live")}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Watch sends the retained events, then streams new ones until the client
// disconnects or the model closes. The request may carry "kinds" (a list
// of event kinds to keep) and "snapshot" (false skips retained events).
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	f := parseFilter(req)

	// Subscribe before the snapshot so nothing falls between the two.
	subID, ch := s.model.Subscribe(subBuffer)
	defer s.model.Unsubscribe(subID)

	sent := make(map[string]bool)
	if f.snapshot {
		for _, e := range s.model.Snapshot() {
			if !f.keep(e) {
				continue
			}
			if err := send(stream, e); err != nil {
				return err
			}
			sent[e.ID] = true
		}
	}
	s.log.Info("grpc client subscribed", "subID", subID, "kinds", f.kinds)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !f.keep(e) || sent[e.ID] {
				continue
			}
			if err := send(stream, e); err != nil {
				return err
			}
		}
	}
}

func send(stream grpc.ServerStream, e Event) error {
	msg, err := toProto(e)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

type filter struct {
	kinds    map[Kind]bool
	snapshot bool
}

func parseFilter(req *structpb.Struct) filter {
	f := filter{snapshot: true}
	fields := req.GetFields()
	if v, ok := fields["snapshot"]; ok {
		f.snapshot = v.GetBoolValue()
	}
	if v, ok := fields["kinds"]; ok {
		for _, k := range v.GetListValue().GetValues() {
			if f.kinds == nil {
				f.kinds = make(map[Kind]bool)
			}
			f.kinds[Kind(k.GetStringValue())] = true
		}
	}
	return f
}

func (f filter) keep(e Event) bool {
	return f.kinds == nil || f.kinds[e.Kind]
}

// ---------------------------------------------------------------------------
// Struct encoding
// ---------------------------------------------------------------------------

func toProto(e Event) (*structpb.Struct, error) {
	m := map[string]any{
		"id":     e.ID,
		"kind":   string(e.Kind),
		"symbol": e.Symbol,
		"time":   e.Time.UTC().Format(time.RFC3339Nano),
	}
	switch {
	case e.Trade != nil:
		t := e.Trade
		m["trade"] = map[string]any{
			"order_id":     t.OrderID,
			"side":         string(t.Side),
			"amount":       t.Amount,
			"price":        t.Price,
			"fee":          t.Fee,
			"cost":         t.Cost,
			"realized_pnl": t.RealizedPnL,
			"strategy":     t.Strategy,
		}
	case e.Alert != nil:
		a := e.Alert
		m["alert"] = map[string]any{
			"level":     string(a.Level),
			"kind":      a.Kind,
			"message":   a.Message,
			"value":     a.Value,
			"threshold": a.Threshold,
			"resolved":  a.Resolved,
		}
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	return s, nil
}

func fromProto(s *structpb.Struct) Event {
	f := s.GetFields()
	str := func(fs map[string]*structpb.Value, k string) string { return fs[k].GetStringValue() }
	num := func(fs map[string]*structpb.Value, k string) float64 { return fs[k].GetNumberValue() }

	e := Event{
		ID:     str(f, "id"),
		Kind:   Kind(str(f, "kind")),
		Symbol: str(f, "symbol"),
	}
	e.Time, _ = time.Parse(time.RFC3339Nano, str(f, "time"))

	if t := f["trade"].GetStructValue(); t != nil {
		tf := t.GetFields()
		e.Trade = &domain.Trade{
			ID:          e.ID,
			OrderID:     str(tf, "order_id"),
			Symbol:      e.Symbol,
			Side:        domain.Side(str(tf, "side")),
			Amount:      num(tf, "amount"),
			Price:       num(tf, "price"),
			Fee:         num(tf, "fee"),
			Cost:        num(tf, "cost"),
			RealizedPnL: num(tf, "realized_pnl"),
			Strategy:    str(tf, "strategy"),
			Timestamp:   e.Time,
		}
	}
	if a := f["alert"].GetStructValue(); a != nil {
		af := a.GetFields()
		e.Alert = &domain.RiskAlert{
			ID:        e.ID,
			Level:     domain.AlertLevel(str(af, "level")),
			Kind:      str(af, "kind"),
			Symbol:    e.Symbol,
			Message:   str(af, "message"),
			Value:     num(af, "value"),
			Threshold: num(af, "threshold"),
			Resolved:  af["resolved"].GetBoolValue(),
			CreatedAt: e.Time,
		}
	}
	return e
}
