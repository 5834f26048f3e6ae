package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tradingbot/internal/util"
)

// Client connects to a bot's event stream.
type Client struct {
	addr string
	log  *slog.Logger
}

// NewClient creates a client targeting the given gRPC address.
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = util.Discard()
	}
	return &Client{addr: addr, log: logger}
}

// Watch streams events of the given kinds (all when empty) to fn. It blocks
// until ctx is canceled or the server ends the stream.
func (c *Client) Watch(ctx context.Context, snapshot bool, kinds []Kind, fn func(Event)) error {
	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	req := map[string]any{"snapshot": snapshot}
	if len(kinds) > 0 {
		ks := make([]any, len(kinds))
		for i, k := range kinds {
			ks[i] = string(k)
		}
		req["kinds"] = ks
	}
	msg, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.SendMsg(msg); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	c.log.Info("connected to event stream", "addr", c.addr)

	for {
		ev := new(structpb.Struct)
		err := stream.RecvMsg(ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		fn(fromProto(ev))
	}
}
