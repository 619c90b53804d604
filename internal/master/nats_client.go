package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/pkg/model"
)

// NATSClient implements replication.MasterHandler against a NATSServer.
type NATSClient struct {
	nc         *nats.Conn
	collection string
}

func NewNATSClient(nc *nats.Conn, collection string) *NATSClient {
	return &NATSClient{nc: nc, collection: collection}
}

func (c *NATSClient) PullChanges(ctx context.Context, cp replication.Checkpoint, limit int) (*replication.PullResponse, error) {
	req, err := json.Marshal(pullRequest{Checkpoint: cp, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encode pull request: %w", err)
	}

	reply, err := c.request(ctx, pullSubject(c.collection), req)
	if err != nil {
		return nil, err
	}
	if reply.Pull == nil {
		return nil, errors.New("master returned no pull payload")
	}
	return reply.Pull, nil
}

func (c *NATSClient) PushRows(ctx context.Context, rows []replication.WriteIntent) ([]replication.PushResult, error) {
	req, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode push rows: %w", err)
	}

	reply, err := c.request(ctx, pushSubject(c.collection), req)
	if err != nil {
		return nil, err
	}
	return reply.Results, nil
}

// ChangeStream subscribes to the collection's change subject. The channel
// closes when ctx ends or the subscription fails.
func (c *NATSClient) ChangeStream(ctx context.Context) (<-chan *model.Document, error) {
	raw := make(chan *nats.Msg, 64)
	sub, err := c.nc.ChanSubscribe(changesSubject(c.collection), raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}

	ch := make(chan *model.Document, 16)
	go func() {
		defer close(ch)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var doc model.Document
				if err := json.Unmarshal(msg.Data, &doc); err != nil {
					continue
				}
				select {
				case ch <- &doc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func (c *NATSClient) request(ctx context.Context, subject string, data []byte) (*rpcReply, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}

	var reply rpcReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("master error: %s", reply.Error)
	}
	return &reply, nil
}
