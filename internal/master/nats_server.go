package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/codetrek/forkdb/internal/replication"
)

// Subject layout per collection:
//
//	forkdb.replication.<collection>.pull     request/reply
//	forkdb.replication.<collection>.push     request/reply
//	forkdb.replication.<collection>.changes  live feed
func pullSubject(collection string) string {
	return fmt.Sprintf("forkdb.replication.%s.pull", collection)
}

func pushSubject(collection string) string {
	return fmt.Sprintf("forkdb.replication.%s.push", collection)
}

func changesSubject(collection string) string {
	return fmt.Sprintf("forkdb.replication.%s.changes", collection)
}

type pullRequest struct {
	Checkpoint replication.Checkpoint `json:"checkpoint"`
	Limit      int                    `json:"limit"`
}

type rpcReply struct {
	Error   string                    `json:"error,omitempty"`
	Pull    *replication.PullResponse `json:"pull,omitempty"`
	Results []replication.PushResult  `json:"results,omitempty"`
}

// NATSServer serves a MasterHandler over NATS request/reply and publishes
// the live change feed.
type NATSServer struct {
	nc         *nats.Conn
	handler    replication.MasterHandler
	collection string
	subs       []*nats.Subscription
}

func NewNATSServer(nc *nats.Conn, handler replication.MasterHandler, collection string) *NATSServer {
	return &NATSServer{nc: nc, handler: handler, collection: collection}
}

// Start subscribes the request handlers and begins forwarding the change
// feed. It runs until ctx is cancelled.
func (s *NATSServer) Start(ctx context.Context) error {
	pullSub, err := s.nc.Subscribe(pullSubject(s.collection), func(msg *nats.Msg) {
		s.servePull(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe pull: %w", err)
	}
	s.subs = append(s.subs, pullSub)

	pushSub, err := s.nc.Subscribe(pushSubject(s.collection), func(msg *nats.Msg) {
		s.servePush(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe push: %w", err)
	}
	s.subs = append(s.subs, pushSub)

	stream, err := s.handler.ChangeStream(ctx)
	if err != nil {
		return fmt.Errorf("change stream: %w", err)
	}

	go func() {
		subject := changesSubject(s.collection)
		for doc := range stream {
			data, err := json.Marshal(doc)
			if err != nil {
				log.Printf("[Master] Failed to encode change event: %v", err)
				continue
			}
			if err := s.nc.Publish(subject, data); err != nil {
				log.Printf("[Master] Failed to publish change event: %v", err)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Printf("[Master] NATS server started for collection %q", s.collection)
	return nil
}

// Stop drains the request subscriptions.
func (s *NATSServer) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *NATSServer) servePull(ctx context.Context, msg *nats.Msg) {
	var req pullRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, rpcReply{Error: "invalid pull request"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	resp, err := s.handler.PullChanges(ctx, req.Checkpoint, req.Limit)
	if err != nil {
		s.reply(msg, rpcReply{Error: err.Error()})
		return
	}
	s.reply(msg, rpcReply{Pull: resp})
}

func (s *NATSServer) servePush(ctx context.Context, msg *nats.Msg) {
	var rows []replication.WriteIntent
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		s.reply(msg, rpcReply{Error: "invalid push request"})
		return
	}

	results, err := s.handler.PushRows(ctx, rows)
	if err != nil {
		s.reply(msg, rpcReply{Error: err.Error()})
		return
	}
	if results == nil {
		results = []replication.PushResult{}
	}
	s.reply(msg, rpcReply{Results: results})
}

func (s *NATSServer) reply(msg *nats.Msg, r rpcReply) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("[Master] Failed to encode reply: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("[Master] Failed to respond: %v", err)
	}
}
