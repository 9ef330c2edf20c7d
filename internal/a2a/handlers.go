// ABOUTME: JSON-RPC method handlers of the A2A server
// ABOUTME: message/send, message/stream, tasks/get, tasks/cancel, tasks/resubscribe and push configs

package a2a

import (
	"context"
	"errors"
	"net/url"

	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

func decodeSend(c *call) (*protocol.MessageSendParams, error) {
	var p protocol.MessageSendParams
	if rpcErr := c.req.DecodeParams(&p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := validateSend(&p); rpcErr != nil {
		return nil, rpcErr
	}
	return &p, nil
}

func historyLength(p *protocol.MessageSendParams) *int {
	if p.Configuration == nil {
		return nil
	}
	return p.Configuration.HistoryLength
}

func (s *Server) handleSend(ctx context.Context, c *call) (any, error) {
	p, err := decodeSend(c)
	if err != nil {
		return nil, err
	}
	t, dup, err := s.submit(ctx, c.agent, p)
	if err != nil {
		return nil, err
	}

	blocking := true
	if p.Configuration != nil && p.Configuration.Blocking != nil {
		blocking = *p.Configuration.Blocking
	}

	var r *run
	if dup {
		s.mu.Lock()
		r = s.running[t.ID]
		s.mu.Unlock()
	} else {
		r = s.startWork(t)
	}
	if blocking && r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t, err = s.loadTask(ctx, c.agent, t.ID)
	if err != nil {
		return nil, err
	}
	return trimHistory(t, historyLength(p)), nil
}

func (s *Server) handleStream(ctx context.Context, c *call) (*session, error) {
	p, err := decodeSend(c)
	if err != nil {
		return nil, err
	}
	t, dup, err := s.submit(ctx, c.agent, p)
	if err != nil {
		return nil, err
	}

	sub, err := s.streams.Subscribe(ctx, t.ID)
	if err != nil {
		if !dup {
			s.startWork(t)
		}
		return nil, err
	}

	sess := &session{sub: sub, snapshot: t}
	if dup {
		// A repeated message re-attaches like tasks/resubscribe.
		fresh, err := s.loadTask(ctx, c.agent, t.ID)
		if err != nil {
			s.streams.Unsubscribe(t.ID, sub.ID())
			return nil, err
		}
		sess.snapshot = fresh
	} else {
		sess.start = func() { s.startWork(t) }
	}
	trimHistory(sess.snapshot, historyLength(p))
	return sess, nil
}

func (s *Server) handleResubscribe(ctx context.Context, c *call) (*session, error) {
	var p protocol.TaskIDParams
	if rpcErr := c.req.DecodeParams(&p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}

	// Subscribe before reading the snapshot so no update falls between them.
	sub, err := s.streams.Subscribe(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	t, err := s.loadTask(ctx, c.agent, p.ID)
	if err != nil {
		s.streams.Unsubscribe(p.ID, sub.ID())
		return nil, err
	}
	return &session{sub: sub, snapshot: t}, nil
}

func (s *Server) handleGetTask(ctx context.Context, c *call) (any, error) {
	var p protocol.TaskQueryParams
	if rpcErr := c.req.DecodeParams(&p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	t, err := s.getOwned(ctx, c.agent, p.ID)
	if err != nil {
		return nil, err
	}
	return trimHistory(t, p.HistoryLength), nil
}

func (s *Server) handleCancelTask(ctx context.Context, c *call) (any, error) {
	var p protocol.TaskIDParams
	if rpcErr := c.req.DecodeParams(&p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}

	unlock := s.locks.Lock(p.ID)
	if _, err := s.getOwned(ctx, c.agent, p.ID); err != nil {
		unlock()
		return nil, err
	}
	_, err := s.applyLocked(ctx, p.ID, task.EventCancel, nil)
	unlock()
	if err != nil {
		return nil, err
	}

	if s.cancelWork(p.ID) {
		s.logger.Info("cancelled running work", "task_id", p.ID, "agent", c.agent)
	}
	return s.loadTask(ctx, c.agent, p.ID)
}

func (s *Server) handleSetPushConfig(ctx context.Context, c *call) (any, error) {
	var p protocol.TaskPushConfig
	if rpcErr := c.req.DecodeParams(&p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.TaskID == "" {
		return nil, invalidParams("taskId is required")
	}
	u, err := url.Parse(p.PushNotificationConfig.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidParams("pushNotificationConfig.url must be an absolute http or https URL")
	}
	if _, err := s.getOwned(ctx, c.agent, p.TaskID); err != nil {
		return nil, err
	}

	cfg := &store.PushConfig{
		TaskID: p.TaskID,
		URL:    p.PushNotificationConfig.URL,
		Token:  p.PushNotificationConfig.Token,
	}
	if a := p.PushNotificationConfig.Authentication; a != nil {
		cfg.AuthSchemes = a.Schemes
	}
	if err := s.store.SetPushConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return toTaskPushConfig(cfg), nil
}

func (s *Server) handleGetPushConfig(ctx context.Context, c *call) (any, error) {
	var p protocol.TaskIDParams
	if rpcErr := c.req.DecodeParams(&p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if _, err := s.getOwned(ctx, c.agent, p.ID); err != nil {
		return nil, err
	}
	cfg, err := s.store.GetPushConfig(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidParams("no push notification config set for task")
	}
	if err != nil {
		return nil, err
	}
	return toTaskPushConfig(cfg), nil
}

func toTaskPushConfig(cfg *store.PushConfig) protocol.TaskPushConfig {
	out := protocol.TaskPushConfig{
		TaskID: cfg.TaskID,
		PushNotificationConfig: protocol.PushNotificationConfig{
			URL:   cfg.URL,
			Token: cfg.Token,
		},
	}
	if len(cfg.AuthSchemes) > 0 {
		out.PushNotificationConfig.Authentication = &protocol.PushAuthentication{Schemes: cfg.AuthSchemes}
	}
	return out
}
