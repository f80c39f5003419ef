package exchange

import (
	"context"
	"sync"

	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/remote"
	"github.com/taskex/taskex/types"
)

// remoteProxy joins a hosted HTTP agent to the exchange as if it held a
// websocket session. It satisfies registry.Channel: broker frames addressed
// to the agent become HTTP calls against its endpoint, and the responses are
// fed back through the facade exactly as transport sessions feed it. Health
// probes stand in for heartbeats, so the registry sweep treats hosted agents
// like any other.
type remoteProxy struct {
	ex     *Exchange
	cfg    RemoteAgentConfig
	client *remote.Client
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRemoteProxy(ex *Exchange, client *remote.Client, cfg RemoteAgentConfig) (*remoteProxy, error) {
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = "remote"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &remoteProxy{
		ex:     ex,
		cfg:    cfg,
		client: client,
		logger: ex.logger.Module("proxy").With("agent", cfg.AgentID),
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := ex.HandleRegister(p, &protocol.Register{
		Type:            protocol.MsgRegister,
		ProtocolVersion: protocol.Version,
		AgentID:         cfg.AgentID,
		AgentVersion:    cfg.AgentVersion,
		Categories:      cfg.Categories,
		Capabilities:    types.AgentCapabilities{MaxConcurrent: cfg.MaxConcurrent},
	}); err != nil {
		cancel()
		return nil, err
	}
	p.wg.Add(1)
	go p.healthLoop()
	p.logger.Info("remote agent online", "baseUrl", cfg.BaseURL)
	return p, nil
}

// Send implements registry.Channel. Calls run in their own goroutine so the
// coordinator and dispatcher never block on a slow endpoint.
func (p *remoteProxy) Send(msg any) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
	}
	switch frame := msg.(type) {
	case *protocol.BidRequest:
		p.wg.Add(1)
		go p.bid(frame)
	case *protocol.TaskAssignment:
		p.wg.Add(1)
		go p.execute(frame)
	case *protocol.TaskCancel:
		// HTTP executions run to completion; the dispatcher drops the
		// late result.
		p.logger.Debug("cancel hint for remote execution", "task", frame.TaskID)
	}
	return nil
}

// Close implements registry.Channel. It only cancels outstanding calls; the
// registry may invoke it under its own lock, so waiting happens in stop.
func (p *remoteProxy) Close() error {
	p.cancel()
	return nil
}

// stop cancels outstanding calls and waits for their goroutines.
func (p *remoteProxy) stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *remoteProxy) bid(req *protocol.BidRequest) {
	defer p.wg.Done()
	bid, err := p.client.Bid(p.ctx, p.cfg.AgentConfig, req)
	if err != nil {
		p.logger.Debug("bid call failed", "auction", req.AuctionID, "err", err)
		return
	}
	// A nil bid is the endpoint's formal decline.
	p.ex.HandleBidResponse(&protocol.BidResponse{
		Type:         protocol.MsgBidResponse,
		AuctionID:    req.AuctionID,
		AgentID:      p.cfg.AgentID,
		AgentVersion: p.cfg.AgentVersion,
		Bid:          bid,
	})
}

func (p *remoteProxy) execute(asg *protocol.TaskAssignment) {
	defer p.wg.Done()
	result, err := p.client.Execute(p.ctx, p.cfg.AgentConfig, asg)
	if err != nil {
		p.logger.Warn("execute call failed", "task", asg.TaskID, "err", err)
		result = &types.TaskResult{Success: false, Error: err.Error()}
	}
	p.ex.HandleTaskResult(&protocol.TaskResultMsg{
		Type:    protocol.MsgTaskResult,
		TaskID:  asg.TaskID,
		AgentID: p.cfg.AgentID,
		Result:  result,
	})
}

// healthLoop probes the endpoint on the heartbeat interval and stamps the
// registry while the endpoint reports healthy. A failed or negative probe
// withholds the stamp and the sweep marks the agent unhealthy in time.
func (p *remoteProxy) healthLoop() {
	defer p.wg.Done()
	interval := p.ex.cfg.heartbeatInterval()
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-p.ex.clk.After(interval):
			status, err := p.client.Health(p.ctx, p.cfg.AgentConfig)
			if err != nil {
				p.logger.Debug("health probe failed", "err", err)
				continue
			}
			if status.Healthy() {
				p.ex.HandleHeartbeat(p.cfg.AgentID)
			}
		case <-p.ctx.Done():
			return
		}
	}
}
