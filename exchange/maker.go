package exchange

import (
	"encoding/json"
	"sync"

	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/transport"
	"github.com/taskex/taskex/types"
)

// marketMaker is the in-process fallback bidder. It joins every auction over
// the local transport with a fixed low confidence, so enabled exchanges
// never dead-letter a task for lack of bidders. Assignments are settled with
// an echo of the task content.
type marketMaker struct {
	ex         *Exchange
	cfg        MarketMakerConfig
	logger     *log.Logger
	session    *transport.LocalSession
	confidence float64

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

const makerVersion = "builtin-1"

func newMarketMaker(ex *Exchange, cfg MarketMakerConfig, logger *log.Logger) (*marketMaker, error) {
	m := &marketMaker{
		ex:         ex,
		cfg:        cfg,
		logger:     logger.Module("maker"),
		confidence: types.QuantizeConfidence(cfg.Confidence),
		stop:       make(chan struct{}),
	}
	m.session = transport.NewLocalSession(ex, m.handle)
	_, err := m.session.Register(&protocol.Register{
		Type:            protocol.MsgRegister,
		ProtocolVersion: protocol.Version,
		AgentID:         cfg.AgentID,
		AgentVersion:    makerVersion,
		Capabilities:    types.AgentCapabilities{MaxConcurrent: 8},
	})
	if err != nil {
		m.session.Close()
		return nil, err
	}
	m.wg.Add(1)
	go m.heartbeatLoop()
	m.logger.Info("market maker online", "agent", cfg.AgentID, "confidence", m.confidence)
	return m, nil
}

func (m *marketMaker) heartbeatLoop() {
	defer m.wg.Done()
	interval := m.ex.cfg.heartbeatInterval()
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-m.ex.clk.After(interval):
			m.session.Heartbeat()
		case <-m.stop:
			return
		}
	}
}

// handle reacts to broker frames delivered over the local session.
func (m *marketMaker) handle(msg any) {
	switch frame := msg.(type) {
	case *protocol.BidRequest:
		m.session.SubmitBid(&protocol.BidResponse{
			Type:         protocol.MsgBidResponse,
			AuctionID:    frame.AuctionID,
			AgentVersion: makerVersion,
			Bid: &types.Bid{
				Confidence: m.confidence,
				Reasoning:  "market maker floor bid",
				Tier:       types.TierKeyword,
				Timestamp:  m.ex.clk.Now(),
			},
		})

	case *protocol.TaskAssignment:
		data, _ := json.Marshal(map[string]string{"echo": frame.Task.Content})
		m.session.SubmitResult(&protocol.TaskResultMsg{
			Type:   protocol.MsgTaskResult,
			TaskID: frame.TaskID,
			Result: &types.TaskResult{Success: true, Data: data},
		})

	case *protocol.TaskCancel:
		m.logger.Debug("assignment cancelled", "task", frame.TaskID)
	}
}

func (m *marketMaker) close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.session.Disconnect("exchange shutdown")
		m.wg.Wait()
	})
}
