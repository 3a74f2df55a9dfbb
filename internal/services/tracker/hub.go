package tracker

import (
	"sync"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/models"
)

const subscriberBuffer = 64

// hub fans run events out to subscribers. Slow subscribers drop events
// rather than block the tracker.
type hub struct {
	mu          sync.RWMutex
	subscribers map[chan models.RunEvent]bool
	logger      *common.Logger
}

func newHub(logger *common.Logger) *hub {
	return &hub{
		subscribers: make(map[chan models.RunEvent]bool),
		logger:      logger,
	}
}

func (h *hub) subscribe() (<-chan models.RunEvent, func()) {
	ch := make(chan models.RunEvent, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = true
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (h *hub) broadcast(event models.RunEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Warn().Str("run_id", event.RunID).Msg("Run event subscriber full, dropping event")
		}
	}
}

func (h *hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
