// Package syncer drains the offline send queue. Messages are persisted
// before the first attempt, retried on a fixed period while connectivity
// holds, and parked as failed once their retry budget is spent.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/chat"
	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/queue"
	"go.uber.org/zap"
)

// MessageSender performs the actual transactional send. Implemented by
// chat.Service.
type MessageSender interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (string, error)
}

// Engine owns the offline queue lifecycle.
type Engine struct {
	db     *queue.DB
	sender MessageSender
	bus    *bus.Bus
	cfg    *config.Config
	logger *zap.Logger

	online  atomic.Bool
	syncing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a sync engine over the durable queue.
func NewEngine(db *queue.DB, sender MessageSender, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Engine {
	e := &Engine{
		db:     db,
		sender: sender,
		bus:    b,
		cfg:    cfg,
		logger: logger,
	}
	// Until the host reports otherwise, assume connectivity.
	e.online.Store(true)
	return e
}

// Start recovers crashed in-flight entries, subscribes to connectivity
// events and begins the periodic drain.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if n, err := e.db.RecoverInFlight(); err != nil {
		e.logger.Error("failed to recover in-flight messages", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("recovered in-flight messages", zap.Int64("count", n))
	}

	ch, unsub := e.bus.Subscribe("net.", 16)
	go e.loop(e.ctx, ch, unsub)
}

// Stop halts the periodic drain. In-flight remote calls are not aborted;
// their outcomes are applied and then nothing further runs.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Online reports the last connectivity state the host signalled.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline records a connectivity transition. The offline-to-online
// edge triggers an immediate drain.
func (e *Engine) SetOnline(connected bool) {
	was := e.online.Swap(connected)
	if !was && connected {
		e.logger.Info("connectivity restored, syncing")
		go e.SyncNow(e.ctx)
	}
}

func (e *Engine) loop(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer unsub()
	ticker := time.NewTicker(e.cfg.SyncInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.online.Load() {
				e.SyncNow(ctx)
			}
		case evt := <-ch:
			if connected, ok := evt.Payload.(bool); ok {
				e.SetOnline(connected)
			}
		case <-ctx.Done():
			return
		}
	}
}

// QueueMessage persists the message first — a crash cannot lose it —
// then attempts an immediate send when online. OptimisticID ties the
// queue entry to the placeholder the caller already rendered.
func (e *Engine) QueueMessage(ctx context.Context, req chat.SendRequest, optimisticID string) (*model.OfflineMessage, error) {
	m := &model.OfflineMessage{
		ID:             uuid.NewString(),
		OptimisticID:   optimisticID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		RecipientID:    req.RecipientID,
		Text:           req.Text,
		Type:           req.Type,
		Status:         model.OfflinePending,
		MaxRetries:     e.cfg.MaxRetries,
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if err := e.db.Enqueue(m); err != nil {
		return nil, err
	}
	e.bus.Publish(bus.Now(bus.KindOutboxQueued, m.ID))
	e.logger.Info("message queued",
		zap.String("offline_id", m.ID),
		zap.String("conversation_id", m.ConversationID))

	// The immediate attempt runs on the engine's own context: the
	// caller's request scope may end before the send completes, and a
	// message already persisted must not burn a retry on that.
	if engineCtx := e.ctx; engineCtx != nil && e.online.Load() {
		go func() {
			if fresh, err := e.db.Get(m.ID); err == nil && fresh != nil && fresh.Status == model.OfflinePending {
				e.attempt(engineCtx, fresh)
			}
		}()
	}
	return m, nil
}

// SyncNow runs one drain pass. A pass already in progress makes this a
// no-op; the overlapping attempt is skipped, not queued.
func (e *Engine) SyncNow(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync pass already running, skipping")
		return
	}
	defer e.syncing.Store(false)

	pending, err := e.db.Pending()
	if err != nil {
		e.logger.Error("failed to read offline queue", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	e.bus.Publish(bus.Now(bus.KindSyncPassStarted, len(pending)))
	e.logger.Info("sync pass started", zap.Int("pending", len(pending)))

	// Bounded concurrency: fire one batch, wait for every outcome, move
	// on. After a long offline stretch this keeps the backlog from
	// stampeding the store.
	batch := e.cfg.SendBatchSize
	if batch <= 0 {
		batch = 5
	}
	for start := 0; start < len(pending); start += batch {
		end := start + batch
		if end > len(pending) {
			end = len(pending)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			m := pending[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.attempt(ctx, &m)
			}()
		}
		wg.Wait()
	}

	e.bus.Publish(bus.Now(bus.KindSyncPassFinished, len(pending)))
}

// attempt runs one send for a pending entry and applies the outcome to
// the queue row. The sending claim is atomic, so a row picked up by both
// the immediate send and a periodic pass is only attempted once.
func (e *Engine) attempt(ctx context.Context, m *model.OfflineMessage) {
	claimed, err := e.db.MarkSending(m.ID)
	if err != nil {
		e.logger.Error("failed to mark sending", zap.Error(err), zap.String("offline_id", m.ID))
		return
	}
	if !claimed {
		e.logger.Debug("message already claimed, skipping", zap.String("offline_id", m.ID))
		return
	}
	e.bus.Publish(bus.Now(bus.KindOutboxSending, m.ID))

	// The offline id doubles as the remote message id, so a replay after
	// a lost acknowledgement overwrites its own message document.
	_, err = e.sender.SendMessage(ctx, chat.SendRequest{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		RecipientID:    m.RecipientID,
		Text:           m.Text,
		Type:           m.Type,
		MessageID:      m.ID,
	})
	if err != nil {
		e.handleFailure(m, err)
		return
	}

	if err := e.db.MarkSent(m.ID); err != nil {
		e.logger.Error("failed to mark sent", zap.Error(err), zap.String("offline_id", m.ID))
	}
	e.logger.Info("offline message sent", zap.String("offline_id", m.ID))
	e.bus.Publish(bus.Now(bus.KindOutboxSent, m.ID))

	// Keep the sent row briefly so the UI can show the confirmation.
	engineCtx := e.ctx
	time.AfterFunc(e.cfg.SentRetention.Std(), func() {
		if engineCtx != nil && engineCtx.Err() != nil {
			return
		}
		if err := e.db.Delete(m.ID); err != nil {
			e.logger.Warn("failed to delete sent message", zap.Error(err), zap.String("offline_id", m.ID))
		}
	})
}

func (e *Engine) handleFailure(m *model.OfflineMessage, sendErr error) {
	reason := sendErr.Error()
	if m.RetryCount+1 >= m.MaxRetries {
		if err := e.db.MarkFailed(m.ID, reason); err != nil {
			e.logger.Error("failed to mark failed", zap.Error(err), zap.String("offline_id", m.ID))
		}
		e.logger.Warn("offline message failed permanently",
			zap.String("offline_id", m.ID),
			zap.Int("attempts", m.RetryCount+1),
			zap.String("reason", reason))
		e.bus.Publish(bus.Now(bus.KindOutboxFailed, m.ID))
		return
	}
	if err := e.db.MarkRetry(m.ID, reason); err != nil {
		e.logger.Error("failed to mark retry", zap.Error(err), zap.String("offline_id", m.ID))
	}
	e.logger.Info("send failed, will retry",
		zap.String("offline_id", m.ID),
		zap.Int("attempt", m.RetryCount+1),
		zap.String("reason", reason))
}

// RetryFailed requeues a permanently failed message with a fresh retry
// budget and, when online, tries it straight away.
func (e *Engine) RetryFailed(ctx context.Context, id string) error {
	if err := e.db.RequeueFailed(id); err != nil {
		return err
	}
	e.bus.Publish(bus.Now(bus.KindOutboxQueued, id))
	if e.online.Load() {
		if fresh, err := e.db.Get(id); err == nil && fresh != nil {
			e.attempt(ctx, fresh)
		}
	}
	return nil
}

// ClearFailed drops every permanently failed entry.
func (e *Engine) ClearFailed() (int64, error) {
	return e.db.ClearFailed()
}
