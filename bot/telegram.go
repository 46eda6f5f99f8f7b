package bot

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Chain lifecycle notifications & operator control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔁 Recovery lifecycle alerts (started/succeeded/failed)
//   📈 Chain level-up and order-booked notifications
//   🛑 Chain-stop alerts with reasons
//   🎛️ Operator commands (/status, /chains, /trades, /pause, /resume)
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider exposes engine state for the operator commands
// (core.Engine implements this).
type StatusProvider interface {
	OpenTrades() []*types.Trade
	ReEntryChains() []*types.ReEntryChain
	ProfitChains() []*types.ProfitBookingChain
	DailyStats() (attempts int, loss decimal.Decimal, inFlight int)
	PendingTriggers() int
	Paused() bool
	Pause()
	Resume()
}

// TelegramBot sends lifecycle events to the operator chat and answers
// control commands. Implements core.Notifier and pyramid.Notifier.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	engine StatusProvider
}

// NewTelegramBot creates the bot for the given token and operator chat
func NewTelegramBot(token string, chatID int64, engine StatusProvider) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		engine: engine,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyRecoveryStarted announces a recovery order going in
func (b *TelegramBot) NotifyRecoveryStarted(ev types.ChainEvent) {
	msg := fmt.Sprintf(`🔁 *RECOVERY STARTED*

📊 %s
🔗 Chain: `+"`%s`"+`
🎚 Level: *%d*
💵 Entry: *%s*
📝 %s`,
		ev.Symbol, shortID(ev.ChainID), ev.Level, ev.Price.String(), ev.Reason)
	b.sendMarkdown(msg)
}

// NotifyRecoverySucceeded announces a recovery that resumed the chain
func (b *TelegramBot) NotifyRecoverySucceeded(ev types.ChainEvent) {
	msg := fmt.Sprintf(`✅ *RECOVERY SUCCEEDED*

📊 %s
🔗 Chain: `+"`%s`"+`
🎚 Level: *%d*
💰 Chain P&L: *$%s*`,
		ev.Symbol, shortID(ev.ChainID), ev.Level, ev.Amount.StringFixed(2))
	b.sendMarkdown(msg)
}

// NotifyRecoveryFailed announces a recovery that ended the chain
func (b *TelegramBot) NotifyRecoveryFailed(ev types.ChainEvent) {
	msg := fmt.Sprintf(`🛑 *RECOVERY FAILED*

📊 %s
🔗 Chain: `+"`%s`"+`
🎚 Level: *%d*
📝 %s`,
		ev.Symbol, shortID(ev.ChainID), ev.Level, ev.Reason)
	b.sendMarkdown(msg)
}

// NotifyChainLevelUp announces a pyramid level advance
func (b *TelegramBot) NotifyChainLevelUp(ev types.ChainEvent) {
	msg := fmt.Sprintf(`📈 *CHAIN LEVEL UP*

📊 %s
🔗 Chain: `+"`%s`"+`
🎚 Level: *%d*
💵 Price: *%s*
💰 Realized: *$%s*`,
		ev.Symbol, shortID(ev.ChainID), ev.Level, ev.Price.String(), ev.Amount.StringFixed(2))
	b.sendMarkdown(msg)
}

// NotifyOrderBooked announces a single order booked at its profit target
func (b *TelegramBot) NotifyOrderBooked(ev types.ChainEvent) {
	msg := fmt.Sprintf(`💰 *ORDER BOOKED*

📊 %s
🔗 Chain: `+"`%s`"+`
🎚 Level: *%d*
💵 +$%s`,
		ev.Symbol, shortID(ev.ChainID), ev.Level, ev.Amount.StringFixed(2))
	b.sendMarkdown(msg)
}

// NotifyChainStopped announces a chain leaving monitoring
func (b *TelegramBot) NotifyChainStopped(ev types.ChainEvent) {
	msg := fmt.Sprintf(`🛑 *CHAIN STOPPED*

📊 %s
🔗 Chain: `+"`%s`"+`
🎚 Level: *%d*
📝 %s`,
		ev.Symbol, shortID(ev.ChainID), ev.Level, ev.Reason)
	b.sendMarkdown(msg)
}

// NotifyOperator sends a plain operator alert (circuit breaker etc.)
func (b *TelegramBot) NotifyOperator(message string) {
	b.send(message)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "chains":
		b.cmdChains()
	case "trades":
		b.cmdTrades()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *CHAINFLOW COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
🔗 /chains — Active chains
📋 /trades — Open trades
⏸ /pause — Pause new executions
▶️ /resume — Resume executions
🏓 /ping — Liveness check`
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	if b.engine == nil {
		b.send("⚠️ Engine not wired")
		return
	}

	attempts, loss, inFlight := b.engine.DailyStats()
	state := "🟢 RUNNING"
	if b.engine.Paused() {
		state = "⏸ PAUSED"
	}

	msg := fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s

📋 Open trades: *%d*
⏱ Pending triggers: *%d*
🔁 Recoveries today: *%d*
⚡ In-flight recoveries: *%d*
📉 Loss today: *$%s*`,
		state,
		len(b.engine.OpenTrades()),
		b.engine.PendingTriggers(),
		attempts,
		inFlight,
		loss.StringFixed(2),
	)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdChains() {
	if b.engine == nil {
		b.send("⚠️ Engine not wired")
		return
	}

	var sb strings.Builder
	sb.WriteString("🔗 *CHAINS*\n━━━━━━━━━━━━━━━━━━━━\n")

	count := 0
	for _, c := range b.engine.ReEntryChains() {
		if c.Status.Terminal() {
			continue
		}
		count++
		sb.WriteString(fmt.Sprintf("\n🔁 `%s` %s %s L%d/%d — %s",
			shortID(c.ID), c.Symbol, c.Direction, c.Level, c.MaxLevel, c.Status))
	}
	for _, c := range b.engine.ProfitChains() {
		if c.Status.Terminal() {
			continue
		}
		count++
		sb.WriteString(fmt.Sprintf("\n🏛 `%s` %s %s L%d (%d open) — $%s",
			shortID(c.ID), c.Symbol, c.Direction, c.Level, len(c.OpenOrderIDs), c.RealizedProfit.StringFixed(2)))
	}

	if count == 0 {
		b.send("🔗 No active chains")
		return
	}
	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdTrades() {
	if b.engine == nil {
		b.send("⚠️ Engine not wired")
		return
	}

	trades := b.engine.OpenTrades()
	if len(trades) == 0 {
		b.send("📋 No open trades")
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 *OPEN TRADES*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, t := range trades {
		sb.WriteString(fmt.Sprintf("\n%s %s %s @ %s (lot %s) [%s]",
			directionEmoji(t.Direction), t.Symbol, t.Direction, t.EntryPrice.String(), t.Lot.String(), t.Role))
	}
	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdPause() {
	if b.engine == nil {
		b.send("⚠️ Engine not wired")
		return
	}
	b.engine.Pause()
	b.send("⏸ Engine paused. Open risk is still managed; no new executions.")
	log.Info().Msg("⏸ Engine paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	if b.engine == nil {
		b.send("⚠️ Engine not wired")
		return
	}
	b.engine.Resume()
	b.send("▶️ Engine resumed")
	log.Info().Msg("▶️ Engine resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func directionEmoji(d types.Direction) string {
	if d == types.Long {
		return "🟢"
	}
	return "🔴"
}
