package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier 实时交易信号的Telegram通知
// 未配置token/chatID时为空实现，所有调用直接返回
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier 创建通知器。token为空时返回禁用的实例
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return &Notifier{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Enabled 是否已配置
func (n *Notifier) Enabled() bool { return n != nil && n.bot != nil }

// NotifySignal 推送一条交易信号
func (n *Notifier) NotifySignal(symbol, signal string, price, probUp float64) {
	n.send(fmt.Sprintf("📈 %s %s @ %.2f (prob_up %.2f%%)", symbol, signal, price, probUp*100))
}

// NotifyTrade 推送一条成交
func (n *Notifier) NotifyTrade(symbol, side string, price, pnl float64) {
	n.send(fmt.Sprintf("💰 %s %s @ %.2f, pnl %.2f", symbol, side, price, pnl))
}

// NotifyError 推送一条错误
func (n *Notifier) NotifyError(context string, err error) {
	if err == nil {
		return
	}
	n.send(fmt.Sprintf("⚠️ %s: %v", context, err))
}

func (n *Notifier) send(text string) {
	if !n.Enabled() {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		// 通知失败不影响交易主流程
		log.Warn().Err(err).Msg("telegram通知发送失败")
	}
}
