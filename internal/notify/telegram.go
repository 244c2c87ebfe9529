package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// TelegramConfig configures the primary message channel.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration // bot API long-poll; default 10s
	RatePerSec  int           // outbound send budget; default 1
}

// TelegramMessenger sends release notifications to a Telegram chat.
// Recipient is the chat id in decimal form.
type TelegramMessenger struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegramMessenger(cfg TelegramConfig, log logx.Logger) (*TelegramMessenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &TelegramMessenger{
		bot: b,
		// Burst = rate per sec, so short bursts don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

func (t *TelegramMessenger) Send(ctx context.Context, recipient, subject, body string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return errors.New("telegram: recipient must be a chat id")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	text := subject
	if body != "" {
		text = subject + "\n\n" + body
	}
	_, err = t.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}
