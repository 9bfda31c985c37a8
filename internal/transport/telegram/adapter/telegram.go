package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration
	Options kit.SendOptions
}

// Adapter is a transport.Sink backed by telebot.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

// chatRecipient lets both numeric ids and "@channel" usernames reach sendMessage as-is.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client: &http.Client{Timeout: timeout},
		// Send-only: skip getMe at construction so startup works offline.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Deliver(ctx context.Context, recipientID string, payload string) (kit.Ack, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return kit.Ack{}, kit.TransportFailure(err)
		}
	}
	opt := a.cfg.Options
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              opt.ThreadID,
	}

	msg, err := a.bot.Send(chatRecipient(strings.TrimSpace(recipientID)), payload, sendOpt)
	if err != nil {
		se := classify(err).Redact(a.cfg.Token)
		a.log.Debug("telebot send failed", logx.String("kind", se.Kind.String()), logx.Int("status", se.StatusCode))
		return kit.Ack{}, se
	}
	ack := kit.Ack{At: time.Now()}
	if msg != nil {
		ack.MessageID = msg.ID
	}
	return ack, nil
}

func classify(err error) *kit.SinkError {
	var te *tele.Error
	if errors.As(err, &te) {
		return &kit.SinkError{Kind: kit.KindRejected, StatusCode: te.Code, Body: te.Description, Cause: err}
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return &kit.SinkError{Kind: kit.KindTransport, Cause: err}
	}
	// Flood and unknown API errors only carry the code in their text:
	// "telegram: <description> (<code>)".
	return &kit.SinkError{Kind: kit.KindRejected, StatusCode: codeFromText(err.Error()), Body: err.Error(), Cause: err}
}

func codeFromText(s string) int {
	i := strings.LastIndex(s, "(")
	j := strings.LastIndex(s, ")")
	if i < 0 || j <= i+1 {
		return 0
	}
	n, err := strconv.Atoi(s[i+1 : j])
	if err != nil {
		return 0
	}
	return n
}
