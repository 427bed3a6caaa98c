package notify

import (
	"fmt"
	"os"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"peakexec/internal/eventlog"
)

// StatusFunc renders the current position/engine state as operator-
// facing text. The bot never reaches into position.Position directly
// so it stays usable before the tick engine that owns that state
// exists — the wiring supplies the closure at startup.
type StatusFunc func() string

// Bot is the operator control surface of §4.14: it can set or clear
// the two filesystem flags the emergency shutdown mode polls for, and
// it can read back the event log and a live status string. It never
// calls into the exchange directly, mirroring the teacher bot's
// separation between the Telegram layer and the trading engine.
type Bot struct {
	bot               *tele.Bot
	authorizedID      int64
	emergencyFlagPath string
	wakeFlagPath      string
	eventLogPath      string
	status            StatusFunc
	startTime         time.Time
}

// New constructs a Bot. token/authorizedID come from configuration;
// emergencyFlagPath/wakeFlagPath are the two paths §4.14 describes.
func New(token string, authorizedID int64, emergencyFlagPath, wakeFlagPath, eventLogPath string, status StatusFunc) (*Bot, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:               b,
		authorizedID:      authorizedID,
		emergencyFlagPath: emergencyFlagPath,
		wakeFlagPath:      wakeFlagPath,
		eventLogPath:      eventLogPath,
		status:            status,
		startTime:         time.Now(),
	}
	bot.setupHandlers()
	return bot, nil
}

func (b *Bot) Start() { b.bot.Start() }
func (b *Bot) Stop()  { b.bot.Stop() }

func (b *Bot) setupHandlers() {
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != b.authorizedID {
				return c.Send("unauthorized")
			}
			return next(c)
		}
	})

	b.bot.Handle("/status", b.handleStatus)
	b.bot.Handle("/tail", b.handleTail)
	b.bot.Handle("/pause", b.handlePause)
	b.bot.Handle("/resume", b.handleResume)
}

func (b *Bot) handleStatus(c tele.Context) error {
	msg := fmt.Sprintf("uptime: %s\n\n%s", formatUptime(time.Since(b.startTime)), b.status())
	return c.Send(msg)
}

func (b *Bot) handleTail(c tele.Context) error {
	lines, err := eventlog.Tail(b.eventLogPath, 15)
	if err != nil {
		return c.Send("tail failed: " + err.Error())
	}
	if len(lines) == 0 {
		return c.Send("event log is empty")
	}
	return c.Send(strings.Join(lines, "\n"))
}

// handlePause creates the emergency shutdown flag (§4.14): the next
// tick polls tracked orders, repays margin, saves state, and enters
// sleep mode. The bot does not wait for that to happen.
func (b *Bot) handlePause(c tele.Context) error {
	if err := touch(b.emergencyFlagPath); err != nil {
		return c.Send("failed to set emergency flag: " + err.Error())
	}
	return c.Send("emergency shutdown flag set; next tick will enter sleep mode")
}

// handleResume creates the wake flag (§4.14), clearing sleep mode on
// the next tick and resuming normal processing.
func (b *Bot) handleResume(c tele.Context) error {
	if err := touch(b.wakeFlagPath); err != nil {
		return c.Send("failed to set wake flag: " + err.Error())
	}
	return c.Send("wake flag set; next tick resumes normal processing")
}

// NotifyAlert pushes an operator-facing message outside the request/
// response cycle — invariant alerts, watchdog actions, terminal
// events. Best-effort: a send failure is swallowed, the event log
// already has the durable record.
func (b *Bot) NotifyAlert(message string) {
	if b.bot == nil {
		return
	}
	b.bot.Send(&tele.User{ID: b.authorizedID}, message)
}

func touch(path string) error {
	if path == "" {
		return fmt.Errorf("notify: no flag path configured")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
