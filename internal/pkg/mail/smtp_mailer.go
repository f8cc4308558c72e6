// Package mail sends payment notices by email over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/notification"
)

// Config holds the SMTP relay settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// ConfigFromEnv reads SMTP_* variables.
func ConfigFromEnv() Config {
	return Config{
		Host:     env.GetEnv("SMTP_HOST", ""),
		Port:     env.GetEnv("SMTP_PORT", "587"),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		Sender:   env.GetEnv("SMTP_SENDER", ""),
	}
}

// Enabled reports whether a relay is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends HTML mail via SMTP
type Mailer struct {
	cfg  Config
	send SendFunc
}

func NewMailer(cfg Config, send SendFunc) *Mailer {
	if send == nil {
		send = smtp.SendMail
	}
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &Mailer{cfg: cfg, send: send}
}

// Send delivers one message. Header values are stripped of line breaks.
func (m *Mailer) Send(to, subject, body string) error {
	if !m.cfg.Enabled() {
		return errors.New("mail: SMTP_HOST is not configured")
	}
	to = stripCRLF(to)
	subject = stripCRLF(subject)

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := m.send(addr, auth, m.cfg.Sender, []string{to}, msg); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	log.Infof("[Mail] Sent %q to %s via %s", subject, to, addr)
	return nil
}

func stripCRLF(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(strings.TrimSpace(s))
}

// Notifier emails payment decisions to the user's address.
type Notifier struct {
	mailer *Mailer
	db     *gorm.DB
}

func NewNotifier(mailer *Mailer, db *gorm.DB) *Notifier {
	return &Notifier{mailer: mailer, db: db}
}

var subjects = map[string]string{
	models.NotificationTypePaymentApproved: "Your PixelBooth Pro payment was approved",
	models.NotificationTypePaymentRejected: "Your PixelBooth payment needs attention",
}

func (n *Notifier) Notify(ctx context.Context, msg notification.Message) error {
	subject, ok := subjects[msg.Type]
	if !ok {
		return nil
	}

	var user models.User
	if err := n.db.WithContext(ctx).Select("id", "email", "name").First(&user, msg.UserID).Error; err != nil {
		return fmt.Errorf("mail: load recipient %d: %w", msg.UserID, err)
	}
	if user.Email == "" {
		return nil
	}

	body := fmt.Sprintf("<p>Hello %s,</p><p>%s</p>", html.EscapeString(user.Name), html.EscapeString(msg.Content))
	return n.mailer.Send(user.Email, subject, body)
}
