package mail

import (
	"github.com/mx-space/newsletter/internal/config"
)

// BuildMailConfig maps the runtime mail section onto the sender config.
func BuildMailConfig(cfg config.MailConfig) Config {
	mc := Config{
		Enable:  cfg.Enable,
		From:    cfg.From,
		ReplyTo: cfg.ReplyTo,
		Host:    cfg.SMTP.Host,
		Port:    cfg.SMTP.Port,
		User:    cfg.SMTP.User,
		Pass:    cfg.SMTP.Pass,
	}
	if cfg.ResendKey != "" {
		mc.UseResend = true
		mc.ResendKey = cfg.ResendKey
	}
	return mc
}
