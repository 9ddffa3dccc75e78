package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"otp-service/internal/util"
)

const emailSubject = "Email Verification Code"

const emailBodyTemplate = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
    <div style="background: linear-gradient(135deg, #667eea 0%%, #764ba2 100%%); padding: 20px; text-align: center;">
        <h1 style="color: white; margin: 0;">%s</h1>
    </div>
    <div style="padding: 30px; background: #f8f9fa;">
        <h2 style="color: #333; margin-bottom: 20px;">Email Verification</h2>
        <p style="color: #666; margin-bottom: 20px;">Please use the following verification code to complete your authentication:</p>
        <div style="background: #fff; padding: 20px; border-radius: 8px; text-align: center; border: 2px solid #667eea;">
            <h1 style="color: #667eea; font-size: 36px; margin: 0; letter-spacing: 8px;">%s</h1>
        </div>
        <p style="color: #666; margin-top: 20px; font-size: 14px;">
            This code will expire in %d minutes.<br>
            If you didn't request this code, please ignore this email.
        </p>
    </div>
</div>`

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromName    string
	FromAddress string
}

// EmailNotifier delivers verification codes over SMTP.
type EmailNotifier struct {
	addr     string
	auth     smtp.Auth
	from     string
	fromName string
}

func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &EmailNotifier{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth:     auth,
		from:     cfg.FromAddress,
		fromName: cfg.FromName,
	}, nil
}

func (n *EmailNotifier) Send(ctx context.Context, identifier, code string, expiry time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	minutes := int(expiry.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	body := fmt.Sprintf(emailBodyTemplate, n.fromName, code, minutes)

	headers := []string{
		fmt.Sprintf("From: %q <%s>", n.fromName, n.from),
		fmt.Sprintf("To: %s", identifier),
		fmt.Sprintf("Subject: %s", emailSubject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	raw := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	if err := smtp.SendMail(n.addr, n.auth, n.from, []string{identifier}, []byte(raw)); err != nil {
		util.Error("failed to send verification email",
			util.String("to", util.MaskIdentifier(identifier)),
			util.ErrorField(err))
		return fmt.Errorf("failed to send verification email: %w", err)
	}

	util.Debug("verification email sent", util.String("to", util.MaskIdentifier(identifier)))
	return nil
}
