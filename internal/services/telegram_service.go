package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const telegramAPI = "https://api.telegram.org"

// TelegramService handles sending merchant notifications to Telegram.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiURL      string
	http        *http.Client
	log         *zap.Logger
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string, log *zap.Logger) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiURL:      telegramAPI,
		http:        &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		s.log.Debug("telegram bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the merchant chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// PaymentReceivedNotification contains settled payment data.
type PaymentReceivedNotification struct {
	OrderID         string
	Amount          string
	Currency        string
	Network         string
	TransactionHash string
	PayerName       string
	PayerEmail      string
	// ClosedOrder marks funds received for a failed or cancelled intent.
	ClosedOrder bool
}

// NotifyPaymentReceived tells the merchant a stablecoin payment settled.
func (s *TelegramService) NotifyPaymentReceived(ctx context.Context, payment PaymentReceivedNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	var b strings.Builder
	if payment.ClosedOrder {
		b.WriteString("<b>⚠️ Payment received for a closed order</b>\n")
	} else {
		b.WriteString("<b>✅ Payment received</b>\n")
	}
	fmt.Fprintf(&b, "<b>Order:</b> %s\n", payment.OrderID)
	fmt.Fprintf(&b, "<b>Amount:</b> %s %s\n", payment.Amount, payment.Currency)
	if payment.Network != "" {
		fmt.Fprintf(&b, "<b>Network:</b> %s\n", payment.Network)
	}
	if payment.TransactionHash != "" {
		fmt.Fprintf(&b, "<b>Tx:</b> <code>%s</code>\n", payment.TransactionHash)
	}
	if payment.PayerName != "" || payment.PayerEmail != "" {
		fmt.Fprintf(&b, "<b>Payer:</b> %s\n", strings.TrimSpace(payment.PayerName+" "+payment.PayerEmail))
	}

	return s.SendToAdmin(ctx, strings.TrimSpace(b.String()))
}
