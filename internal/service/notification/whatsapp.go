// Package notification отправляет клиентам сообщения о заказах.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Sender доставляет текстовое сообщение получателю.
type Sender interface {
	Send(ctx context.Context, recipient, message string) error
}

// WhatsAppNotifier — заглушка WhatsApp API: пишет сообщение в лог и считает его доставленным.
type WhatsAppNotifier struct {
	logger *log.Entry

	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage — запись об отправленном сообщении.
type SentMessage struct {
	Recipient string
	Message   string
}

// NewWhatsAppNotifier создаёт заглушку.
func NewWhatsAppNotifier(logger *log.Entry) *WhatsAppNotifier {
	if logger == nil {
		logger = log.WithField("component", "whatsapp-notifier")
	}
	return &WhatsAppNotifier{logger: logger}
}

// Send логирует сообщение.
func (n *WhatsAppNotifier) Send(ctx context.Context, recipient, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("whatsapp recipient is empty")
	}

	n.mu.Lock()
	n.sent = append(n.sent, SentMessage{Recipient: recipient, Message: message})
	n.mu.Unlock()

	n.logger.WithField("recipient", recipient).Info("whatsapp message sent")
	return nil
}

// Sent возвращает копию журнала отправленных сообщений.
func (n *WhatsAppNotifier) Sent() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentMessage(nil), n.sent...)
}

// NewOrderMessage — текст уведомления о новом заказе.
func NewOrderMessage(clientName string, orderID int64) string {
	return fmt.Sprintf("Hello %s, your order #%d has been received! Thank you for shopping with us.", clientName, orderID)
}

// QuotationMessage — текст коммерческого предложения.
func QuotationMessage(clientName, details string) string {
	return fmt.Sprintf("Hello %s, here is your quotation: %s", clientName, details)
}

// PromotionMessage — текст рекламной рассылки.
func PromotionMessage(clientName, details string) string {
	return fmt.Sprintf("Hi %s, check out our latest promotion: %s", clientName, details)
}
