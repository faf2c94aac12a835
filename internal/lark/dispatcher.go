// Package lark delivers reminders to Lark (Feishu) chats through the Open
// Platform IM API.
package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"communitybot/internal/config"
	appLog "communitybot/internal/log"
	"communitybot/internal/reminder"
)

const (
	receiveChat = "chat_id"
	receiveUser = "open_id"
)

// Dispatcher posts channel reminders to a group chat and direct reminders to
// a user's open_id.
type Dispatcher struct {
	client *lark.Client
}

var _ reminder.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher builds a client from app credentials.
func NewDispatcher(cfg config.LarkConfig, opts ...lark.ClientOptionFunc) (*Dispatcher, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, errors.New("lark: app_id and app_secret are required")
	}
	return NewDispatcherWithClient(lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)), nil
}

func NewDispatcherWithClient(client *lark.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) PostChannelMessage(ctx context.Context, chatID, content string) error {
	return d.send(ctx, receiveChat, chatID, content)
}

func (d *Dispatcher) SendDirectMessage(ctx context.Context, openID, content string) error {
	return d.send(ctx, receiveUser, openID, content)
}

func (d *Dispatcher) send(ctx context.Context, idType, receiveID, content string) error {
	if d.client == nil {
		return errors.Join(reminder.ErrDelivery, errors.New("lark: client not initialized"))
	}

	textJSON, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return fmt.Errorf("lark: marshal text content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(idType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType("text").
			Content(string(textJSON)).
			Build()).
		Build()

	resp, err := d.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("lark: send to %s %s: %w", idType, receiveID, errors.Join(reminder.ErrDelivery, err))
	}
	if !resp.Success() {
		return fmt.Errorf("lark: send to %s %s: %w", idType, receiveID,
			errors.Join(reminder.ErrDelivery, fmt.Errorf("code=%d msg=%s", resp.Code, resp.Msg)))
	}

	appLog.Debug("lark message sent", "receive_id_type", idType, "receive_id", receiveID)
	return nil
}
