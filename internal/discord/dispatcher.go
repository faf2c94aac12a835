package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"communitybot/internal/reminder"
)

// API is the subset of *discordgo.Session the bot uses.
type API interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ChannelMessagesPinned(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessagePin(channelID, messageID string, options ...discordgo.RequestOption) error
}

var _ API = (*discordgo.Session)(nil)

// Dispatcher delivers reminders through Discord.
type Dispatcher struct {
	api API
}

func NewDispatcher(api API) *Dispatcher {
	return &Dispatcher{api: api}
}

var _ reminder.Dispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) PostChannelMessage(ctx context.Context, channelID, content string) error {
	if _, err := d.api.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: post to channel %s: %w", channelID, errors.Join(reminder.ErrDelivery, err))
	}
	return nil
}

// SendDirectMessage opens (or reuses) the DM channel with the user and posts
// there. Users who disabled DMs from server members fail here.
func (d *Dispatcher) SendDirectMessage(ctx context.Context, userID, content string) error {
	ch, err := d.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: open dm with %s: %w", userID, errors.Join(reminder.ErrDelivery, err))
	}
	if _, err := d.api.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: dm %s: %w", userID, errors.Join(reminder.ErrDelivery, err))
	}
	return nil
}
