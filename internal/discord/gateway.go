// Package discord connects the bot to a Discord server: it greets new
// members, keeps the info message pinned, answers slash commands and
// delivers reminders.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"

	"communitybot/internal/catalog"
	"communitybot/internal/config"
	appLog "communitybot/internal/log"
	"communitybot/internal/message"
	"communitybot/internal/optin"
)

const (
	cmdNextEvent     = "next-event"
	cmdRemindMe      = "remind-me"
	cmdStopReminding = "stop-reminding"

	requestTimeout = 10 * time.Second
)

var commands = []*discordgo.ApplicationCommand{
	{Name: cmdNextEvent, Description: "Show the next scheduled community event"},
	{Name: cmdRemindMe, Description: "Get a direct message before upcoming events"},
	{Name: cmdStopReminding, Description: "Stop event reminder direct messages"},
}

// Gateway owns the Discord session and its event handlers.
type Gateway struct {
	session *discordgo.Session
	api     API

	cfg      config.DiscordConfig
	catalog  catalog.Source
	registry optin.Registry
	clock    clock.Clock
	loc      *time.Location
}

// Deps are the collaborators the gateway's commands need.
type Deps struct {
	Catalog  catalog.Source
	Registry optin.Registry
	Clock    clock.Clock
	Location *time.Location
}

// New creates a gateway for the bot token in cfg. The session is not opened
// until Open.
func New(cfg config.DiscordConfig, deps Deps) (*Gateway, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: bot token is not configured")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	g := newGateway(s, cfg, deps)
	g.session = s
	s.AddHandler(g.onReady)
	s.AddHandler(g.onMemberAdd)
	s.AddHandler(g.onInteraction)
	return g, nil
}

func newGateway(api API, cfg config.DiscordConfig, deps Deps) *Gateway {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Gateway{
		api:      api,
		cfg:      cfg,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		clock:    deps.Clock,
		loc:      deps.Location,
	}
}

// Dispatcher returns a reminder dispatcher sharing the gateway's session.
func (g *Gateway) Dispatcher() *Dispatcher {
	return NewDispatcher(g.api)
}

func (g *Gateway) Open() error {
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error {
	return g.session.Close()
}

func (g *Gateway) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	appLog.Info("discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
	g.registerCommands(r.User.ID)
	g.ensureInfoPinned(r.User.ID)
}

func (g *Gateway) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	g.handleMemberAdd(m)
}

func (g *Gateway) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	g.handleInteraction(i)
}

// registerCommands replaces the command set, guild-scoped when a guild is
// configured so changes apply immediately.
func (g *Gateway) registerCommands(appID string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := g.api.ApplicationCommandBulkOverwrite(appID, g.cfg.GuildID, commands, discordgo.WithContext(ctx)); err != nil {
		appLog.Error("discord command registration failed", err, "guild_id", g.cfg.GuildID)
		return
	}
	appLog.Info("discord commands registered", "count", len(commands), "guild_id", g.cfg.GuildID)
}

// ensureInfoPinned posts and pins the info message unless the bot already has
// a pinned message with the same content.
func (g *Gateway) ensureInfoPinned(botID string) {
	if g.cfg.InfoChannel == "" || g.cfg.InfoMessage == "" {
		appLog.Info("discord info message not configured, skipping pin")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	opt := discordgo.WithContext(ctx)

	pinned, err := g.api.ChannelMessagesPinned(g.cfg.InfoChannel, opt)
	if err != nil {
		appLog.Error("discord list pins failed", err, "channel", g.cfg.InfoChannel)
		return
	}
	for _, m := range pinned {
		if m.Author != nil && m.Author.ID == botID && m.Content == g.cfg.InfoMessage {
			appLog.Debug("discord info message already pinned", "message_id", m.ID)
			return
		}
	}

	msg, err := g.api.ChannelMessageSend(g.cfg.InfoChannel, g.cfg.InfoMessage, opt)
	if err != nil {
		appLog.Error("discord info message post failed", err, "channel", g.cfg.InfoChannel)
		return
	}
	if err := g.api.ChannelMessagePin(g.cfg.InfoChannel, msg.ID, opt); err != nil {
		appLog.Error("discord info message pin failed", err, "channel", g.cfg.InfoChannel, "message_id", msg.ID)
		return
	}
	appLog.Info("discord info message pinned", "channel", g.cfg.InfoChannel, "message_id", msg.ID)
}

func (g *Gateway) handleMemberAdd(m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	if g.cfg.GuildID != "" && m.GuildID != g.cfg.GuildID {
		return
	}
	if g.cfg.WelcomeChannel == "" {
		appLog.Warn("discord welcome channel not configured, not greeting", "user_id", m.User.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := g.api.ChannelMessageSend(g.cfg.WelcomeChannel, message.Welcome(m.User.Mention()), discordgo.WithContext(ctx)); err != nil {
		appLog.Error("discord welcome failed", err, "user_id", m.User.ID)
		return
	}
	appLog.Info("discord member welcomed", "user_id", m.User.ID)
}

func (g *Gateway) handleInteraction(i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	name := i.ApplicationCommandData().Name
	userID := interactionUserID(i.Interaction)

	var reply string
	switch name {
	case cmdNextEvent:
		reply = g.nextEventReply(ctx)
	case cmdRemindMe:
		changed, err := g.registry.OptIn(ctx, userID)
		if err != nil {
			appLog.Error("discord opt-in failed", err, "user_id", userID)
			reply = message.Failure("sign you up")
		} else {
			reply = message.OptedIn(changed)
		}
	case cmdStopReminding:
		changed, err := g.registry.OptOut(ctx, userID)
		if err != nil {
			appLog.Error("discord opt-out failed", err, "user_id", userID)
			reply = message.Failure("update your preference")
		} else {
			reply = message.OptedOut(changed)
		}
	default:
		reply = "Unknown command."
	}

	err := g.api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		appLog.Error("discord interaction reply failed", err, "command", name, "user_id", userID)
		return
	}
	appLog.Info("discord command handled", "command", name, "user_id", userID)
}

func (g *Gateway) nextEventReply(ctx context.Context) string {
	now := g.clock.Now().In(g.loc)
	next, ok := catalog.SelectNext(g.catalog.Load(ctx), now, g.loc)
	if !ok {
		return message.NoEvent()
	}
	return message.Event(next)
}

// interactionUserID works for both guild (Member) and DM (User) invocations.
func interactionUserID(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
