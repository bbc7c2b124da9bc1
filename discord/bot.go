// Package discord glues the bot to the chat platform: command handling and
// race posting over a discordgo session.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pitwall/raceday/iracing"
	"github.com/pitwall/raceday/race"
)

// ErrForbidden marks a post rejected for lack of channel permission, as
// opposed to a transport fault.
var ErrForbidden = errors.New("no permission to post in channel")

// SubscriptionStore is the persistence the command layer needs. db.Store
// implements it.
type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, userID int64, channelID, displayName string) error
	RemoveSubscription(ctx context.Context, userID int64, channelID string) (bool, error)
}

// Bot owns the Discord session and exposes the command surface.
type Bot struct {
	session  *discordgo.Session
	prefix   string
	api      iracing.API
	tracker  *iracing.Tracker
	subs     SubscriptionStore
	pipeline *race.Pipeline

	// commandTimeout bounds provider calls made on behalf of a chat command.
	commandTimeout time.Duration
}

// New creates the bot but does not connect yet.
func New(token, prefix string, api iracing.API, tracker *iracing.Tracker, subs SubscriptionStore, pipeline *race.Pipeline) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	b := &Bot{
		session:        session,
		prefix:         prefix,
		api:            api,
		tracker:        tracker,
		subs:           subs,
		pipeline:       pipeline,
		commandTimeout: 30 * time.Second,
	}
	session.AddHandler(b.handleMessage)
	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord ready", slog.Int("guilds", len(r.Guilds)))
	})
	return b, nil
}

// Start opens the Discord connection.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	slog.Info("connected to Discord", slog.String("user", b.session.State.User.Username))
	return nil
}

// Stop closes the Discord session.
func (b *Bot) Stop() error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}

// PostRace sends the race message, then the chart as a second message when
// one was rendered. Permission rejections surface as ErrForbidden.
func (b *Bot) PostRace(ctx context.Context, channelID, message string, chartPNG []byte) error {
	if _, err := b.session.ChannelMessageSend(channelID, message, discordgo.WithContext(ctx)); err != nil {
		return classifyPostError(channelID, err)
	}
	if len(chartPNG) > 0 {
		_, err := b.session.ChannelFileSend(channelID, "race_plot.png", bytes.NewReader(chartPNG), discordgo.WithContext(ctx))
		if err != nil {
			return classifyPostError(channelID, err)
		}
	}
	return nil
}

func classifyPostError(channelID string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrForbidden, channelID)
	}
	return fmt.Errorf("discord post to %s failed: %w", channelID, err)
}
