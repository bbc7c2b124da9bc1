package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pitwall/raceday/iracing"
)

// handleMessage dispatches prefix commands. Anything not matching the prefix
// or a known command is ignored.
func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !strings.HasPrefix(m.Content, b.prefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(m.Content, b.prefix))
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	slog.Debug("command received",
		slog.String("command", cmd), slog.String("channel_id", m.ChannelID))

	ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
	defer cancel()

	switch cmd {
	case "addracer":
		b.handleAddRacer(ctx, m, args)
	case "removeracer":
		b.handleRemoveRacer(ctx, m, args)
	case "fetchrace":
		b.handleFetchRace(ctx, m, args)
	}
}

func (b *Bot) handleAddRacer(ctx context.Context, m *discordgo.MessageCreate, args []string) {
	if len(args) != 1 {
		b.reply(m, fmt.Sprintf("Usage: %saddracer <customer id>", b.prefix))
		return
	}
	custID, err := parseCustID(args[0])
	if err != nil {
		b.reply(m, fmt.Sprintf("Invalid User ID: %s. Please provide a positive number.", args[0]))
		return
	}

	name, err := b.AddSubscription(ctx, custID, m.ChannelID)
	if err != nil {
		if errors.Is(err, iracing.ErrUnavailable) {
			b.reply(m, fmt.Sprintf("iRacing is rate limited right now, try again in about %s.",
				b.tracker.Remaining().Round(time.Second)))
			return
		}
		b.reply(m, fmt.Sprintf("Failed to add User ID %d. Driver may not exist or API is unavailable.", custID))
		return
	}
	b.reply(m, fmt.Sprintf("Driver: %s (%d) has been added", name, custID))
}

func (b *Bot) handleRemoveRacer(ctx context.Context, m *discordgo.MessageCreate, args []string) {
	if len(args) != 1 {
		b.reply(m, fmt.Sprintf("Usage: %sremoveracer <customer id>", b.prefix))
		return
	}
	custID, err := parseCustID(args[0])
	if err != nil {
		b.reply(m, fmt.Sprintf("Invalid User ID: %s. Please provide a positive number.", args[0]))
		return
	}
	if err := b.RemoveSubscription(ctx, custID, m.ChannelID); err != nil {
		b.reply(m, fmt.Sprintf("Failed to remove User Id %d.", custID))
		return
	}
	b.reply(m, fmt.Sprintf("User Id %d has been removed", custID))
}

func (b *Bot) handleFetchRace(ctx context.Context, m *discordgo.MessageCreate, args []string) {
	if len(args) != 2 {
		b.reply(m, fmt.Sprintf("Usage: %sfetchrace <customer id> <subsession id>", b.prefix))
		return
	}
	custID, err := parseCustID(args[0])
	if err != nil {
		b.reply(m, fmt.Sprintf("Invalid User ID: %s. Please provide a positive number.", args[0]))
		return
	}
	subsessionID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || subsessionID <= 0 {
		b.reply(m, fmt.Sprintf("Invalid subsession ID: %s.", args[1]))
		return
	}

	msg, png, err := b.FetchSpecificRace(ctx, custID, subsessionID)
	if err != nil {
		if errors.Is(err, iracing.ErrUnavailable) {
			b.reply(m, fmt.Sprintf("iRacing is rate limited right now, try again in about %s.",
				b.tracker.Remaining().Round(time.Second)))
			return
		}
		b.reply(m, fmt.Sprintf("Could not fetch subsession %d: %v", subsessionID, err))
		return
	}
	if err := b.PostRace(ctx, m.ChannelID, msg, png); err != nil {
		slog.Error("fetchrace post failed",
			slog.String("channel_id", m.ChannelID), slog.Any("err", err))
	}
}

// AddSubscription resolves the driver's display name and records the
// (user, channel) subscription. Returns the driver name on success.
func (b *Bot) AddSubscription(ctx context.Context, custID int64, channelID string) (string, error) {
	profile, err := b.api.MemberProfile(ctx, custID)
	if err != nil {
		return "", err
	}
	name := profile.MemberInfo.DisplayName
	if name == "" {
		return "", fmt.Errorf("no profile for customer %d", custID)
	}
	if err := b.subs.SaveSubscription(ctx, custID, channelID, name); err != nil {
		return "", err
	}
	slog.Info("subscription added",
		slog.Int64("cust_id", custID), slog.String("channel_id", channelID), slog.String("driver", name))
	return name, nil
}

// RemoveSubscription drops the (user, channel) subscription.
func (b *Bot) RemoveSubscription(ctx context.Context, custID int64, channelID string) error {
	removed, err := b.subs.RemoveSubscription(ctx, custID, channelID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no subscription for customer %d in channel %s", custID, channelID)
	}
	slog.Info("subscription removed",
		slog.Int64("cust_id", custID), slog.String("channel_id", channelID))
	return nil
}

// FetchSpecificRace builds the formatted summary and chart for one of the
// member's recent races, looked up by subsession id.
func (b *Bot) FetchSpecificRace(ctx context.Context, custID, subsessionID int64) (string, []byte, error) {
	recent, err := b.api.RecentRaces(ctx, custID)
	if err != nil {
		return "", nil, err
	}
	for i := range recent.Races {
		if recent.Races[i].SubsessionID == subsessionID {
			return b.pipeline.Compose(ctx, &recent.Races[i], custID)
		}
	}
	return "", nil, fmt.Errorf("subsession %d not in recent races for customer %d", subsessionID, custID)
}

func (b *Bot) reply(m *discordgo.MessageCreate, content string) {
	if _, err := b.session.ChannelMessageSend(m.ChannelID, content); err != nil {
		slog.Error("command reply failed",
			slog.String("channel_id", m.ChannelID), slog.Any("err", err))
	}
}

func parseCustID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid customer id %q", s)
	}
	return id, nil
}
