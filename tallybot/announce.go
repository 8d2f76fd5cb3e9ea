package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	announceTimeout      = 20 * time.Second
	announceMaxLength    = 1900
	announceSystemPrompt = "You write short, upbeat Discord announcements " +
		"celebrating community milestones. Reply with the announcement only, " +
		"in one or two sentences, without hashtags."
)

// Announcement describes a milestone that was just reached
type Announcement struct {
	Tracker   string
	Title     string
	Unit      string
	Emoji     string
	ChannelID string
	Milestone int64
	Value     int64
}

// Template renders the announcement without any help
func (a Announcement) Template() string {
	text := fmt.Sprintf(
		"We just passed **%s** %s! (currently %s)",
		formatCount(a.Milestone),
		a.Unit,
		formatCount(a.Value),
	)
	text = strings.Join(strings.Fields(text), " ")
	if a.Emoji != "" {
		text = a.Emoji + " " + text
	}
	return text
}

func (a Announcement) prompt() string {
	title := a.Title
	if title == "" {
		title = a.Tracker
	}
	return fmt.Sprintf(
		"Metric: %s\nUnit: %s\nMilestone reached: %s\nCurrent value: %s",
		title,
		a.Unit,
		formatCount(a.Milestone),
		formatCount(a.Value),
	)
}

// MilestoneAnnouncer publishes milestone announcements
type MilestoneAnnouncer interface {
	Announce(ctx context.Context, a Announcement) error
}

// ChatCompleter is the subset of the OpenAI client used to write
// announcements
type ChatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// MessageSender sends a plain message to a Discord channel
type MessageSender interface {
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// milestoneAnnouncer posts announcements to Discord. When a ChatCompleter
// is set, the text is written by the model, falling back to
// Announcement.Template on any error.
type milestoneAnnouncer struct {
	sender    MessageSender
	client    ChatCompleter
	model     string
	maxTokens int
	logger    *slog.Logger
}

func newMilestoneAnnouncer(
	sender MessageSender,
	config *OpenAIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *milestoneAnnouncer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &milestoneAnnouncer{
		sender:    sender,
		model:     DefaultAnnounceModel,
		maxTokens: DefaultAnnounceMaxTokens,
		logger:    logger.With(loggerNameKey, "announcer"),
	}
	if config == nil || config.Token == "" {
		return a
	}
	if config.Model != "" {
		a.model = config.Model
	}
	if config.MaxTokens > 0 {
		a.maxTokens = config.MaxTokens
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	a.client = openai.NewClientWithConfig(clientCfg)
	return a
}

func (m *milestoneAnnouncer) Announce(ctx context.Context, a Announcement) error {
	log := contextLoggerOr(ctx, m.logger).With(
		"tracker", a.Tracker,
		"milestone", a.Milestone,
	)
	if a.ChannelID == "" {
		log.InfoContext(ctx, "milestone reached, no announcement channel set")
		return nil
	}

	text, err := m.compose(ctx, a)
	if err != nil {
		log.WarnContext(ctx, "using announcement template", tint.Err(err))
		text = a.Template()
	}

	if _, err = m.sender.ChannelMessageSend(
		a.ChannelID,
		truncate(text, announceMaxLength),
		discordgo.WithRetryOnRatelimit(true),
	); err != nil {
		return fmt.Errorf("error sending announcement: %w", err)
	}
	log.InfoContext(ctx, "announced milestone", "channel_id", a.ChannelID)
	return nil
}

func (m *milestoneAnnouncer) compose(ctx context.Context, a Announcement) (string, error) {
	if m.client == nil {
		return a.Template(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	resp, err := m.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:     m.model,
			MaxTokens: m.maxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: announceSystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: a.prompt()},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("chat completion returned empty content")
	}
	if a.Emoji != "" && !strings.Contains(text, a.Emoji) {
		text = a.Emoji + " " + text
	}
	return text, nil
}
