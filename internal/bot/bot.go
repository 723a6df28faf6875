package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/assistants"
	"github.com/xaenox/assistant-hub/internal/gateway"
	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/orchestrator"
)

const (
	maxMessageLength = 4096
	historyLimit     = 10
	maxUploadBytes   = 20 << 20
)

// Sender is the part of the Telegram API the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Exchanger interface {
	Exchange(ctx context.Context, req orchestrator.ExchangeRequest) (*orchestrator.ExchangeResult, error)
	History(ctx context.Context, assistantID, userID string) ([]*models.Message, error)
}

// Conversations forgets a conversation's thread. Implementations serialize
// it with exchanges on the same conversation.
type Conversations interface {
	Reset(ctx context.Context, assistantID, userID string) error
}

type Assistants interface {
	Create(ctx context.Context, ownerID string, spec assistants.Spec) (*models.Assistant, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Assistant, error)
	List(ctx context.Context, ownerID string) ([]*models.Assistant, error)
	Unregistered(ctx context.Context) ([]gateway.RemoteAssistant, error)
	AttachFile(ctx context.Context, assistantID string, up assistants.Upload) (*models.VectorFile, error)
}

type Config struct {
	Admins             []int64
	DefaultAssistantID string
}

type Bot struct {
	api           Sender
	updates       func(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	stop          func()
	exchanger     Exchanger
	conversations Conversations
	assistants    Assistants
	logger        *zap.Logger
	http          *http.Client

	admins           map[int64]bool
	defaultAssistant string

	mu       sync.Mutex
	selected map[int64]string
}

func New(token string, exchanger Exchanger, conversations Conversations, admin Assistants, config Config, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, exchanger, conversations, admin, config, logger)
	b.updates = api.GetUpdatesChan
	b.stop = api.StopReceivingUpdates
	return b, nil
}

func newBot(api Sender, exchanger Exchanger, conversations Conversations, admin Assistants, config Config, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	admins := make(map[int64]bool, len(config.Admins))
	for _, id := range config.Admins {
		admins[id] = true
	}
	return &Bot{
		api:              api,
		exchanger:        exchanger,
		conversations:    conversations,
		assistants:       admin,
		logger:           logger,
		http:             &http.Client{Timeout: 60 * time.Second},
		admins:           admins,
		defaultAssistant: strings.TrimSpace(config.DefaultAssistantID),
		selected:         make(map[int64]string),
	}
}

// Start handles updates until ctx is done. In-flight handlers observe the
// same ctx, so shutdown aborts their polling too.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.updates(u)
	defer b.stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			wg.Add(1)
			go func(m *tgbotapi.Message) {
				defer wg.Done()
				b.handleMessage(ctx, m)
			}(update.Message)
		}
	}
}

func userID(from *tgbotapi.User) string {
	return fmt.Sprintf("tg:%d", from.ID)
}

func (b *Bot) isAdmin(message *tgbotapi.Message) bool {
	return message.From != nil && b.admins[message.From.ID]
}

func (b *Bot) assistantFor(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.selected[chatID]; ok {
		return id
	}
	return b.defaultAssistant
}

func (b *Bot) selectAssistant(chatID int64, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected[chatID] = id
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.Document != nil && commandOf(message.Caption) == "attach" {
		b.handleAttach(ctx, message)
		return
	}

	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if strings.TrimSpace(text) == "" {
		b.sendMessage(message.Chat.ID, "Please send a text message.")
		return
	}

	assistantID := b.assistantFor(message.Chat.ID)
	if assistantID == "" {
		b.sendMessage(message.Chat.ID, "No assistant selected. Use /assistants and /use <id> first.")
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(message.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err))
	}

	res, err := b.exchanger.Exchange(ctx, orchestrator.ExchangeRequest{
		AssistantID: assistantID,
		UserID:      userID(message.From),
		Text:        text,
	})
	if err != nil {
		b.logger.Error("Exchange failed",
			zap.Error(err),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.String("assistant_id", assistantID),
			zap.Int64("user_id", message.From.ID))
		b.sendError(message.Chat.ID, err)
		return
	}

	for i, part := range splitMessage(res.Reply, maxMessageLength) {
		msg := tgbotapi.NewMessage(message.Chat.ID, part)
		if i == 0 {
			msg.ReplyToMessageID = message.MessageID
		}
		if _, err := b.api.Send(msg); err != nil {
			b.logger.Error("Failed to send reply",
				zap.Error(err),
				zap.Int64("chat_id", message.Chat.ID),
				zap.String("run_id", res.RunID))
			return
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "assistants":
		b.handleAssistants(ctx, message)
	case "use":
		b.handleUse(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	case "reset":
		b.handleReset(ctx, message)
	case "create", "delete", "remote":
		if !b.isAdmin(message) {
			b.sendMessage(message.Chat.ID, "This command is available to administrators only.")
			return
		}
		switch message.Command() {
		case "create":
			b.handleCreate(ctx, message)
		case "delete":
			b.handleDelete(ctx, message)
		case "remote":
			b.handleRemote(ctx, message)
		}
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Assistant Hub!
Send me any message and the selected assistant will answer it.

Use /assistants to see who you can talk to and /help for all commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/assistants - List assistants
/use <id> - Talk to another assistant
/history - Show the latest messages of this conversation
/reset - Start a new conversation`

	if b.isAdmin(message) {
		help += `

Administration:
/create name | model | instructions - Create an assistant
/delete <id> - Delete an assistant
/remote - List remote assistants missing locally
Send a document with the caption /attach <id> to give an assistant a file to search`
	}
	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleAssistants(ctx context.Context, message *tgbotapi.Message) {
	list, err := b.assistants.List(ctx, "")
	if err != nil {
		b.logger.Error("Failed to list assistants", zap.Error(err))
		b.sendError(message.Chat.ID, err)
		return
	}
	if len(list) == 0 {
		b.sendMessage(message.Chat.ID, "There are no assistants yet.")
		return
	}

	current := b.assistantFor(message.Chat.ID)
	response := "*Assistants:*\n"
	for _, a := range list {
		marker := ""
		if a.ID == current {
			marker = " ✓"
		}
		response += fmt.Sprintf("%s `%s` %s%s\n",
			escapeMarkdown(a.Name), escapeCode(a.ID), escapeMarkdown("("+a.Model+")"), marker)
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, response)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send assistant list",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleUse(ctx context.Context, message *tgbotapi.Message) {
	id := strings.TrimSpace(message.CommandArguments())
	if id == "" {
		b.sendMessage(message.Chat.ID, "Usage: /use <assistant id>")
		return
	}
	asst, err := b.assistants.Get(ctx, id)
	if err != nil {
		b.logger.Error("Failed to load assistant", zap.Error(err), zap.String("assistant_id", id))
		b.sendError(message.Chat.ID, err)
		return
	}
	if asst == nil {
		b.sendMessage(message.Chat.ID, "Unknown assistant. Use /assistants to see the list.")
		return
	}
	b.selectAssistant(message.Chat.ID, asst.ID)
	b.sendMessage(message.Chat.ID, fmt.Sprintf("You are now talking to %s.", asst.Name))
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	assistantID := b.assistantFor(message.Chat.ID)
	if assistantID == "" {
		b.sendMessage(message.Chat.ID, "No assistant selected.")
		return
	}
	msgs, err := b.exchanger.History(ctx, assistantID, userID(message.From))
	if err != nil {
		b.logger.Error("Failed to get history",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendError(message.Chat.ID, err)
		return
	}
	if len(msgs) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
		return
	}

	for _, part := range splitMessage(formatHistory(msgs, historyLimit), maxMessageLength) {
		b.sendMessage(message.Chat.ID, part)
	}
}

func (b *Bot) handleReset(ctx context.Context, message *tgbotapi.Message) {
	assistantID := b.assistantFor(message.Chat.ID)
	if assistantID == "" {
		b.sendMessage(message.Chat.ID, "No assistant selected.")
		return
	}
	if err := b.conversations.Reset(ctx, assistantID, userID(message.From)); err != nil {
		b.logger.Error("Failed to reset conversation",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendError(message.Chat.ID, err)
		return
	}
	b.sendMessage(message.Chat.ID, "Starting a new conversation.")
}

func (b *Bot) handleCreate(ctx context.Context, message *tgbotapi.Message) {
	spec, ok := parseCreateArgs(message.CommandArguments())
	if !ok {
		b.sendMessage(message.Chat.ID, "Usage: /create name | model | instructions")
		return
	}
	asst, err := b.assistants.Create(ctx, userID(message.From), spec)
	if err != nil {
		b.logger.Error("Failed to create assistant", zap.Error(err))
		b.sendError(message.Chat.ID, err)
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Created %s with id %s.", asst.Name, asst.ID))
}

func (b *Bot) handleDelete(ctx context.Context, message *tgbotapi.Message) {
	id := strings.TrimSpace(message.CommandArguments())
	if id == "" {
		b.sendMessage(message.Chat.ID, "Usage: /delete <assistant id>")
		return
	}
	if err := b.assistants.Delete(ctx, id); err != nil {
		b.logger.Error("Failed to delete assistant", zap.Error(err), zap.String("assistant_id", id))
		b.sendError(message.Chat.ID, err)
		return
	}
	b.sendMessage(message.Chat.ID, "Assistant deleted.")
}

func (b *Bot) handleRemote(ctx context.Context, message *tgbotapi.Message) {
	list, err := b.assistants.Unregistered(ctx)
	if err != nil {
		b.logger.Error("Failed to list remote assistants", zap.Error(err))
		b.sendError(message.Chat.ID, err)
		return
	}
	if len(list) == 0 {
		b.sendMessage(message.Chat.ID, "Every remote assistant is registered.")
		return
	}
	lines := make([]string, 0, len(list))
	for _, ra := range list {
		lines = append(lines, fmt.Sprintf("%s %s (%s)", ra.ID, ra.Name, ra.Model))
	}
	b.sendMessage(message.Chat.ID, strings.Join(lines, "\n"))
}

func (b *Bot) handleAttach(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message) {
		b.sendMessage(message.Chat.ID, "This command is available to administrators only.")
		return
	}
	assistantID := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(message.Caption), "/attach"))
	if assistantID == "" {
		assistantID = b.assistantFor(message.Chat.ID)
	}
	doc := message.Document
	if doc.FileSize > maxUploadBytes {
		b.sendMessage(message.Chat.ID, "The file is too large.")
		return
	}

	data, err := b.download(ctx, doc.FileID)
	if err != nil {
		b.logger.Error("Failed to download document", zap.Error(err), zap.String("file_id", doc.FileID))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't download the file.")
		return
	}

	vf, err := b.assistants.AttachFile(ctx, assistantID, assistants.Upload{
		Name:        doc.FileName,
		Data:        data,
		BlobLocator: "telegram:" + doc.FileID,
	})
	if err != nil {
		b.logger.Error("Failed to attach file", zap.Error(err), zap.String("assistant_id", assistantID))
		b.sendError(message.Chat.ID, err)
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Attached %s (vector source %s).", vf.Name, vf.VectorSourceID))
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	link, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUploadBytes))
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// sendError shows the generic text for the error's kind; details stay in
// the logs.
func (b *Bot) sendError(chatID int64, err error) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+apperr.PublicMessage(apperr.KindOf(err)))
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// commandOf returns the command name of a caption such as "/attach x".
func commandOf(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return ""
	}
	cmd, _, _ := strings.Cut(name[0], "@")
	return cmd
}

func parseCreateArgs(args string) (assistants.Spec, bool) {
	parts := strings.SplitN(args, "|", 3)
	if len(parts) < 2 {
		return assistants.Spec{}, false
	}
	spec := assistants.Spec{
		Name:  strings.TrimSpace(parts[0]),
		Model: strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		spec.Instructions = strings.TrimSpace(parts[2])
	}
	if spec.Name == "" || spec.Model == "" {
		return assistants.Spec{}, false
	}
	return spec, true
}

func formatHistory(msgs []*models.Message, limit int) string {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		who := "You"
		if m.Role == models.RoleAssistant {
			who = "Assistant"
		}
		sb.WriteString(who)
		sb.WriteString(": ")
		sb.WriteString(m.Text)
	}
	return sb.String()
}

// splitMessage cuts text into chunks of at most limit bytes without
// splitting a UTF-8 sequence, preferring line breaks.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > limit/2 {
			cut = nl + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// escapeMarkdown escapes special characters for MarkdownV2.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}
