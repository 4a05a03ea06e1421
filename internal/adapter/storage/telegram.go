package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram bots may upload documents up to 50 MB.
const telegramMaxUploadMB = 50

var ErrNotSupported = errors.New("operation not supported by this target")

// TelegramStorage posts archives (or a summary when they are too large) to a
// chat. It also implements domain.Notifier for job alerts.
type TelegramStorage struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	sendFile bool
}

func NewTelegram(botToken, chatID string, sendFile bool) (*TelegramStorage, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramStorage{
		bot:      bot,
		chatID:   id,
		sendFile: sendFile,
	}, nil
}

func (t *TelegramStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	fileInfo, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	fileSizeMB := float64(fileInfo.Size()) / (1024 * 1024)

	if !t.sendFile || fileSizeMB > telegramMaxUploadMB {
		return t.Notify(ctx, fmt.Sprintf(
			"✅ Migration backup created\n\n📁 Archive: %s\n📊 Size: %.2f MB\n🕐 Time: %s",
			remoteName,
			fileSizeMB,
			fileInfo.ModTime().Format("2006-01-02 15:04:05"),
		))
	}

	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FilePath(localPath))
	doc.Caption = fmt.Sprintf("📦 Migration backup: %s (%.2f MB)", remoteName, fileSizeMB)

	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("failed to send telegram file: %w", err)
	}
	return nil
}

func (t *TelegramStorage) Download(ctx context.Context, remoteName string, localPath string) error {
	return fmt.Errorf("telegram download of %s: %w", remoteName, ErrNotSupported)
}

func (t *TelegramStorage) List(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (t *TelegramStorage) Delete(ctx context.Context, remoteName string) error {
	return nil
}

func (t *TelegramStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	return []string{}, nil
}

func (t *TelegramStorage) Notify(ctx context.Context, message string) error {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, message)); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}
