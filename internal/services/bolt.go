package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a requested chat or report does not exist.
var ErrNotFound = errors.New("not found")

// BoltDB implements the persistence store on a BoltDB backend. Chats live in a
// single bucket, each chat's messages in their own bucket keyed by a
// zero-padded sequence number so iteration preserves insertion order, and
// reports in a bucket keyed by artifact name. A report and its referencing
// message are written inside one transaction, so a crash can never leave a
// message pointing at an unwritten report.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a BoltDB instance with the specified file path. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte("chats")); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte("reports"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func sequenceKey(seq uint64, id string) string {
	return fmt.Sprintf("%012d-%s", seq, id)
}

// Chats retrieves all stored chat records ordered by most recent update.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("chats"))

		return bk.ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(chats, func(a, c models.Chat) int {
		return c.UpdatedAt.Compare(a.UpdatedAt)
	})
	return chats, nil
}

// AddChat stores a new chat record and creates its message bucket.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("chats"))

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bk.Put([]byte(chat.ID), v)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return chat.ID, nil
}

// UpdateChat modifies an existing chat record. If the chat doesn't exist, the
// operation is silently ignored.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("chats"))

		if bk.Get([]byte(chat.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bk.Put([]byte(chat.ID), v)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return nil
}

// DeleteChat removes a chat and cascades to its messages. Reports the chat
// produced stay addressable by name.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("chats"))

		if err := bk.Delete([]byte(chatID)); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}

		if err := tx.DeleteBucket(messageBucketName(chatID)); err != nil &&
			!errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return nil
}

// Messages retrieves all messages for the chat in insertion order.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to the chat and bumps the chat's update time in
// the same transaction.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		newID, err = putMessage(tx, chatID, message)
		if err != nil {
			return err
		}
		return touchChat(tx, chatID, message.Timestamp)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return newID, nil
}

// AddMessageWithReport durably writes a report and the assistant message
// referencing it as one logical write group. The report is put before the
// message inside a single transaction.
func (b BoltDB) AddMessageWithReport(
	_ context.Context,
	chatID string,
	message models.Message,
	report models.Report,
) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		rv, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		if err := tx.Bucket([]byte("reports")).Put([]byte(report.Name), rv); err != nil {
			return fmt.Errorf("failed to put report: %w", err)
		}

		message.ReportName = report.Name
		newID, err = putMessage(tx, chatID, message)
		if err != nil {
			return err
		}
		return touchChat(tx, chatID, message.Timestamp)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return newID, nil
}

// Report loads a stored report by its artifact name.
func (b BoltDB) Report(_ context.Context, name string) (models.Report, error) {
	var report models.Report
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte("reports")).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: report %s", ErrNotFound, name)
		}
		return json.Unmarshal(v, &report)
	})
	return report, err
}

func putMessage(tx *bolt.Tx, chatID string, message models.Message) (string, error) {
	bk := tx.Bucket(messageBucketName(chatID))
	if bk == nil {
		return "", fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}

	seq, err := bk.NextSequence()
	if err != nil {
		return "", fmt.Errorf("failed to get next sequence: %w", err)
	}
	newID := sequenceKey(seq, message.ID)
	message.ID = newID
	message.ChatID = chatID

	v, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := bk.Put([]byte(newID), v); err != nil {
		return "", err
	}
	return newID, nil
}

func touchChat(tx *bolt.Tx, chatID string, at time.Time) error {
	bk := tx.Bucket([]byte("chats"))
	v := bk.Get([]byte(chatID))
	if v == nil {
		return nil
	}

	var chat models.Chat
	if err := json.Unmarshal(v, &chat); err != nil {
		return fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	chat.UpdatedAt = at

	nv, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	return bk.Put([]byte(chatID), nv)
}
