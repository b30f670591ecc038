package channel

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

// BlobEntry is one stored version of a payload. Content holds the
// serialized bytes, or the base64 text of their gzip stream when
// Compressed is set.
type BlobEntry struct {
	DataID         string         `json:"data_id"`
	VersionID      string         `json:"version_id"`
	Content        []byte         `json:"content"`
	Encoding       Encoding       `json:"encoding"`
	Compressed     bool           `json:"compressed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Size           int            `json:"size"`
	CompressedSize int            `json:"compressed_size,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// BlobRef replaces an offloaded Content["data"] value while a message sits
// in the channel.
type BlobRef struct {
	DataID    string `json:"data_id"`
	VersionID string `json:"version_id"`
	Size      int    `json:"size"`
}

// BlobChannel is a versioned payload store that also delivers messages,
// moving large Content["data"] values into the store on Send.
type BlobChannel struct {
	base

	compressionThreshold int
	inlineThreshold      int

	storeMutex sync.RWMutex
	store      map[string][]*BlobEntry

	mutex     sync.Mutex
	mailboxes mailboxes
}

// NewBlobChannel creates a blob channel. Zero fields of cfg take the
// values of config.DefaultChannelConfig.
func NewBlobChannel(cfg config.ChannelConfig, opts ...Option) *BlobChannel {
	defaults := config.DefaultChannelConfig()
	defaults.Merge(&cfg)

	o := buildOptions(messaging.ChannelBlob, defaults.Logger, opts)
	c := &BlobChannel{
		compressionThreshold: defaults.CompressionThreshold.Int(),
		inlineThreshold:      defaults.InlineThreshold.Int(),
		store:                make(map[string][]*BlobEntry),
		mailboxes:            make(mailboxes),
	}
	c.base.init(o)
	return c
}

// StoreData appends a new version of dataID and returns its version id.
// An empty dataID mints one; use Put when the minted id is needed.
func (c *BlobChannel) StoreData(dataID string, data any, metadata map[string]any, compressed bool) (string, error) {
	ref, err := c.Put(dataID, data, metadata, compressed)
	if err != nil {
		return "", err
	}
	return ref.VersionID, nil
}

// Put stores data like StoreData and returns a reference to the new version.
func (c *BlobChannel) Put(dataID string, data any, metadata map[string]any, compressed bool) (BlobRef, error) {
	raw, encoding, err := encode(data)
	if err != nil {
		return BlobRef{}, fmt.Errorf("store %s: %w", dataID, err)
	}
	entry, err := c.put(dataID, raw, encoding, metadata, compressed)
	if err != nil {
		return BlobRef{}, err
	}
	return BlobRef{DataID: entry.DataID, VersionID: entry.VersionID, Size: entry.Size}, nil
}

func (c *BlobChannel) put(dataID string, raw []byte, encoding Encoding, metadata map[string]any, compressed bool) (*BlobEntry, error) {
	if dataID == "" {
		dataID = messaging.NewID()
	}

	entry := &BlobEntry{
		DataID:    dataID,
		VersionID: messaging.NewID(),
		Content:   raw,
		Encoding:  encoding,
		Metadata:  maps.Clone(metadata),
		Size:      len(raw),
		CreatedAt: time.Now(),
	}

	if compressed && len(raw) > c.compressionThreshold {
		packed, err := compress(raw)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", dataID, err)
		}
		entry.Content = packed
		entry.Compressed = true
		entry.CompressedSize = len(packed)
	}

	c.storeMutex.Lock()
	c.store[dataID] = append(c.store[dataID], entry)
	c.storeMutex.Unlock()

	c.logger.Debug(
		"blob stored",
		slog.String("channel_id", c.id),
		slog.String("data_id", dataID),
		slog.String("version_id", entry.VersionID),
		slog.String("size", humanize.IBytes(uint64(entry.Size))),
		slog.Bool("compressed", entry.Compressed),
	)
	c.events.Emit(context.Background(), EventBlobStored, observability.LevelVerbose, map[string]any{
		"data_id":         dataID,
		"version_id":      entry.VersionID,
		"size":            entry.Size,
		"compressed_size": entry.CompressedSize,
	})

	return entry, nil
}

// GetData returns the payload and metadata of a version. An empty
// versionID selects the latest.
func (c *BlobChannel) GetData(dataID, versionID string) (any, map[string]any, error) {
	entry, ok := c.Entry(dataID, versionID)
	if !ok {
		return nil, nil, fmt.Errorf("data %s version %q: %w", dataID, versionID, messaging.ErrNotFound)
	}

	raw := entry.Content
	if entry.Compressed {
		unpacked, err := decompress(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress %s/%s: %w", dataID, entry.VersionID, err)
		}
		raw = unpacked
	}

	data, err := decode(raw, entry.Encoding)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s/%s: %w", dataID, entry.VersionID, err)
	}
	return data, maps.Clone(entry.Metadata), nil
}

// Entry returns a copy of the stored version. An empty versionID selects
// the latest.
func (c *BlobChannel) Entry(dataID, versionID string) (BlobEntry, bool) {
	c.storeMutex.RLock()
	defer c.storeMutex.RUnlock()

	versions := c.store[dataID]
	if len(versions) == 0 {
		return BlobEntry{}, false
	}
	if versionID == "" {
		return *versions[len(versions)-1], true
	}
	for _, e := range versions {
		if e.VersionID == versionID {
			return *e, true
		}
	}
	return BlobEntry{}, false
}

// Versions lists version ids of dataID, oldest first.
func (c *BlobChannel) Versions(dataID string) []string {
	c.storeMutex.RLock()
	defer c.storeMutex.RUnlock()

	versions := c.store[dataID]
	ids := make([]string, len(versions))
	for i, e := range versions {
		ids[i] = e.VersionID
	}
	return ids
}

// DeleteData removes one version, or every version when versionID is empty.
func (c *BlobChannel) DeleteData(dataID, versionID string) bool {
	c.storeMutex.Lock()
	defer c.storeMutex.Unlock()

	versions, exists := c.store[dataID]
	if !exists {
		return false
	}
	if versionID == "" {
		delete(c.store, dataID)
		return true
	}
	for i, e := range versions {
		if e.VersionID == versionID {
			versions = append(versions[:i:i], versions[i+1:]...)
			if len(versions) == 0 {
				delete(c.store, dataID)
			} else {
				c.store[dataID] = versions
			}
			return true
		}
	}
	return false
}

func (c *BlobChannel) Send(msg *messaging.Message) bool {
	if msg == nil {
		return c.reject(nil, errNoMessage)
	}
	if msg.Recipient == "" {
		return c.reject(msg, errNoRecipient)
	}

	queued := msg
	if data, exists := msg.Content[messaging.ContentData]; exists {
		if _, isRef := data.(BlobRef); !isRef {
			offloaded, err := c.offload(msg, data)
			if err != nil {
				return c.reject(msg, err)
			}
			queued = offloaded
		}
	}

	c.mutex.Lock()
	c.mailboxes.deliver(queued.Recipient, queued)
	c.mutex.Unlock()

	c.changed.notify()
	c.events.Emit(context.Background(), EventMessageQueued, observability.LevelVerbose, map[string]any{
		"message_id": msg.ID,
		"recipient":  msg.Recipient,
	})

	c.publish(msg)
	return true
}

// offload stores data when it exceeds the inline threshold and returns a
// clone of msg carrying a BlobRef in its place.
func (c *BlobChannel) offload(msg *messaging.Message, data any) (*messaging.Message, error) {
	raw, encoding, err := encode(data)
	if err != nil {
		return nil, err
	}
	if len(raw) <= c.inlineThreshold {
		return msg, nil
	}

	entry, err := c.put("", raw, encoding, map[string]any{
		"message_id": msg.ID,
		"sender":     msg.Sender,
	}, true)
	if err != nil {
		return nil, err
	}

	clone := msg.Clone()
	clone.Content[messaging.ContentData] = BlobRef{
		DataID:    entry.DataID,
		VersionID: entry.VersionID,
		Size:      entry.Size,
	}

	c.logger.Debug(
		"message data offloaded",
		slog.String("channel_id", c.id),
		slog.String("message_id", msg.ID),
		slog.String("data_id", entry.DataID),
		slog.String("size", humanize.IBytes(uint64(entry.Size))),
	)
	c.events.Emit(context.Background(), EventBlobOffloaded, observability.LevelInfo, map[string]any{
		"message_id": msg.ID,
		"data_id":    entry.DataID,
		"size":       entry.Size,
	})

	return clone, nil
}

// resolve swaps a BlobRef back for its payload on a clone.
func (c *BlobChannel) resolve(msg *messaging.Message) *messaging.Message {
	if msg == nil {
		return nil
	}
	ref, isRef := msg.Content[messaging.ContentData].(BlobRef)
	if !isRef {
		return msg
	}

	data, _, err := c.GetData(ref.DataID, ref.VersionID)
	if err != nil {
		c.logger.Warn(
			"blob reference unresolved",
			slog.String("channel_id", c.id),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		c.events.Emit(context.Background(), EventBlobUnresolved, observability.LevelWarning, map[string]any{
			"message_id": msg.ID,
			"data_id":    ref.DataID,
		})
		return msg
	}

	clone := msg.Clone()
	clone.Content[messaging.ContentData] = data
	return clone
}

func (c *BlobChannel) Receive(ctx context.Context, recipientID string, timeout time.Duration) *messaging.Message {
	msg := await(ctx, timeout, c.Changed, func() *messaging.Message {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return c.mailboxes.next(recipientID)
	})
	return c.resolve(msg)
}

func (c *BlobChannel) GetPending(recipientID string, max int) []*messaging.Message {
	c.mutex.Lock()
	pending := c.mailboxes.drain(recipientID, max)
	c.mutex.Unlock()

	for i, msg := range pending {
		pending[i] = c.resolve(msg)
	}
	return pending
}

func (c *BlobChannel) Info() Info {
	c.mutex.Lock()
	recipients := len(c.mailboxes)
	pending := c.mailboxes.unread()
	c.mutex.Unlock()

	c.storeMutex.RLock()
	dataIDs := len(c.store)
	versions, stored := 0, 0
	for _, entries := range c.store {
		versions += len(entries)
		for _, e := range entries {
			stored += len(e.Content)
		}
	}
	c.storeMutex.RUnlock()

	return Info{
		ID:            c.id,
		Kind:          c.kind,
		Subscriptions: c.subscriptionCount(),
		Recipients:    recipients,
		Pending:       pending,
		Details: map[string]any{
			"data_ids":     dataIDs,
			"versions":     versions,
			"stored_bytes": stored,
		},
	}
}
