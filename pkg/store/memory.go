package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/esdandreu/gcal2clickup/pkg/model"
)

type snapshot struct {
	Subscriptions map[string]model.CalendarSubscription `json:"subscriptions"`
	TaskWebhooks  map[string]model.TaskWebhook          `json:"task_webhooks"`
	Items         map[string]model.SyncedItem           `json:"items"`
}

// Memory keeps everything in maps. When Path is set every mutation is written
// back to a JSON file, which makes it suitable for a single-process deployment.
type Memory struct {
	Path string

	mu      sync.RWMutex
	data    snapshot
	byEvent map[string]string
	dirty   bool
}

func NewMemory() *Memory {
	return &Memory{
		data: snapshot{
			Subscriptions: make(map[string]model.CalendarSubscription),
			TaskWebhooks:  make(map[string]model.TaskWebhook),
			Items:         make(map[string]model.SyncedItem),
		},
		byEvent: make(map[string]string),
	}
}

// OpenFile returns a Memory store persisted at path, loading it if it exists.
func OpenFile(path string) (*Memory, error) {
	m := NewMemory()
	m.Path = path
	if _, err := os.Stat(path); err == nil {
		if err := m.Load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Memory) Load() error {
	f, err := os.Open(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	var data snapshot
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return err
	}
	fresh := NewMemory()
	for k, v := range data.Subscriptions {
		fresh.data.Subscriptions[k] = v
	}
	for k, v := range data.TaskWebhooks {
		fresh.data.TaskWebhooks[k] = v
	}
	for k, v := range data.Items {
		fresh.data.Items[k] = v
		fresh.byEvent[v.EventID] = k
	}
	m.data, m.byEvent, m.dirty = fresh.data, fresh.byEvent, false
	return nil
}

// Save writes pending changes to Path. It is a no-op without a path or changes.
func (m *Memory) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Memory) saveLocked() error {
	if m.Path == "" || !m.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0700); err != nil {
		return err
	}
	tmp := m.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m.data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Memory) changed() error {
	m.dirty = true
	return m.saveLocked()
}

func (m *Memory) Close() error {
	return m.Save()
}

func (m *Memory) Subscription(_ context.Context, owner, calendarID string) (model.CalendarSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.data.Subscriptions[model.SubscriptionKey(owner, calendarID)]
	if !ok {
		return model.CalendarSubscription{}, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (m *Memory) SubscriptionByChannel(_ context.Context, channelID, resourceID string) (model.CalendarSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.data.Subscriptions {
		if sub.ChannelID == channelID && sub.ResourceID == resourceID {
			return cloneSubscription(sub), nil
		}
	}
	return model.CalendarSubscription{}, ErrNotFound
}

func (m *Memory) Subscriptions(_ context.Context) ([]model.CalendarSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CalendarSubscription, 0, len(m.data.Subscriptions))
	for _, sub := range m.data.Subscriptions {
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *Memory) SaveSubscription(_ context.Context, sub model.CalendarSubscription) error {
	if sub.Owner == "" || sub.CalendarID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Subscriptions[sub.Key()] = cloneSubscription(sub)
	return m.changed()
}

func (m *Memory) DeleteSubscription(_ context.Context, owner, calendarID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.SubscriptionKey(owner, calendarID)
	if _, ok := m.data.Subscriptions[key]; !ok {
		return ErrNotFound
	}
	delete(m.data.Subscriptions, key)
	return m.changed()
}

func (m *Memory) TaskWebhook(_ context.Context, webhookID string) (model.TaskWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wh, ok := m.data.TaskWebhooks[webhookID]
	if !ok {
		return model.TaskWebhook{}, ErrNotFound
	}
	return wh, nil
}

func (m *Memory) TaskWebhooks(_ context.Context, account string) ([]model.TaskWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TaskWebhook
	for _, wh := range m.data.TaskWebhooks {
		if account == "" || wh.Account == account {
			out = append(out, wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebhookID < out[j].WebhookID })
	return out, nil
}

func (m *Memory) SaveTaskWebhook(_ context.Context, wh model.TaskWebhook) error {
	if wh.WebhookID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.TaskWebhooks[wh.WebhookID] = wh
	return m.changed()
}

func (m *Memory) DeleteTaskWebhook(_ context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.TaskWebhooks[webhookID]; !ok {
		return ErrNotFound
	}
	delete(m.data.TaskWebhooks, webhookID)
	return m.changed()
}

func (m *Memory) ItemByTask(_ context.Context, taskID string) (model.SyncedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.data.Items[taskID]
	if !ok {
		return model.SyncedItem{}, ErrNotFound
	}
	return item, nil
}

func (m *Memory) ItemByEvent(_ context.Context, eventID string) (model.SyncedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	taskID, ok := m.byEvent[eventID]
	if !ok {
		return model.SyncedItem{}, ErrNotFound
	}
	return m.data.Items[taskID], nil
}

func (m *Memory) Items(_ context.Context) ([]model.SyncedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SyncedItem, 0, len(m.data.Items))
	for _, item := range m.data.Items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (m *Memory) CreateItem(_ context.Context, item model.SyncedItem) error {
	if item.TaskID == "" || item.EventID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Items[item.TaskID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byEvent[item.EventID]; ok {
		return ErrAlreadyExists
	}
	m.data.Items[item.TaskID] = item
	m.byEvent[item.EventID] = item.TaskID
	return m.changed()
}

func (m *Memory) UpdateItem(_ context.Context, item model.SyncedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.data.Items[item.TaskID]
	if !ok {
		return ErrNotFound
	}
	if old.EventID != item.EventID {
		if owner, taken := m.byEvent[item.EventID]; taken && owner != item.TaskID {
			return ErrAlreadyExists
		}
		delete(m.byEvent, old.EventID)
		m.byEvent[item.EventID] = item.TaskID
	}
	m.data.Items[item.TaskID] = item
	return m.changed()
}

func (m *Memory) DeleteItem(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.data.Items[taskID]
	if !ok {
		return ErrNotFound
	}
	delete(m.data.Items, taskID)
	delete(m.byEvent, item.EventID)
	return m.changed()
}

func (m *Memory) PruneEnded(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for taskID, item := range m.data.Items {
		if item.End.Before(before) {
			delete(m.data.Items, taskID)
			delete(m.byEvent, item.EventID)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, m.changed()
}

func cloneSubscription(sub model.CalendarSubscription) model.CalendarSubscription {
	if sub.CheckedAt != nil {
		checked := *sub.CheckedAt
		sub.CheckedAt = &checked
	}
	return sub
}

var _ Store = (*Memory)(nil)
