package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/models"
)

// Fake is an in-memory Store for unit tests of components that depend on
// the Store interface (spec §9: "enabling in-memory fakes for tests").
// It reimplements the same invariants as GormStore, not a mock of its
// call sequence.
type Fake struct {
	mu sync.Mutex

	wallets      map[string]models.Wallet
	transactions map[string]models.Transaction // by signature
	snapshots    []models.Snapshot
	syncState    map[string]string

	kwalletQueue map[string]models.QueueEntry
	tokenQueue   map[string]models.QueueEntry

	apiKeys     map[string]models.APIKey // by ID
	apiKeyIndex map[string]string        // plaintext -> ID, test-only shortcut
	usage       map[string]int64         // keyID|date

	webhookSubs       map[string]models.WebhookSubscription
	webhookDeliveries map[string]models.WebhookDelivery
}

// NewFake builds an empty in-memory Store.
func NewFake() *Fake {
	return &Fake{
		wallets:           make(map[string]models.Wallet),
		transactions:      make(map[string]models.Transaction),
		syncState:         make(map[string]string),
		kwalletQueue:      make(map[string]models.QueueEntry),
		tokenQueue:        make(map[string]models.QueueEntry),
		apiKeys:           make(map[string]models.APIKey),
		apiKeyIndex:       make(map[string]string),
		usage:             make(map[string]int64),
		webhookSubs:       make(map[string]models.WebhookSubscription),
		webhookDeliveries: make(map[string]models.WebhookDelivery),
	}
}

func (f *Fake) UpsertWallet(_ context.Context, change BalanceChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	w, exists := f.wallets[change.Wallet]
	if !exists {
		newBalance := applyDelta(bigint.NewAmount(0), change.Amount)
		w = models.Wallet{
			Address:         change.Wallet,
			CurrentBalance:  newBalance,
			PeakBalance:     newBalance,
			LastSlot:        change.Slot,
			LastTxSignature: change.Signature,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if change.Amount.Sign() > 0 {
			ts := change.BlockTime
			w.FirstBuyTs = &ts
			w.FirstBuyAmount = change.Amount
			w.TotalReceived = change.Amount
		}
		f.wallets[change.Wallet] = w
		return true, nil
	}

	if change.Slot <= w.LastSlot {
		return false, nil
	}

	w.CurrentBalance = applyDelta(w.CurrentBalance, change.Amount)
	w.PeakBalance = bigint.Max(w.PeakBalance, w.CurrentBalance)
	w.LastSlot = change.Slot
	w.LastTxSignature = change.Signature
	w.UpdatedAt = now

	if change.Amount.Sign() > 0 {
		w.TotalReceived = bigint.Add(w.TotalReceived, change.Amount)
		if w.FirstBuyTs == nil {
			ts := change.BlockTime
			w.FirstBuyTs = &ts
			w.FirstBuyAmount = change.Amount
		}
	} else if change.Amount.Sign() < 0 {
		var abs bigint.Amount
		abs.Int.Abs(&change.Amount.Int)
		w.TotalSent = bigint.Add(w.TotalSent, abs)
	}

	f.wallets[change.Wallet] = w
	return true, nil
}

func (f *Fake) RecordTransaction(_ context.Context, change BalanceChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.transactions[change.Signature]; exists {
		return false, nil
	}
	f.transactions[change.Signature] = models.Transaction{
		Signature:     change.Signature,
		Slot:          change.Slot,
		BlockTime:     change.BlockTime,
		WalletAddress: change.Wallet,
		Amount:        change.Amount,
		CreatedAt:     time.Now().UTC(),
	}
	return true, nil
}

func (f *Fake) LastProcessedSlot(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var max int64
	for _, tx := range f.transactions {
		if tx.Slot > max {
			max = tx.Slot
		}
	}
	return max, nil
}

func (f *Fake) GetWallet(_ context.Context, address string) (*models.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[address]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (f *Fake) GetWallets(_ context.Context, minBalance bigint.Amount) ([]models.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Wallet
	for _, w := range f.wallets {
		if w.CurrentBalance.Cmp(&minBalance.Int) >= 0 {
			out = append(out, w)
		}
	}
	sortWallets(out)
	return out, nil
}

func (f *Fake) GetHoldersFiltered(_ context.Context, filter HolderFilter) ([]models.Wallet, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []models.Wallet
	for _, w := range f.wallets {
		if w.CurrentBalance.Cmp(&filter.MinBalance.Int) >= 0 {
			all = append(all, w)
		}
	}
	sortWallets(all)
	total := len(all)

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	start := filter.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func sortWallets(ws []models.Wallet) {
	sort.Slice(ws, func(i, j int) bool {
		cmp := ws[i].CurrentBalance.Cmp(&ws[j].CurrentBalance.Int)
		if cmp != 0 {
			return cmp > 0
		}
		return ws[i].Address < ws[j].Address
	})
}

func (f *Fake) UpdateKWallet(_ context.Context, address string, kWallet float64, tokensAnalyzed int, slot int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[address]
	if !ok {
		return errors.New("fake store: wallet not found")
	}
	now := time.Now().UTC()
	w.KWallet = &kWallet
	w.KWalletTokensAnalyzed = tokensAnalyzed
	w.KWalletUpdatedAt = &now
	w.KWalletSlot = &slot
	f.wallets[address] = w
	return nil
}

func (f *Fake) StaleKWallets(_ context.Context, olderThan time.Duration, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []string
	for addr, w := range f.wallets {
		if w.KWalletUpdatedAt == nil || w.KWalletUpdatedAt.Before(cutoff) {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) enqueue(m map[string]models.QueueEntry, key string, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m[key]; ok {
		if priority > existing.Priority {
			existing.Priority = priority
		}
		existing.UpdatedAt = now
		m[key] = existing
		return nil
	}
	m[key] = models.QueueEntry{Key: key, Priority: priority, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (f *Fake) dequeue(m map[string]models.QueueEntry, lease time.Duration) (*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()

	var best *models.QueueEntry
	for k, e := range m {
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		entry := e
		entry.Key = k
		if best == nil || entry.Priority > best.Priority ||
			(entry.Priority == best.Priority && entry.CreatedAt.Before(best.CreatedAt)) {
			best = &entry
		}
	}
	if best == nil {
		return nil, nil
	}
	lockUntil := now.Add(lease)
	best.LockedUntil = &lockUntil
	m[best.Key] = *best
	out := *best
	return &out, nil
}

func (f *Fake) complete(m map[string]models.QueueEntry, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(m, key)
	return nil
}

func (f *Fake) fail(m map[string]models.QueueEntry, key string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := m[key]
	if !ok {
		return nil
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	e.LockedUntil = nil
	e.UpdatedAt = time.Now().UTC()
	m[key] = e
	return nil
}

func (f *Fake) cleanup(m map[string]models.QueueEntry, maxAttempts int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, e := range m {
		if e.Attempts >= maxAttempts {
			delete(m, k)
			n++
		}
	}
	return n, nil
}

func (f *Fake) length(m map[string]models.QueueEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(m)), nil
}

func (f *Fake) EnqueueKWallet(ctx context.Context, key string, priority int) error {
	return f.enqueue(f.kwalletQueue, key, priority)
}
func (f *Fake) DequeueKWallet(ctx context.Context, lease time.Duration) (*models.QueueEntry, error) {
	return f.dequeue(f.kwalletQueue, lease)
}
func (f *Fake) CompleteKWallet(ctx context.Context, key string) error {
	return f.complete(f.kwalletQueue, key)
}
func (f *Fake) FailKWallet(ctx context.Context, key string, cause error) error {
	return f.fail(f.kwalletQueue, key, cause)
}
func (f *Fake) CleanupKWallet(ctx context.Context, maxAttempts int) (int64, error) {
	return f.cleanup(f.kwalletQueue, maxAttempts)
}
func (f *Fake) QueueLengthKWallet(ctx context.Context) (int64, error) {
	return f.length(f.kwalletQueue)
}

func (f *Fake) EnqueueToken(ctx context.Context, key string, priority int) error {
	return f.enqueue(f.tokenQueue, key, priority)
}
func (f *Fake) DequeueToken(ctx context.Context, lease time.Duration) (*models.QueueEntry, error) {
	return f.dequeue(f.tokenQueue, lease)
}
func (f *Fake) CompleteToken(ctx context.Context, key string) error {
	return f.complete(f.tokenQueue, key)
}
func (f *Fake) FailToken(ctx context.Context, key string, cause error) error {
	return f.fail(f.tokenQueue, key, cause)
}
func (f *Fake) CleanupToken(ctx context.Context, maxAttempts int) (int64, error) {
	return f.cleanup(f.tokenQueue, maxAttempts)
}
func (f *Fake) QueueLengthToken(ctx context.Context) (int64, error) {
	return f.length(f.tokenQueue)
}

func (f *Fake) CreateAPIKey(_ context.Context, name, tier string, perMinute, perDay int, expiresAt *time.Time) (string, *models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plaintext := "fake_" + uuid.NewString()
	rec := models.APIKey{
		ID:             uuid.NewString(),
		KeyHash:        plaintext, // fake store skips hashing; equality check below compensates
		Name:           name,
		Tier:           tier,
		PerMinuteLimit: perMinute,
		PerDayLimit:    perDay,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      expiresAt,
	}
	f.apiKeys[rec.ID] = rec
	f.apiKeyIndex[plaintext] = rec.ID
	return plaintext, &rec, nil
}

func (f *Fake) ValidateAPIKey(_ context.Context, plainKey string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.apiKeyIndex[plainKey]
	if !ok {
		return nil, nil
	}
	rec, ok := f.apiKeys[id]
	if !ok || !rec.IsActive {
		return nil, nil
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now().UTC()) {
		return nil, nil
	}
	return &rec, nil
}

func (f *Fake) ListAPIKeys(_ context.Context) ([]models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.APIKey, 0, len(f.apiKeys))
	for _, k := range f.apiKeys {
		out = append(out, k)
	}
	return out, nil
}

func (f *Fake) DeactivateAPIKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.apiKeys[id]
	if !ok {
		return errors.New("fake store: api key not found")
	}
	rec.IsActive = false
	f.apiKeys[id] = rec
	return nil
}

func (f *Fake) IncrementUsage(_ context.Context, keyID string, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[keyID+"|"+date]++
	return nil
}

func (f *Fake) UsageForKey(_ context.Context, keyID string, date string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[keyID+"|"+date], nil
}

func (f *Fake) CreateWebhookSubscription(_ context.Context, sub *models.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now().UTC()
	sub.IsActive = true
	f.webhookSubs[sub.ID] = *sub
	return nil
}

func (f *Fake) GetWebhookSubscription(_ context.Context, id string) (*models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.webhookSubs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (f *Fake) ListWebhookSubscriptions(_ context.Context, ownerKeyID string) ([]models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WebhookSubscription
	for _, s := range f.webhookSubs {
		if s.OwnerAPIKeyID == ownerKeyID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) DeleteWebhookSubscription(_ context.Context, id, ownerKeyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.webhookSubs[id]
	if !ok || sub.OwnerAPIKeyID != ownerKeyID {
		return errors.New("fake store: webhook subscription not found")
	}
	delete(f.webhookSubs, id)
	return nil
}

func (f *Fake) SubscriptionsForEvent(_ context.Context, eventType string) ([]models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WebhookSubscription
	for _, s := range f.webhookSubs {
		if !s.IsActive {
			continue
		}
		if strings.Contains(s.EventSetJSON, `"`+eventType+`"`) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) RecordWebhookFailure(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.webhookSubs[subscriptionID]
	if !ok {
		return nil
	}
	sub.FailureCount++
	if sub.FailureCount >= 5 {
		sub.IsActive = false
	}
	f.webhookSubs[subscriptionID] = sub
	return nil
}

func (f *Fake) RecordWebhookSuccess(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.webhookSubs[subscriptionID]
	if !ok {
		return nil
	}
	sub.FailureCount = 0
	now := time.Now().UTC()
	sub.LastTriggeredAt = &now
	f.webhookSubs[subscriptionID] = sub
	return nil
}

func (f *Fake) CreateWebhookDelivery(_ context.Context, delivery *models.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	delivery.Status = "pending"
	delivery.CreatedAt = time.Now().UTC()
	f.webhookDeliveries[delivery.ID] = *delivery
	return nil
}

func (f *Fake) ClaimWebhookDeliveries(_ context.Context, limit int) ([]models.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []models.WebhookDelivery
	for _, d := range f.webhookDeliveries {
		if d.Status != "pending" || d.Attempts >= 3 {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) MarkWebhookDeliverySuccess(_ context.Context, id string, code int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.webhookDeliveries[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	d.Status = "success"
	d.Attempts++
	d.ResponseCode = code
	d.ResponseBody = body
	d.CompletedAt = &now
	d.NextRetryAt = nil
	f.webhookDeliveries[id] = d
	return nil
}

func (f *Fake) MarkWebhookDeliveryFailure(_ context.Context, id string, code int, body string, backoff []time.Duration) error {
	f.mu.Lock()
	d, ok := f.webhookDeliveries[id]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	d.Attempts++
	d.ResponseCode = code
	d.ResponseBody = body
	var terminal bool
	if d.Attempts >= 3 {
		d.Status = "failed"
		now := time.Now().UTC()
		d.CompletedAt = &now
		d.NextRetryAt = nil
		terminal = true
	} else {
		idx := d.Attempts - 1
		if idx < 0 || idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		next := time.Now().UTC().Add(backoff[idx])
		d.NextRetryAt = &next
	}
	f.webhookDeliveries[id] = d
	subscriptionID := d.SubscriptionID
	f.mu.Unlock()

	if terminal {
		return f.RecordWebhookFailure(context.Background(), subscriptionID)
	}
	return nil
}

func (f *Fake) ListWebhookDeliveries(_ context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WebhookDelivery
	for _, d := range f.webhookDeliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) SaveSnapshot(_ context.Context, snap *models.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	f.snapshots = append(f.snapshots, *snap)
	return nil
}

func (f *Fake) LatestSnapshot(_ context.Context) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	latest := f.snapshots[0]
	for _, s := range f.snapshots[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return &latest, nil
}

func (f *Fake) SnapshotHistory(_ context.Context, days int) ([]models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	since := time.Now().UTC().AddDate(0, 0, -days)
	var out []models.Snapshot
	for _, s := range f.snapshots {
		if s.CreatedAt.After(since) || s.CreatedAt.Equal(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) GetSyncState(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.syncState[key]
	return v, ok, nil
}

func (f *Fake) SetSyncState(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncState[key] = value
	return nil
}

var _ Store = (*Fake)(nil)
var _ Store = (*GormStore)(nil)
