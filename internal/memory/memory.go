// Package memory keeps per-user conversation memory: the profile, a short
// rolling buffer, a compacted summary, consolidated facts and archived
// episodes. Every write for a user goes through a per-user lock and a
// versioned compare-and-swap on the store.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/rand/finagent/internal/budget"
	"github.com/rand/finagent/internal/memory/embeddings"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/compress"
	"github.com/rand/finagent/internal/pipeline/llm"
	"github.com/rand/finagent/internal/store"
)

// Role is who wrote a buffered message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry of the short-term buffer.
type Message struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Record is everything remembered about one user.
type Record struct {
	UserID string `json:"user_id"`

	// Preferences holds the profile fields the user set explicitly, by
	// field name, with the latest value stated.
	Preferences   map[string]string `json:"preferences,omitempty"`
	Profile       pipeline.Profile  `json:"profile"`
	Summary       string            `json:"summary,omitempty"`
	SummaryTokens int               `json:"summary_tokens,omitempty"`
	Buffer        []Message         `json:"buffer,omitempty"`
	Facts         []string          `json:"facts,omitempty"`
	Turns         int               `json:"turns"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Episode is an archived exchange.
type Episode struct {
	ID     string            `json:"id"`
	UserID string            `json:"user_id"`
	Text   string            `json:"text"`
	At     time.Time         `json:"at"`
	Vector embeddings.Vector `json:"vector,omitempty"`
}

// Status tells whether a user has a stored record.
type Status string

const (
	StatusNew      Status = "new"
	StatusExisting Status = "existing"
)

// Config configures a Manager.
type Config struct {
	// BufferSize is the number of messages kept in the short-term buffer.
	BufferSize int

	// ContextWindow is how many recent messages the immediate context shows.
	ContextWindow int

	// ArchiveMinChars is the combined query and answer length above which a
	// turn is archived as an episode.
	ArchiveMinChars int

	MaxFacts      int
	SummaryTokens int

	// FactsPrompt is the template for model fact extraction. It receives
	// {{conversation}}.
	FactsPrompt string
}

// DefaultConfig returns the default memory settings.
func DefaultConfig() Config {
	return Config{
		BufferSize:      20,
		ContextWindow:   4,
		ArchiveMinChars: 50,
		MaxFacts:        25,
		SummaryTokens:   300,
		FactsPrompt:     DefaultFactsPrompt,
	}
}

// Cleaner drops shared cached answers. Reset calls it.
type Cleaner interface {
	Clear(ctx context.Context) (int64, error)
}

// Manager reads and writes memory records.
type Manager struct {
	kv         store.KV
	config     Config
	compressor *compress.Compressor
	embedder   embeddings.Provider
	generator  llm.Generator
	cache      Cleaner
	locks      *keyedMutex
	now        func() time.Time
	logger     *slog.Logger
	maxRetries uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmbedder enables similarity recall of archived episodes.
func WithEmbedder(p embeddings.Provider) Option {
	return func(m *Manager) { m.embedder = p }
}

// WithGenerator lets Consolidate ask a model for the session's facts.
func WithGenerator(g llm.Generator) Option {
	return func(m *Manager) { m.generator = g }
}

// WithCache sets the cache cleared by Reset.
func WithCache(c Cleaner) Option {
	return func(m *Manager) { m.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over kv.
func NewManager(kv store.KV, config Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = def.ContextWindow
	}
	if config.ArchiveMinChars <= 0 {
		config.ArchiveMinChars = def.ArchiveMinChars
	}
	if config.MaxFacts <= 0 {
		config.MaxFacts = def.MaxFacts
	}
	if config.SummaryTokens <= 0 {
		config.SummaryTokens = def.SummaryTokens
	}
	if config.FactsPrompt == "" {
		config.FactsPrompt = def.FactsPrompt
	}
	m := &Manager{
		kv:         kv,
		config:     config,
		compressor: compress.New(),
		locks:      newKeyedMutex(),
		now:        time.Now,
		logger:     slog.Default(),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func recordKey(userID string) string { return "memory/" + userID + "/record" }

func episodePrefix(userID string) string { return "memory/" + userID + "/episode/" }

func userPrefix(userID string) string { return "memory/" + userID + "/" }

func validUser(userID string) error {
	if strings.TrimSpace(userID) == "" || strings.Contains(userID, "/") {
		return fmt.Errorf("invalid user id %q", userID)
	}
	return nil
}

// NewRecord returns the record of a user with nothing stored.
func NewRecord(userID string) Record {
	return Record{UserID: userID, Profile: pipeline.DefaultProfile()}
}

// Status reports whether userID has a stored record.
func (m *Manager) Status(ctx context.Context, userID string) (Status, error) {
	_, _, err := m.load(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return StatusNew, nil
	}
	if err != nil {
		return "", err
	}
	return StatusExisting, nil
}

// Get returns the record for userID, or a fresh unsaved record.
func (m *Manager) Get(ctx context.Context, userID string) (Record, error) {
	if err := validUser(userID); err != nil {
		return Record{}, err
	}
	rec, _, err := m.load(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return NewRecord(userID), nil
	}
	return rec, err
}

func (m *Manager) load(ctx context.Context, userID string) (Record, int64, error) {
	item, err := m.kv.Get(ctx, recordKey(userID))
	if err != nil {
		return Record{}, 0, err
	}
	var rec Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return Record{}, 0, fmt.Errorf("decode memory record %s: %w", userID, err)
	}
	return rec, item.Version, nil
}

// update applies fn to the user's record under the user lock and stores
// the result with compare-and-swap, retrying on version conflicts. fn
// returns false to skip the write.
func (m *Manager) update(ctx context.Context, userID string, fn func(*Record) (bool, error)) (Record, error) {
	if err := validUser(userID); err != nil {
		return Record{}, err
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	var out Record
	b := retry.WithMaxRetries(m.maxRetries, retry.NewExponential(5*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		rec, version, err := m.load(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			rec, version = NewRecord(userID), 0
			rec.CreatedAt = m.now()
		} else if err != nil {
			return err
		}

		write, err := fn(&rec)
		if err != nil {
			return err
		}
		out = rec
		if !write {
			return nil
		}
		rec.UpdatedAt = m.now()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode memory record %s: %w", userID, err)
		}
		if _, err := m.kv.CompareAndSwap(ctx, recordKey(userID), version, data); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				m.logger.Debug("Memory record conflict, retrying", "user", userID, "version", version)
				return retry.RetryableError(err)
			}
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// SetProfile stores profile for userID when it differs from the stored one
// and reports whether it changed.
func (m *Manager) SetProfile(ctx context.Context, userID string, profile pipeline.Profile) (bool, error) {
	if err := profile.Validate(); err != nil {
		return false, err
	}
	changed := false
	_, err := m.update(ctx, userID, func(r *Record) (bool, error) {
		if r.Profile == profile && !r.UpdatedAt.IsZero() {
			return false, nil
		}
		r.setProfile(profile)
		changed = true
		return true, nil
	})
	return changed, err
}

// Turn is one completed exchange to remember.
type Turn struct {
	Query  string
	Answer string

	// Profile is the profile in effect for the run, including any changes
	// the query asked for.
	Profile pipeline.Profile
}

// RecordTurn appends a completed exchange: it extends the buffer and the
// rolling summary, persists profile changes and archives long exchanges
// as episodes.
func (m *Manager) RecordTurn(ctx context.Context, userID string, turn Turn) error {
	if strings.TrimSpace(turn.Query) == "" || strings.TrimSpace(turn.Answer) == "" {
		return nil
	}
	now := m.now()
	_, err := m.update(ctx, userID, func(r *Record) (bool, error) {
		r.Buffer = append(r.Buffer,
			Message{Role: RoleUser, Text: turn.Query, At: now},
			Message{Role: RoleAgent, Text: turn.Answer, At: now})
		if over := len(r.Buffer) - m.config.BufferSize; over > 0 {
			r.Buffer = append([]Message(nil), r.Buffer[over:]...)
		}
		if turn.Profile.Validate() == nil {
			r.setProfile(turn.Profile)
		}
		addition := "User asked: " + turn.Query + " Agent answered: " + firstSentence(turn.Answer)
		r.Summary = m.compressor.Compact(r.Summary, addition, m.config.SummaryTokens)
		r.SummaryTokens = budget.EstimateTokens(r.Summary)
		r.Turns++
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("record turn for %s: %w", userID, err)
	}

	if len(turn.Query)+len(turn.Answer) > m.config.ArchiveMinChars {
		if err := m.archive(ctx, userID, "User: "+turn.Query+"\nAgent: "+turn.Answer, now); err != nil {
			m.logger.Warn("Episode archival failed", "user", userID, "error", err)
		}
	}
	return nil
}

func firstSentence(text string) string {
	if s := compress.SplitSentences(text); len(s) > 0 {
		return s[0]
	}
	return text
}

func (m *Manager) archive(ctx context.Context, userID, text string, at time.Time) error {
	ep := Episode{ID: uuid.NewString(), UserID: userID, Text: text, At: at}
	if m.embedder != nil {
		vecs, err := m.embedder.Embed(ctx, []string{text})
		if err != nil {
			m.logger.Debug("Episode embedding failed", "user", userID, "error", err)
		} else if len(vecs) == 1 {
			ep.Vector = vecs[0]
		}
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode episode: %w", err)
	}
	// Keys sort by time so List returns episodes oldest first.
	key := fmt.Sprintf("%s%020d-%s", episodePrefix(userID), at.UnixNano(), ep.ID)
	if _, err := m.kv.Set(ctx, key, data); err != nil {
		return err
	}
	return nil
}

// Episodes returns the user's archived episodes, oldest first.
func (m *Manager) Episodes(ctx context.Context, userID string) ([]Episode, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	items, err := m.kv.List(ctx, episodePrefix(userID))
	if err != nil {
		return nil, err
	}
	out := make([]Episode, 0, len(items))
	for _, it := range items {
		var ep Episode
		if err := json.Unmarshal(it.Value, &ep); err != nil {
			return nil, fmt.Errorf("decode episode %s: %w", it.Key, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Recall returns up to limit of the user's episodes most similar to query.
// Without an embedder it returns the most recent episodes.
func (m *Manager) Recall(ctx context.Context, userID, query string, limit int) ([]Episode, error) {
	eps, err := m.Episodes(ctx, userID)
	if err != nil || len(eps) == 0 || limit <= 0 {
		return nil, err
	}
	if m.embedder == nil {
		if len(eps) > limit {
			eps = eps[len(eps)-limit:]
		}
		return eps, nil
	}

	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed recall query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed recall query: got %d vectors", len(vecs))
	}
	type scored struct {
		ep    Episode
		score float64
	}
	ranked := make([]scored, 0, len(eps))
	for _, ep := range eps {
		if len(ep.Vector) == 0 {
			continue
		}
		ranked = append(ranked, scored{ep, vecs[0].Cosine(ep.Vector)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Episode, len(ranked))
	for i, s := range ranked {
		out[i] = s.ep
	}
	return out, nil
}

// Context renders the memory a Thinker sees: the summary, known facts and
// the last few messages.
func (m *Manager) Context(rec Record) string {
	var b strings.Builder
	if rec.Summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(rec.Summary)
		b.WriteString("\n")
	}
	if len(rec.Facts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range rec.Facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	b.WriteString(m.ImmediateContext(rec))
	return strings.TrimSpace(b.String())
}

// ImmediateContext renders the last ContextWindow messages as
// "User: ..." and "Agent: ..." lines.
func (m *Manager) ImmediateContext(rec Record) string {
	msgs := rec.Buffer
	if len(msgs) > m.config.ContextWindow {
		msgs = msgs[len(msgs)-m.config.ContextWindow:]
	}
	lines := make([]string, len(msgs))
	for i, msg := range msgs {
		role := "User"
		if msg.Role == RoleAgent {
			role = "Agent"
		}
		lines[i] = role + ": " + msg.Text
	}
	return strings.Join(lines, "\n")
}

// Consolidate merges the facts of the user's session into their known
// facts. Facts are derived from the buffer and summary, then extra is
// appended. Duplicates are dropped case-insensitively and only the newest
// MaxFacts are kept.
func (m *Manager) Consolidate(ctx context.Context, userID string, extra []string) (Record, error) {
	rec, err := m.Get(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	facts := append(m.deriveFacts(ctx, rec), extra...)
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	out, err := m.update(ctx, userID, func(r *Record) (bool, error) {
		all := append(append([]string(nil), r.Facts...), facts...)

		// Walk newest first so a repeated fact keeps its latest position.
		seen := make(map[string]bool, len(all))
		var newest []string
		for i := len(all) - 1; i >= 0 && len(newest) < m.config.MaxFacts; i-- {
			f := strings.TrimSpace(all[i])
			key := strings.ToLower(strings.Join(strings.Fields(f), " "))
			if f == "" || seen[key] {
				continue
			}
			seen[key] = true
			newest = append(newest, f)
		}
		slices.Reverse(newest)
		r.Facts = newest
		return true, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("consolidate %s: %w", userID, err)
	}
	m.logger.Info("Memory consolidated", "user", userID, "derived", len(facts)-len(extra), "facts", len(out.Facts))
	return out, nil
}

// ClearHistory drops the buffer, summary and episodes but keeps the profile
// and facts.
func (m *Manager) ClearHistory(ctx context.Context, userID string) error {
	_, err := m.update(ctx, userID, func(r *Record) (bool, error) {
		if r.UpdatedAt.IsZero() || (len(r.Buffer) == 0 && r.Summary == "") {
			return false, nil
		}
		r.Buffer = nil
		r.Summary = ""
		r.SummaryTokens = 0
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("clear history for %s: %w", userID, err)
	}
	if _, err := m.kv.DeletePrefix(ctx, episodePrefix(userID)); err != nil {
		return fmt.Errorf("clear history for %s: %w", userID, err)
	}
	return nil
}

// Reset deletes everything stored for userID and clears the shared cache.
func (m *Manager) Reset(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	n, err := m.kv.DeletePrefix(ctx, userPrefix(userID))
	if err != nil {
		return fmt.Errorf("reset memory for %s: %w", userID, err)
	}
	m.logger.Warn("Memory reset", "user", userID, "keys", n)

	if m.cache != nil {
		if _, err := m.cache.Clear(ctx); err != nil {
			m.logger.Error("Cache clear during reset failed", "error", err)
		}
	}
	return nil
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
