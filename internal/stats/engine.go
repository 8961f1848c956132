// Package stats rolls stored response sets up into per-question,
// per-section and per-instrument statistics.
package stats

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"unieval/internal/apperr"
	"unieval/internal/model"
	"unieval/internal/store"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

const (
	loadBatch    = 50
	loadParallel = 4
)

// ErrCacheMiss is returned by a Cache when the key is absent.
var ErrCacheMiss = errors.New("stats cache miss")

// Cache stores encoded views. Only views over closed instances are cached,
// since those can no longer receive answers.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Engine struct {
	store  store.Reader
	cache  Cache
	now    func() time.Time
	logger *zap.Logger
}

func NewEngine(r store.Reader, cache Cache, now func() time.Time, logger *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: r, cache: cache, now: now, logger: logger}
}

// Aggregate computes statistics over the given instances, which must all
// share one template. Repeated ids are counted once.
func (e *Engine) Aggregate(ctx context.Context, instanceIDs []int64) (*View, error) {
	ids := uniqueIDs(instanceIDs)
	if len(ids) == 0 {
		return nil, apperr.Validation("at least one instance id is required")
	}

	insts, err := e.store.FindInstances(ctx, store.InstanceFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	byID := make(map[int64]model.Instance, len(insts))
	for _, inst := range insts {
		byID[inst.ID] = inst
	}
	allClosed := true
	var templateID int64
	for _, id := range ids {
		inst, ok := byID[id]
		if !ok {
			return nil, apperr.NotFound("instance", id)
		}
		if templateID == 0 {
			templateID = inst.TemplateID
		} else if inst.TemplateID != templateID {
			return nil, apperr.Validation(fmt.Sprintf("instances do not share a template (%d and %d)", templateID, inst.TemplateID))
		}
		if inst.State != model.InstanceClosed {
			allClosed = false
		}
	}

	key := cacheKey(templateID, ids)
	if allClosed {
		if v, ok := e.cached(ctx, key); ok {
			return v, nil
		}
	}

	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("template", templateID)
		}
		return nil, fmt.Errorf("load template %d: %w", templateID, err)
	}

	view, err := e.AggregateWithTemplate(ctx, ids, tpl)
	if err != nil {
		return nil, err
	}
	if allClosed {
		e.remember(ctx, key, view)
	}
	return view, nil
}

// AggregateSynthesis aggregates the member reports of a synthesis instance.
func (e *Engine) AggregateSynthesis(ctx context.Context, synthesisID int64) (*View, error) {
	inst, err := e.store.GetInstance(ctx, synthesisID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("instance", synthesisID)
		}
		return nil, fmt.Errorf("load synthesis %d: %w", synthesisID, err)
	}
	if !inst.IsSynthesis() {
		return nil, apperr.Validation(fmt.Sprintf("instance %d is a %s, not a synthesis", inst.ID, inst.Kind))
	}
	if len(inst.MemberIDs) == 0 {
		return nil, apperr.NotFoundf("professor report", "synthesis %d has no members", inst.ID)
	}
	return e.Aggregate(ctx, inst.MemberIDs)
}

// AggregateWithTemplate computes statistics for instanceIDs against tpl
// without checking that the instances actually use tpl.
func (e *Engine) AggregateWithTemplate(ctx context.Context, instanceIDs []int64, tpl *model.Template) (*View, error) {
	ids := uniqueIDs(instanceIDs)
	sets, err := e.loadSets(ctx, ids)
	if err != nil {
		return nil, err
	}
	view := compute(tpl, sets)
	view.InstanceIDs = ids
	view.GeneratedAt = e.now().UTC()
	return view, nil
}

// loadSets fetches response sets in batches and drops any set seen twice.
func (e *Engine) loadSets(ctx context.Context, ids []int64) ([]model.ResponseSet, error) {
	var (
		mu   sync.Mutex
		all  []model.ResponseSet
		seen = map[int64]struct{}{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadParallel)
	for start := 0; start < len(ids); start += loadBatch {
		batch := ids[start:min(start+loadBatch, len(ids))]
		g.Go(func() error {
			sets, err := e.store.FindResponseSets(gctx, batch)
			if err != nil {
				return fmt.Errorf("load response sets: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range sets {
				if _, dup := seen[s.ID]; dup {
					continue
				}
				seen[s.ID] = struct{}{}
				all = append(all, s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

type textEntry struct {
	text  string
	at    time.Time
	setID int64
}

type tally struct {
	total   int
	options map[int64]int
	texts   []textEntry
}

func compute(tpl *model.Template, sets []model.ResponseSet) *View {
	tallies := map[int64]*tally{}
	for _, s := range sets {
		for _, r := range s.Responses {
			q, ok := tpl.Question(r.QuestionID)
			if !ok {
				continue
			}
			t := tallies[q.ID]
			if t == nil {
				t = &tally{options: map[int64]int{}}
				tallies[q.ID] = t
			}
			switch {
			case q.Kind == model.QuestionChoice && r.Kind == model.ResponseChoice:
				if _, owned := q.Option(r.OptionID); !owned {
					continue
				}
				t.options[r.OptionID]++
				t.total++
			case q.Kind == model.QuestionText && r.Kind == model.ResponseText:
				if strings.TrimSpace(r.Text) == "" {
					continue
				}
				t.texts = append(t.texts, textEntry{text: r.Text, at: s.SubmittedAt, setID: s.ID})
				t.total++
			}
		}
	}

	view := &View{
		TemplateID:    tpl.ID,
		TemplateTitle: tpl.Title,
		Kind:          tpl.Kind,
		ResponseSets:  len(sets),
	}
	for _, sec := range sortedSections(tpl.Sections) {
		ss := SectionStat{SectionID: sec.ID, Title: sec.Title, Position: sec.Position}
		for _, q := range sortedQuestions(sec.Questions) {
			qs, ok := questionStat(q, tallies[q.ID])
			if !ok {
				continue
			}
			ss.Answers += qs.Total
			ss.Questions = append(ss.Questions, qs)
		}
		if len(ss.Questions) == 0 {
			continue
		}
		view.Sections = append(view.Sections, ss)
	}
	return view
}

func questionStat(q model.Question, t *tally) (QuestionStat, bool) {
	if t == nil {
		t = &tally{options: map[int64]int{}}
	}
	qs := QuestionStat{QuestionID: q.ID, Kind: q.Kind, Prompt: q.Prompt, Position: q.Position, Total: t.total}
	switch q.Kind {
	case model.QuestionChoice:
		if len(q.Options) == 0 {
			return qs, false
		}
		opts := append([]model.Option(nil), q.Options...)
		sort.SliceStable(opts, func(i, j int) bool { return opts[i].Position < opts[j].Position })
		for _, o := range opts {
			c := t.options[o.ID]
			qs.Options = append(qs.Options, OptionStat{OptionID: o.ID, Text: o.Text, Count: c, Percentage: percentage(c, t.total)})
		}
	case model.QuestionText:
		qs.TextCount = len(t.texts)
		qs.Samples = recent(t.texts, SampleSize)
	default:
		return qs, false
	}
	return qs, true
}

// recent returns the n newest texts by submission time, then set id.
func recent(texts []textEntry, n int) []TextSample {
	sorted := append([]textEntry(nil), texts...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].at.Equal(sorted[j].at) {
			return sorted[i].at.After(sorted[j].at)
		}
		return sorted[i].setID > sorted[j].setID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]TextSample, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, TextSample{Text: t.text, SubmittedAt: t.at})
	}
	return out
}

func percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*10000) / 100
}

func sortedSections(in []model.Section) []model.Section {
	out := append([]model.Section(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func sortedQuestions(in []model.Question) []model.Question {
	out := append([]model.Question(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// cacheKey digests the id list so synthesis views over many members keep
// short keys.
func cacheKey(templateID int64, ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, ",")))
	return fmt.Sprintf("stats:t%d:%s", templateID, hex.EncodeToString(sum[:16]))
}

func (e *Engine) cached(ctx context.Context, key string) (*View, bool) {
	if e.cache == nil {
		return nil, false
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			e.logger.Warn("stats cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		e.logger.Warn("stats cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &v, true
}

func (e *Engine) remember(ctx context.Context, key string, v *View) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data); err != nil {
		e.logger.Warn("stats cache write failed", zap.String("key", key), zap.Error(err))
	}
}
