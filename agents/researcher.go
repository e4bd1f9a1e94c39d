package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/prompts"
)

const selectorMaxTokens = 1024

// AssetSource finds assets and fetches their data. Implementations wrap
// pipeline.ErrNotFound when nothing matches and pipeline.ErrUnavailable
// when the backing service cannot be reached.
type AssetSource interface {
	Search(ctx context.Context, term string) ([]pipeline.Asset, error)
	Fetch(ctx context.Context, asset pipeline.Asset) (*pipeline.Table, error)
}

// Researcher retrieves data for a query from an AssetSource.
type Researcher struct {
	source    AssetSource
	selector  llm.Completer
	system    string
	maxAssets int
	maxTables int
	logger    *slog.Logger
}

var _ pipeline.Retriever = (*Researcher)(nil)

// NewResearcher returns a Researcher reading from src.
func NewResearcher(src AssetSource, opts ...Option) *Researcher {
	o := buildOptions(prompts.Defaults().Researcher, opts)
	return &Researcher{
		source:    src,
		selector:  o.selector,
		system:    o.system,
		maxAssets: max(o.maxAssets, 1),
		maxTables: max(o.maxTables, 0),
		logger:    o.logger,
	}
}

// Retrieve searches for assets matching the query and its key entities,
// then fetches data for the best matching views.
func (r *Researcher) Retrieve(ctx context.Context, query string, queryType pipeline.QueryType, keyEntities []string) (*pipeline.RetrievedData, error) {
	if r.source == nil {
		return nil, &pipeline.RetrievalError{Query: query, Err: fmt.Errorf("no asset source configured: %w", pipeline.ErrUnavailable)}
	}

	terms := searchTerms(query, keyEntities)
	assets, err := r.search(ctx, terms)
	if err != nil {
		return nil, &pipeline.RetrievalError{Query: query, Err: err}
	}
	if len(assets) == 0 {
		return nil, &pipeline.RetrievalError{Query: query, Err: fmt.Errorf("no assets match %s: %w", strings.Join(quoteAll(terms), ", "), pipeline.ErrNotFound)}
	}
	assets = r.rank(ctx, query, assets)

	data := &pipeline.RetrievedData{Assets: assets}
	for _, a := range assets {
		if len(data.Tables) >= r.maxTables {
			break
		}
		if a.Kind != pipeline.AssetView {
			continue
		}
		t, err := r.source.Fetch(ctx, a)
		switch {
		case err == nil:
			data.Tables = append(data.Tables, *t)
		case errors.Is(err, pipeline.ErrUnavailable), ctx.Err() != nil:
			return nil, &pipeline.RetrievalError{Query: query, Err: fmt.Errorf("fetch %s: %w", a.Name, err)}
		default:
			r.logger.Warn("fetch view data failed", "asset", a.Name, "error", err)
		}
	}
	r.logger.Debug("retrieved", "query_type", queryType, "assets", len(data.Assets), "tables", len(data.Tables))
	return data, nil
}

func (r *Researcher) search(ctx context.Context, terms []string) ([]pipeline.Asset, error) {
	var (
		assets  []pipeline.Asset
		seen    = map[string]bool{}
		lastErr error
	)
	for _, term := range terms {
		found, err := r.source.Search(ctx, term)
		if err != nil {
			if errors.Is(err, pipeline.ErrUnavailable) || ctx.Err() != nil {
				return nil, fmt.Errorf("search %q: %w", term, err)
			}
			if !errors.Is(err, pipeline.ErrNotFound) {
				r.logger.Warn("asset search failed", "term", term, "error", err)
				lastErr = fmt.Errorf("search %q: %w", term, err)
			}
			continue
		}
		for _, a := range found {
			if seen[a.Kind+"/"+a.ID] {
				continue
			}
			seen[a.Kind+"/"+a.ID] = true
			assets = append(assets, a)
			if len(assets) >= r.maxAssets {
				return assets, nil
			}
		}
	}
	if len(assets) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return assets, nil
}

type selection struct {
	AssetIDs  []string `json:"asset_ids"`
	Reasoning string   `json:"reasoning"`
}

// rank moves the assets a model picked to the front. Any failure keeps the
// search order.
func (r *Researcher) rank(ctx context.Context, query string, assets []pipeline.Asset) []pipeline.Asset {
	if r.selector == nil || len(assets) < 2 {
		return assets
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User Query: %s\n\nCandidate assets:\n", query)
	for _, a := range assets {
		fmt.Fprintf(&b, "- id: %s | %s | %s", a.ID, a.Kind, a.Name)
		if a.Workbook != "" {
			fmt.Fprintf(&b, " | workbook: %s", a.Workbook)
		}
		if a.Project != "" {
			fmt.Fprintf(&b, " | project: %s", a.Project)
		}
		b.WriteString("\n")
	}

	reply, err := r.selector.Complete(ctx, llm.Prompt{
		System:      r.system,
		User:        b.String(),
		Temperature: llm.Temperature(0.1),
		MaxTokens:   selectorMaxTokens,
	})
	if err != nil {
		r.logger.Warn("asset selection failed", "error", err)
		return assets
	}
	var sel selection
	if err := decodeReply(reply, &sel); err != nil {
		r.logger.Warn("asset selection unparseable", "error", err)
		return assets
	}

	ranked := make([]pipeline.Asset, 0, len(assets))
	for _, id := range sel.AssetIDs {
		i := slices.IndexFunc(assets, func(a pipeline.Asset) bool { return a.ID == id })
		if i >= 0 && !slices.ContainsFunc(ranked, func(a pipeline.Asset) bool { return a.ID == id }) {
			ranked = append(ranked, assets[i])
		}
	}
	for _, a := range assets {
		if !slices.ContainsFunc(ranked, func(x pipeline.Asset) bool { return x.ID == a.ID }) {
			ranked = append(ranked, a)
		}
	}
	return ranked
}

// searchTerms returns the key entities followed by the whole query, without
// duplicates.
func searchTerms(query string, entities []string) []string {
	var terms []string
	for _, t := range append(slices.Clone(entities), query) {
		t = normalizeQuery(t)
		if t == "" || slices.ContainsFunc(terms, func(s string) bool { return strings.EqualFold(s, t) }) {
			continue
		}
		terms = append(terms, t)
	}
	return terms
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
