package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/ai-chat/internal/logger"
)

type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Searcher is the document search backend.
type Searcher interface {
	Search(ctx context.Context, query, domain string, topK int) ([]Passage, error)
}

// HTTPSearcher calls a search service: POST {query, domain, top_k} -> {passages: [...]}.
type HTTPSearcher struct {
	URL    string
	Client *http.Client
}

func NewHTTPSearcher(url string) *HTTPSearcher {
	return &HTTPSearcher{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type searchReq struct {
	Query  string `json:"query"`
	Domain string `json:"domain"`
	TopK   int    `json:"top_k"`
}

type searchResp struct {
	Passages []Passage `json:"passages"`
}

func (s *HTTPSearcher) Search(ctx context.Context, query, domain string, topK int) ([]Passage, error) {
	if s.Client == nil {
		return nil, errors.New("retrieval: http client is nil")
	}
	b, err := json.Marshal(searchReq{Query: query, Domain: domain, TopK: topK})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("retrieval: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out searchResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("retrieval: decode: %w", err)
	}
	return out.Passages, nil
}

// Augmenter turns search results into grounding text. It never fails the
// exchange: errors and timeouts yield "".
type Augmenter struct {
	searcher Searcher
	topK     int
	timeout  time.Duration
	log      *logger.Logger
}

func NewAugmenter(s Searcher, topK int, log *logger.Logger) *Augmenter {
	if topK <= 0 {
		topK = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Augmenter{searcher: s, topK: topK, timeout: 5 * time.Second, log: log.With("component", "chat.retrieval")}
}

func (a *Augmenter) Ground(ctx context.Context, query string, field DominationField) string {
	if a == nil || a.searcher == nil || !field.UsesRetrieval() || strings.TrimSpace(query) == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	passages, err := a.searcher.Search(ctx, query, string(field), a.topK)
	if err != nil {
		a.log.Warn("retrieval failed, continuing ungrounded", "domain", field, "error", err)
		return ""
	}
	return formatPassages(passages)
}

func formatPassages(passages []Passage) string {
	var b strings.Builder
	n := 0
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		n++
		if n > 1 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", n, text)
		if p.Source != "" {
			fmt.Fprintf(&b, "\n(source: %s)", p.Source)
		}
	}
	return b.String()
}
