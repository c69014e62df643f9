// Package scoring turns a fused record set into a single 0-100 risk score.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/threatlens/threatscan/pkg/inference"
	"github.com/threatlens/threatscan/pkg/intel"
	"github.com/threatlens/threatscan/pkg/ratelimit"
	"github.com/threatlens/threatscan/pkg/retry"
)

const (
	DefaultMaxPromptChars = 512
	DefaultTimeout        = 20 * time.Second

	instruction   = "Return only a single number from 0 to 100."
	maxFieldChars = 32
	maxNameChars  = 80
)

// Weights is the fallback contribution of one record per severity.
type Weights struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

func DefaultWeights() Weights {
	return Weights{Critical: 25, High: 15, Medium: 10, Low: 5}
}

// For returns the weight of a severity.
func (w Weights) For(s intel.Severity) float64 {
	switch s {
	case intel.SeverityCritical:
		return w.Critical
	case intel.SeverityHigh:
		return w.High
	case intel.SeverityMedium:
		return w.Medium
	default:
		return w.Low
	}
}

// Engine scores records through an inference backend when one is
// configured, falling back to a deterministic severity-weighted score.
// Scoring never fails: backend problems only select the fallback.
type Engine struct {
	backend   inference.Backend
	weights   Weights
	maxPrompt int
	timeout   time.Duration
	policy    retry.Policy
	limiter   *ratelimit.Limiter
	log       *slog.Logger
}

type Option func(*Engine)

// WithBackend enables the inference path. A nil backend keeps it disabled.
func WithBackend(b inference.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

func WithMaxPromptChars(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPrompt = n
		}
	}
}

// WithTimeout bounds each inference attempt.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithRetry sets the retry budget for failed inference calls.
func WithRetry(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLimiter spaces inference calls under the backend's ceiling.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		weights:   DefaultWeights(),
		maxPrompt: DefaultMaxPromptChars,
		timeout:   DefaultTimeout,
		policy:    retry.Policy{MaxAttempts: 1},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score returns the asset's risk and the path that produced it. An empty
// record set always scores 0 on the fallback path.
func (e *Engine) Score(ctx context.Context, asset intel.Asset, records []intel.Record) (float64, intel.Method) {
	if len(records) == 0 {
		return 0, intel.MethodFallback
	}
	if e.backend != nil {
		if score, ok := e.infer(ctx, asset, records); ok {
			return score, intel.MethodInference
		}
	}
	return Fallback(records, e.weights), intel.MethodFallback
}

func (e *Engine) infer(ctx context.Context, asset intel.Asset, records []intel.Record) (float64, bool) {
	prompt := BuildPrompt(asset, records, e.maxPrompt)

	var reply string
	err := e.policy.Do(ctx, func(ctx context.Context, _ int) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		out, err := e.backend.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})
	if err != nil {
		e.log.Warn("inference unavailable, using fallback score", "asset_id", asset.ID, "backend", e.backend.Name(), "error", err)
		return 0, false
	}

	score, ok := ExtractScore(reply)
	if !ok {
		e.log.Info("inference reply has no number, using fallback score", "asset_id", asset.ID, "backend", e.backend.Name())
		return 0, false
	}
	return score, true
}

// Fallback computes min(100, 25*log10(1+total)) over the severity-weighted
// total, rounded to one decimal.
func Fallback(records []intel.Record, w Weights) float64 {
	var total float64
	for _, r := range records {
		total += w.For(r.Severity)
	}
	if total <= 0 {
		return 0
	}
	score := math.Min(100, 25*math.Log10(1+total))
	return math.Round(score*10) / 10
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ExtractScore returns the first number in text clamped to [0,100].
func ExtractScore(text string) (float64, bool) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return math.Max(0, math.Min(100, v)), true
}

// BuildPrompt summarizes the record set in at most maxChars bytes. Only
// counts, the asset's type and criticality, and a bounded list of record
// names are included.
func BuildPrompt(asset intel.Asset, records []intel.Record, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxPromptChars
	}

	bySource := make(map[intel.Source]int)
	bySeverity := make(map[intel.Severity]int)
	for _, r := range records {
		bySource[r.Source]++
		bySeverity[r.Severity]++
	}

	var head strings.Builder
	fmt.Fprintf(&head, "Asset type: %s; criticality: %s\n",
		clip(orUnknown(asset.Type), maxFieldChars), clip(orUnknown(asset.Criticality), maxFieldChars))
	head.WriteString("Findings by source:")
	for _, s := range intel.Sources() {
		fmt.Fprintf(&head, " %s:%d", s, bySource[s])
	}
	head.WriteString("\nFindings by severity:")
	for _, s := range []intel.Severity{intel.SeverityCritical, intel.SeverityHigh, intel.SeverityMedium, intel.SeverityLow} {
		fmt.Fprintf(&head, " %s:%d", s, bySeverity[s])
	}
	head.WriteString("\n")

	tail := instruction
	budget := maxChars - head.Len() - len(tail)

	const label = "Top findings: "
	var names strings.Builder
	if budget > len(label)+1 {
		for _, name := range topNames(records) {
			sep := "; "
			if names.Len() == 0 {
				sep = label
			}
			if names.Len()+len(sep)+len(name)+1 > budget {
				break
			}
			names.WriteString(sep)
			names.WriteString(name)
		}
		if names.Len() > 0 {
			names.WriteString("\n")
		}
	}

	prompt := head.String() + names.String() + tail
	if len(prompt) > maxChars {
		// Keep the instruction; drop from the front.
		prompt = strings.ToValidUTF8(prompt[len(prompt)-maxChars:], "")
	}
	return prompt
}

// topNames orders record names by severity, then score, both descending.
func topNames(records []intel.Record) []string {
	ranked := make([]intel.Record, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ri, rj := ranked[i].Severity.Rank(), ranked[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return ranked[i].Score > ranked[j].Score
	})

	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		name := strings.Join(strings.Fields(r.Name), " ")
		if name == "" {
			name = r.ExternalID
		}
		out = append(out, clip(name, maxNameChars))
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return strings.Join(strings.Fields(s), " ")
}
