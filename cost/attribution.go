package cost

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Attribution severity levels, ordered by urgency.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly kinds.
const (
	AnomalySpike          = "spike"
	AnomalyUnusualPattern = "unusual_pattern"
)

// Recommendation kinds.
const (
	RecommendCache          = "cache"
	RecommendBatching       = "batching"
	RecommendModelDowngrade = "model_downgrade"
)

// Thresholds driving anomaly detection and recommendations.
const (
	spikeMediumFactor   = 2.0
	spikeHighFactor     = 3.0
	spikeCriticalFactor = 5.0

	dominantTenantShare = 0.5
	extremeTenantShare  = 0.75

	cacheMinExecutions   = 100
	cacheSavingsRate     = 0.7
	batchingMinPerMinute = 5
	batchingSavingsRate  = 0.4
	downgradeSavingsRate = 0.6
	downgradeMaxTokens   = 500
	downgradeMinAvgUSD   = 0.005
)

type (
	// AttributionOptions shapes the report.
	AttributionOptions struct {
		// IncludeTenants adds the per-tenant breakdown.
		IncludeTenants bool
		// IncludeRecommendations adds cost-saving recommendations.
		IncludeRecommendations bool
		// TopSpenderLimit caps the tenant breakdown; 0 means unlimited.
		TopSpenderLimit int
	}

	// Report is the attribution result over [Start, End).
	Report struct {
		Start           time.Time            `json:"start"`
		End             time.Time            `json:"end"`
		TotalCostUSD    float64              `json:"totalCostUsd"`
		TotalOperations int                  `json:"totalOperations"`
		Tenants         []TenantSpend        `json:"tenants,omitempty"`
		Operations      []OperationSpend     `json:"operations"`
		ProviderModels  []ProviderModelSpend `json:"providerModels"`
		HourOfDay       [24]float64          `json:"hourOfDay"`
		Days            []DailySpend         `json:"days"`
		Anomalies       []Anomaly            `json:"anomalies,omitempty"`
		Recommendations []Recommendation     `json:"recommendations,omitempty"`
	}

	// TenantSpend aggregates one tenant.
	TenantSpend struct {
		TenantID   string  `json:"tenantId"`
		CostUSD    float64 `json:"costUsd"`
		Operations int     `json:"operations"`
	}

	// OperationSpend aggregates one operation name.
	OperationSpend struct {
		Operation        string  `json:"operation"`
		CostUSD          float64 `json:"costUsd"`
		Count            int     `json:"count"`
		PromptTokens     int     `json:"promptTokens"`
		CompletionTokens int     `json:"completionTokens"`
	}

	// ProviderModelSpend aggregates one provider/model pair.
	ProviderModelSpend struct {
		Provider string  `json:"provider"`
		Model    string  `json:"model"`
		CostUSD  float64 `json:"costUsd"`
		Count    int     `json:"count"`
	}

	// DailySpend aggregates one UTC calendar day.
	DailySpend struct {
		Day     string  `json:"day"`
		CostUSD float64 `json:"costUsd"`
	}

	// Anomaly flags unusual spend.
	Anomaly struct {
		Kind        string  `json:"kind"`
		Severity    string  `json:"severity"`
		Description string  `json:"description"`
		TenantID    string  `json:"tenantId,omitempty"`
		Hour        int     `json:"hour,omitempty"`
		Ratio       float64 `json:"ratio"`
	}

	// Recommendation suggests a spend reduction, with its estimated saving.
	Recommendation struct {
		Kind                string  `json:"kind"`
		Description         string  `json:"description"`
		EstimatedSavingsUSD float64 `json:"estimatedSavingsUsd"`
	}

	// Reporter computes attribution reports over a record store.
	Reporter struct {
		store Store
	}
)

// NewReporter builds a reporter over store.
func NewReporter(store Store) *Reporter {
	return &Reporter{store: store}
}

// AttributeCosts aggregates the records in [start, end) into a report.
func (r *Reporter) AttributeCosts(ctx context.Context, start, end time.Time, opts AttributionOptions) (Report, error) {
	records, err := r.store.ListRange(ctx, start, end)
	if err != nil {
		return Report{}, fmt.Errorf("list spend records: %w", err)
	}

	report := Report{Start: start, End: end, TotalOperations: len(records)}
	tenants := map[string]*TenantSpend{}
	operations := map[string]*OperationSpend{}
	models := map[string]*ProviderModelSpend{}
	days := map[string]float64{}

	for _, rec := range records {
		report.TotalCostUSD += rec.CostUSD
		report.HourOfDay[rec.Timestamp.UTC().Hour()] += rec.CostUSD
		days[rec.Timestamp.UTC().Format("2006-01-02")] += rec.CostUSD

		tenant := rec.TenantID
		if tenant == "" {
			tenant = "unattributed"
		}
		ts, ok := tenants[tenant]
		if !ok {
			ts = &TenantSpend{TenantID: tenant}
			tenants[tenant] = ts
		}
		ts.CostUSD += rec.CostUSD
		ts.Operations++

		op, ok := operations[rec.Operation]
		if !ok {
			op = &OperationSpend{Operation: rec.Operation}
			operations[rec.Operation] = op
		}
		op.CostUSD += rec.CostUSD
		op.Count++
		op.PromptTokens += rec.PromptTokens
		op.CompletionTokens += rec.CompletionTokens

		pm := rec.Provider + "/" + rec.Model
		ms, ok := models[pm]
		if !ok {
			ms = &ProviderModelSpend{Provider: rec.Provider, Model: rec.Model}
			models[pm] = ms
		}
		ms.CostUSD += rec.CostUSD
		ms.Count++
	}

	report.Operations = sortedOperations(operations)
	report.ProviderModels = sortedModels(models)
	report.Days = sortedDays(days)
	if opts.IncludeTenants {
		report.Tenants = topTenants(tenants, opts.TopSpenderLimit)
	}
	report.Anomalies = detectAnomalies(report.HourOfDay, tenants, report.TotalCostUSD)
	if opts.IncludeRecommendations {
		report.Recommendations = recommend(records, report.Operations, report.ProviderModels)
	}
	return report, nil
}

// detectAnomalies flags hour-of-day spikes against a median baseline and
// tenants dominating total spend.
func detectAnomalies(hours [24]float64, tenants map[string]*TenantSpend, total float64) []Anomaly {
	var out []Anomaly

	baseline := medianNonZero(hours[:])
	if baseline > 0 {
		for hour, spend := range hours {
			ratio := spend / baseline
			var severity string
			switch {
			case ratio > spikeCriticalFactor:
				severity = SeverityCritical
			case ratio > spikeHighFactor:
				severity = SeverityHigh
			case ratio > spikeMediumFactor:
				severity = SeverityMedium
			default:
				continue
			}
			out = append(out, Anomaly{
				Kind:     AnomalySpike,
				Severity: severity,
				Description: fmt.Sprintf("spend at hour %02d UTC is %.1fx the median hourly spend",
					hour, ratio),
				Hour:  hour,
				Ratio: ratio,
			})
		}
	}

	if total > 0 {
		for _, ts := range tenants {
			share := ts.CostUSD / total
			if share <= dominantTenantShare {
				continue
			}
			severity := SeverityMedium
			if share > extremeTenantShare {
				severity = SeverityHigh
			}
			out = append(out, Anomaly{
				Kind:     AnomalyUnusualPattern,
				Severity: severity,
				Description: fmt.Sprintf("tenant %s accounts for %.0f%% of total spend",
					ts.TenantID, share*100),
				TenantID: ts.TenantID,
				Ratio:    share,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio > out[j].Ratio })
	return out
}

// recommend derives cost-saving suggestions, sorted by estimated savings.
func recommend(records []Metrics, operations []OperationSpend, models []ProviderModelSpend) []Recommendation {
	var out []Recommendation

	for _, op := range operations {
		if op.Count > cacheMinExecutions {
			out = append(out, Recommendation{
				Kind: RecommendCache,
				Description: fmt.Sprintf("operation %q ran %d times; caching its results could avoid most repeat invocations",
					op.Operation, op.Count),
				EstimatedSavingsUSD: op.CostUSD * cacheSavingsRate,
			})
		}
	}

	// Batching: several records for the same operation inside one minute.
	type window struct {
		minute    string
		operation string
	}
	burstCost := map[string]float64{}
	burstCount := map[window]int{}
	for _, rec := range records {
		w := window{rec.Timestamp.UTC().Format("2006-01-02T15:04"), rec.Operation}
		burstCount[w]++
		if burstCount[w] > batchingMinPerMinute {
			burstCost[rec.Operation] += rec.CostUSD
		}
	}
	for operation, cost := range burstCost {
		out = append(out, Recommendation{
			Kind: RecommendBatching,
			Description: fmt.Sprintf("operation %q issues bursts of calls within a minute; batching them would cut per-call overhead",
				operation),
			EstimatedSavingsUSD: cost * batchingSavingsRate,
		})
	}

	// Downgrade: an expensive model doing small requests.
	tokens := map[string]int{}
	for _, rec := range records {
		tokens[rec.Provider+"/"+rec.Model] += rec.PromptTokens + rec.CompletionTokens
	}
	for _, ms := range models {
		if ms.Count == 0 {
			continue
		}
		avgTokens := tokens[ms.Provider+"/"+ms.Model] / ms.Count
		avgCost := ms.CostUSD / float64(ms.Count)
		if avgTokens < downgradeMaxTokens && avgCost > downgradeMinAvgUSD {
			out = append(out, Recommendation{
				Kind: RecommendModelDowngrade,
				Description: fmt.Sprintf("model %s/%s averages %d tokens per call; a cheaper model likely suffices",
					ms.Provider, ms.Model, avgTokens),
				EstimatedSavingsUSD: ms.CostUSD * downgradeSavingsRate,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EstimatedSavingsUSD > out[j].EstimatedSavingsUSD
	})
	return out
}

func medianNonZero(values []float64) float64 {
	var nonZero []float64
	for _, v := range values {
		if v > 0 {
			nonZero = append(nonZero, v)
		}
	}
	if len(nonZero) == 0 {
		return 0
	}
	sort.Float64s(nonZero)
	mid := len(nonZero) / 2
	if len(nonZero)%2 == 1 {
		return nonZero[mid]
	}
	return (nonZero[mid-1] + nonZero[mid]) / 2
}

func sortedOperations(in map[string]*OperationSpend) []OperationSpend {
	out := make([]OperationSpend, 0, len(in))
	for _, v := range in {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostUSD > out[j].CostUSD })
	return out
}

func sortedModels(in map[string]*ProviderModelSpend) []ProviderModelSpend {
	out := make([]ProviderModelSpend, 0, len(in))
	for _, v := range in {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostUSD > out[j].CostUSD })
	return out
}

func sortedDays(in map[string]float64) []DailySpend {
	out := make([]DailySpend, 0, len(in))
	for day, cost := range in {
		out = append(out, DailySpend{Day: day, CostUSD: cost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

func topTenants(in map[string]*TenantSpend, limit int) []TenantSpend {
	out := make([]TenantSpend, 0, len(in))
	for _, v := range in {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostUSD > out[j].CostUSD })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
