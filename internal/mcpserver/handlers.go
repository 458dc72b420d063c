package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleComputeScore computes and records a score.
func (h *Handlers) HandleComputeScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	personaID := req.GetString("persona_id", "")
	if personaID == "" {
		return mcp.NewToolResultError("persona_id is required"), nil
	}

	raw, err := h.client.ComputeScore(ctx, personaID, req.GetString("model_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute score: %v", err)), nil
	}

	text, err := formatExplanation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSimulateScore runs a what-if simulation.
func (h *Handlers) HandleSimulateScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	personaID := req.GetString("persona_id", "")
	if personaID == "" {
		return mcp.NewToolResultError("persona_id is required"), nil
	}
	overrides, _ := req.GetArguments()["feature_overrides"].(map[string]any)
	if len(overrides) == 0 {
		return mcp.NewToolResultError("feature_overrides must be a non-empty object"), nil
	}

	raw, err := h.client.SimulateScore(ctx, personaID, req.GetString("model_id", ""), overrides)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Simulation failed: %v", err)), nil
	}

	text, err := formatSimulation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse simulation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleScoreTrend returns monthly score averages.
func (h *Handlers) HandleScoreTrend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	personaID := req.GetString("persona_id", "")
	if personaID == "" {
		return mcp.NewToolResultError("persona_id is required"), nil
	}
	months := req.GetInt("months", 0)

	raw, err := h.client.ScoreTrend(ctx, personaID, req.GetString("model_id", ""), months)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trend: %v", err)), nil
	}

	text, err := formatTrend(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trend: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListModels lists scoring models.
func (h *Handlers) HandleListModels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListModels(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list models: %v", err)), nil
	}

	text, err := formatModelList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse models: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleStartScoreRun starts an asynchronous score run.
func (h *Handlers) HandleStartScoreRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	personaID := req.GetString("persona_id", "")
	if personaID == "" {
		return mcp.NewToolResultError("persona_id is required"), nil
	}

	raw, err := h.client.StartScoreRun(ctx, personaID, req.GetString("model_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
	}

	text, err := formatRun(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse run: %v", err)), nil
	}
	return mcp.NewToolResultText(text + "\nPoll get_score_run with this run_id for the result."), nil
}

// HandleGetScoreRun returns a score run's status.
func (h *Handlers) HandleGetScoreRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	raw, err := h.client.GetScoreRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}

	text, err := formatRun(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse run: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

type bandView struct {
	Label          string `json:"label"`
	MinScore       int    `json:"min_score"`
	MaxScore       int    `json:"max_score"`
	Recommendation string `json:"recommendation"`
}

type explanationView struct {
	PersonaID     string   `json:"persona_id"`
	ModelID       string   `json:"model_id"`
	ModelVersion  string   `json:"model_version"`
	FeatureError  string   `json:"feature_error"`
	RawScore      float64  `json:"raw_score"`
	Score         int      `json:"score"`
	Band          bandView `json:"band"`
	Contributions map[string]struct {
		RawValue     float64 `json:"raw_value"`
		Weight       float64 `json:"weight"`
		Contribution float64 `json:"contribution"`
	} `json:"contributions"`
}

func formatExplanation(raw json.RawMessage) (string, error) {
	var e explanationView
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}

	var sb strings.Builder
	writeExplanation(&sb, &e)
	return sb.String(), nil
}

func writeExplanation(sb *strings.Builder, e *explanationView) {
	fmt.Fprintf(sb, "Persona: %s\n", e.PersonaID)
	fmt.Fprintf(sb, "Model: %s (v%s)\n", e.ModelID, e.ModelVersion)
	fmt.Fprintf(sb, "Score: %d / 1000\n", e.Score)
	fmt.Fprintf(sb, "Risk band: %s (%d-%d)\n", e.Band.Label, e.Band.MinScore, e.Band.MaxScore)
	if e.Band.Recommendation != "" {
		fmt.Fprintf(sb, "Recommendation: %s\n", e.Band.Recommendation)
	}
	if e.FeatureError != "" {
		fmt.Fprintf(sb, "Note: activity data unavailable (%s); defaults were used\n", e.FeatureError)
	}
	if len(e.Contributions) == 0 {
		return
	}

	keys := make([]string, 0, len(e.Contributions))
	for k := range e.Contributions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("\nContributions:\n")
	for _, k := range keys {
		c := e.Contributions[k]
		fmt.Fprintf(sb, "  %s: %.4g x %.4g = %.4g\n", k, c.RawValue, c.Weight, c.Contribution)
	}
}

func formatSimulation(raw json.RawMessage) (string, error) {
	var resp struct {
		Original  map[string]any `json:"original"`
		Simulated map[string]any `json:"simulated"`
		Impact    struct {
			ScoreChange int `json:"score_change"`
			BandChange  struct {
				From string `json:"from"`
				To   string `json:"to"`
			} `json:"band_change"`
			RiskLevelChange string `json:"risk_level_change"`
		} `json:"impact"`
		AppliedOverrides map[string]any `json:"applied_overrides"`
		DroppedOverrides []string       `json:"dropped_overrides"`
		Warnings         []string       `json:"warnings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Original score: %s\n", getString(resp.Original, "score"))
	fmt.Fprintf(&sb, "Simulated score: %s\n", getString(resp.Simulated, "score"))
	fmt.Fprintf(&sb, "Change: %+d\n", resp.Impact.ScoreChange)
	fmt.Fprintf(&sb, "Band: %s -> %s (%s)\n",
		resp.Impact.BandChange.From, resp.Impact.BandChange.To, resp.Impact.RiskLevelChange)

	if len(resp.AppliedOverrides) > 0 {
		keys := make([]string, 0, len(resp.AppliedOverrides))
		for k := range resp.AppliedOverrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&sb, "Applied overrides: %s\n", strings.Join(keys, ", "))
	}
	if len(resp.DroppedOverrides) > 0 {
		fmt.Fprintf(&sb, "Dropped overrides: %s\n", strings.Join(resp.DroppedOverrides, ", "))
	}
	for _, w := range resp.Warnings {
		fmt.Fprintf(&sb, "Warning: %s\n", w)
	}
	return sb.String(), nil
}

func formatTrend(raw json.RawMessage) (string, error) {
	var resp struct {
		PersonaID string `json:"persona_id"`
		Trend     []struct {
			Month    string  `json:"month"`
			AvgScore float64 `json:"avg_score"`
			Count    int     `json:"count"`
		} `json:"trend"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Trend) == 0 {
		return "No scores recorded in this period.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Score trend for %s:\n", resp.PersonaID)
	for _, p := range resp.Trend {
		fmt.Fprintf(&sb, "  %s: %.1f (%d score(s))\n", p.Month, p.AvgScore, p.Count)
	}
	return sb.String(), nil
}

func formatModelList(raw json.RawMessage) (string, error) {
	var resp struct {
		Models []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Version string `json:"version"`
			Factors []struct {
				FeatureKey string  `json:"feature_key"`
				Weight     float64 `json:"weight"`
			} `json:"factors"`
			Bands []bandView `json:"bands"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Models) == 0 {
		return "No models configured.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d model(s):\n", len(resp.Models))
	for i, m := range resp.Models {
		fmt.Fprintf(&sb, "\n%d. %s (%s, v%s)\n", i+1, m.ID, m.Name, m.Version)
		for _, f := range m.Factors {
			fmt.Fprintf(&sb, "   factor %s weight %g\n", f.FeatureKey, f.Weight)
		}
		for _, b := range m.Bands {
			fmt.Fprintf(&sb, "   band %s %d-%d\n", b.Label, b.MinScore, b.MaxScore)
		}
	}
	return sb.String(), nil
}

func formatRun(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run: %s\n", getString(m, "id"))
	fmt.Fprintf(&sb, "Persona: %s\n", getString(m, "persona_id"))
	fmt.Fprintf(&sb, "Status: %s\n", getString(m, "status"))
	if v := getString(m, "score_result"); v != "" {
		fmt.Fprintf(&sb, "Score: %s\n", v)
	}
	if v := getString(m, "risk_band"); v != "" {
		fmt.Fprintf(&sb, "Risk band: %s\n", v)
	}
	if v := getString(m, "error"); v != "" {
		fmt.Fprintf(&sb, "Error: %s\n", v)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
