package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the altscore MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolComputeScore = mcp.NewTool("compute_score",
	mcp.WithDescription(
		"Compute and record a credit score (0-1000) for a persona from its alternative-data activity. "+
			"Returns the score, the risk band with its recommendation, and each factor's contribution."),
	mcp.WithString("persona_id",
		mcp.Required(),
		mcp.Description("Persona identifier (e.g. 'per_3f2a...')")),
	mcp.WithString("model_id",
		mcp.Description("Scoring model to use. Defaults to the server's default model.")),
)

var ToolSimulateScore = mcp.NewTool("simulate_score",
	mcp.WithDescription(
		"Run a what-if simulation: override some features and see how the score and risk band would move. "+
			"Nothing is recorded. Derived features are recomputed unless overridden."),
	mcp.WithString("persona_id",
		mcp.Required(),
		mcp.Description("Persona identifier")),
	mcp.WithString("model_id",
		mcp.Description("Scoring model to use")),
	mcp.WithObject("feature_overrides",
		mcp.Required(),
		mcp.Description("Feature values to override, e.g. {\"bills_paid_ratio\": 0.95, \"has_remittances\": true}")),
)

var ToolScoreTrend = mcp.NewTool("score_trend",
	mcp.WithDescription(
		"Get the monthly average score for a persona over recent months. Months without scores are omitted."),
	mcp.WithString("persona_id",
		mcp.Required(),
		mcp.Description("Persona identifier")),
	mcp.WithString("model_id",
		mcp.Description("Restrict to one scoring model")),
	mcp.WithNumber("months",
		mcp.Description("Number of months to look back, 1-36 (default 6)")),
)

var ToolListModels = mcp.NewTool("list_models",
	mcp.WithDescription(
		"List the configured scoring models with their versions, weighted factors and risk bands."),
)

var ToolStartScoreRun = mcp.NewTool("start_score_run",
	mcp.WithDescription(
		"Start an asynchronous score computation and return its run id immediately. "+
			"Poll with get_score_run until the status is completed, failed or cancelled."),
	mcp.WithString("persona_id",
		mcp.Required(),
		mcp.Description("Persona identifier")),
	mcp.WithString("model_id",
		mcp.Description("Scoring model to use")),
)

var ToolGetScoreRun = mcp.NewTool("get_score_run",
	mcp.WithDescription(
		"Get the status and result of a score run started with start_score_run."),
	mcp.WithString("run_id",
		mcp.Required(),
		mcp.Description("The run id returned by start_score_run")),
)
