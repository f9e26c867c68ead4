package agent

// Agent names. They double as provider routing keys.
const (
	Scout       = "scout"
	Quant       = "quant"
	Skeptic     = "skeptic"
	Synthesizer = "synthesizer"
	Assistant   = "assistant"
)

// Tool names shared with the MCP servers.
const (
	ToolWebSearch            = "web_search"
	ToolGetCompanyDocs       = "get_company_docs"
	ToolSearchCompanyDocs    = "search_company_docs"
	ToolGetMarketPulse       = "get_market_pulse"
	ToolGetMacroContext      = "get_macro_context"
	ToolGetAssetFundamentals = "get_asset_fundamentals"
	ToolGetPriceHistory      = "get_price_history"
	ToolExecutePython        = "execute_python"
	ToolRunValuationModel    = "run_valuation_model"
	ToolScenarioMatrix       = "generate_scenario_matrix"
	ToolTechnicalIndicators  = "get_technical_indicators"
	ToolEarningsTone         = "analyze_earnings_tone"
	ToolSectorComparison     = "get_sector_comparison"
)

var scoutTools = []string{
	ToolWebSearch,
	ToolGetCompanyDocs,
	ToolSearchCompanyDocs,
	ToolGetMarketPulse,
	ToolGetMacroContext,
	ToolGetAssetFundamentals,
	ToolGetPriceHistory,
}

var quantTools = []string{
	ToolExecutePython,
	ToolRunValuationModel,
	ToolScenarioMatrix,
	ToolGetAssetFundamentals,
	ToolGetPriceHistory,
	ToolTechnicalIndicators,
	ToolEarningsTone,
	ToolSectorComparison,
}

// Allowlist returns a copy of the tools agent may call. The skeptic and any
// unknown agent get none.
func Allowlist(agent string) []string {
	switch agent {
	case Scout:
		return append([]string(nil), scoutTools...)
	case Quant:
		return append([]string(nil), quantTools...)
	default:
		return nil
	}
}

// Allowlists returns every agent's allowlist, for startup checks.
func Allowlists() map[string][]string {
	return map[string][]string{
		Scout:   Allowlist(Scout),
		Quant:   Allowlist(Quant),
		Skeptic: Allowlist(Skeptic),
	}
}
