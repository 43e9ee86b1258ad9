package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for panelmux observability spans and metrics.
var (
	AttrLLMModel  = attribute.Key("llm.model")
	AttrLLMMethod = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrAgentID = attribute.Key("agent.id")
)
