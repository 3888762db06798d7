package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime observability spans and metrics.
var (
	AttrThreadID  = attribute.Key("thread.id")
	AttrRunID     = attribute.Key("run.id")
	AttrRunStatus = attribute.Key("run.status")

	AttrAPIOp   = attribute.Key("api.op")
	AttrStoreOp = attribute.Key("store.op")

	AttrTokensPrompt     = attribute.Key("run.tokens.prompt")
	AttrTokensCompletion = attribute.Key("run.tokens.completion")

	AttrRunnerChunks = attribute.Key("runner.chunks")
)
