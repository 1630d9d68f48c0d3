package script

// Kind enumerates the user script kinds, each with its own scope shape.
type Kind string

const (
	KindDeploy             Kind = "deploy"
	KindUndeploy           Kind = "undeploy"
	KindPreprocessor       Kind = "preprocessor"
	KindSourceFilter       Kind = "source_filter"
	KindSourceTransformer  Kind = "source_transformer"
	KindDestinationFilter  Kind = "destination_filter"
	KindDestinationTransformer Kind = "destination_transformer"
	KindResponseTransformer Kind = "response_transformer"
	KindPostprocessor      Kind = "postprocessor"
)

// Scope is the set of variables exposed to a script invocation. Which
// fields are populated depends on Kind; callers build a Scope with exactly
// the fields that kind sees.
type Scope struct {
	ChannelID        string
	ChannelName      string
	GlobalMap        map[string]interface{}
	GlobalChannelMap map[string]interface{}

	// present for preprocessor and later kinds
	SourceMap    map[string]interface{}
	ConnectorMap map[string]interface{}
	ChannelMap   map[string]interface{}
	ResponseMap  map[string]interface{}

	// filter/transformer and later
	Msg      string
	Tmp      string
	Template string
	Phase    string

	// response transformer only
	ResponseStatus        string
	ResponseStatusMessage string
	ResponseErrorMessage  string

	// For the postprocessor the maps above are the union across every
	// connector, assembled by the caller before invocation.
}

// ReadBack is the declared set of scope variables the runtime reads back
// after execution and writes into the ConnectorMessage or Response,
// captured even when the script did not explicitly return a value.
type ReadBack struct {
	Msg                   string
	Tmp                   string
	ResponseStatus        string
	ResponseStatusMessage string
	ResponseErrorMessage  string
	DestinationSet        []string // preprocessor-only: source-stage destination control

	// FilterPassed is the program's completion value coerced to boolean.
	// Filter scripts are compiled as an IIFE expression (script.BuildFilterScript)
	// so this is meaningful; non-filter callers ignore it.
	FilterPassed bool
}
