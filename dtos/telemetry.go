package dtos

// TelemetryConfig is the one-shot init payload posted to /metrics/config.
type TelemetryConfig struct {
	OperationMode      int                   `json:"oM"`
	StorageType        string                `json:"sT"`
	StreamingEnabled   bool                  `json:"sE"`
	RefreshRates       TelemetryRates        `json:"rR"`
	URLOverrides       TelemetryURLOverrides `json:"uO"`
	ImpressionsQueueSize int64               `json:"iQ"`
	EventsQueueSize      int64               `json:"eQ"`
	ImpressionsMode      int                 `json:"iM"`
	ImpressionsListener  bool                `json:"iL"`
	HTTPProxyDetected    bool                `json:"hP"`
	ActiveFactories      int64               `json:"aF"`
	RedundantFactories   int64               `json:"rF"`
	TimeUntilReady       int64               `json:"tR"`
	BurTimeouts          int64               `json:"bT"`
	NonReadyUsages       int64               `json:"nR"`
	Tags                 []string            `json:"t,omitempty"`
	FlagSetsTotal        int64               `json:"fsT"`
	FlagSetsInvalid      int64               `json:"fsI"`
}

// TelemetryRates echoes the configured task periods, in seconds.
type TelemetryRates struct {
	Splits      int64 `json:"sp"`
	Segments    int64 `json:"se"`
	Impressions int64 `json:"im"`
	Events      int64 `json:"ev"`
	Telemetry   int64 `json:"te"`
}

// TelemetryURLOverrides flags which base URLs differ from the defaults.
type TelemetryURLOverrides struct {
	Sdk       bool `json:"s"`
	Events    bool `json:"e"`
	Auth      bool `json:"a"`
	Stream    bool `json:"st"`
	Telemetry bool `json:"t"`
}

// TelemetryStats is the periodic usage payload posted to /metrics/usage.
type TelemetryStats struct {
	LastSynchronizations *LastSynchronization `json:"lS,omitempty"`
	MethodLatencies      *MethodLatencies     `json:"mL,omitempty"`
	MethodExceptions     *MethodExceptions    `json:"mE,omitempty"`
	HTTPErrors           *HTTPErrors          `json:"hE,omitempty"`
	HTTPLatencies        *HTTPLatencies       `json:"hL,omitempty"`
	TokenRefreshes       int64                `json:"tR,omitempty"`
	AuthRejections       int64                `json:"aR,omitempty"`
	ImpressionsQueued    int64                `json:"iQ,omitempty"`
	ImpressionsDeduped   int64                `json:"iDe,omitempty"`
	ImpressionsDropped   int64                `json:"iDr,omitempty"`
	SplitCount           int64                `json:"spC,omitempty"`
	SegmentCount         int64                `json:"seC,omitempty"`
	SegmentKeyCount      int64                `json:"skC,omitempty"`
	SessionLengthMs      int64                `json:"sL,omitempty"`
	EventsQueued         int64                `json:"eQ,omitempty"`
	EventsDropped        int64                `json:"eD,omitempty"`
	StreamingEvents      []StreamingEvent     `json:"sE,omitempty"`
	UpdatesFromSSE       *UpdatesFromSSE      `json:"ufs,omitempty"`
	Tags                 []string             `json:"t,omitempty"`
}

// LastSynchronization records the epoch-millis of the last successful call
// per resource.
type LastSynchronization struct {
	Splits           int64 `json:"sp,omitempty"`
	Segments         int64 `json:"se,omitempty"`
	Impressions      int64 `json:"im,omitempty"`
	ImpressionCounts int64 `json:"ic,omitempty"`
	Events           int64 `json:"ev,omitempty"`
	Telemetry        int64 `json:"te,omitempty"`
	Token            int64 `json:"to,omitempty"`
}

// MethodLatencies carries one latency-bucket histogram per public method.
type MethodLatencies struct {
	Treatment                      []int64 `json:"t,omitempty"`
	Treatments                     []int64 `json:"ts,omitempty"`
	TreatmentWithConfig            []int64 `json:"tc,omitempty"`
	TreatmentsWithConfig           []int64 `json:"tcs,omitempty"`
	TreatmentsByFlagSet            []int64 `json:"tf,omitempty"`
	TreatmentsByFlagSets           []int64 `json:"tfs,omitempty"`
	TreatmentsWithConfigByFlagSet  []int64 `json:"tcf,omitempty"`
	TreatmentsWithConfigByFlagSets []int64 `json:"tcfs,omitempty"`
	Track                          []int64 `json:"tr,omitempty"`
}

// MethodExceptions counts evaluation failures per public method.
type MethodExceptions struct {
	Treatment                      int64 `json:"t,omitempty"`
	Treatments                     int64 `json:"ts,omitempty"`
	TreatmentWithConfig            int64 `json:"tc,omitempty"`
	TreatmentsWithConfig           int64 `json:"tcs,omitempty"`
	TreatmentsByFlagSet            int64 `json:"tf,omitempty"`
	TreatmentsByFlagSets           int64 `json:"tfs,omitempty"`
	TreatmentsWithConfigByFlagSet  int64 `json:"tcf,omitempty"`
	TreatmentsWithConfigByFlagSets int64 `json:"tcfs,omitempty"`
	Track                          int64 `json:"tr,omitempty"`
}

// HTTPErrors counts HTTP failures per resource, keyed by status code.
type HTTPErrors struct {
	Splits           map[int]int64 `json:"sp,omitempty"`
	Segments         map[int]int64 `json:"se,omitempty"`
	Impressions      map[int]int64 `json:"im,omitempty"`
	ImpressionCounts map[int]int64 `json:"ic,omitempty"`
	Events           map[int]int64 `json:"ev,omitempty"`
	Telemetry        map[int]int64 `json:"te,omitempty"`
	Token            map[int]int64 `json:"to,omitempty"`
}

// HTTPLatencies carries one latency-bucket histogram per resource.
type HTTPLatencies struct {
	Splits           []int64 `json:"sp,omitempty"`
	Segments         []int64 `json:"se,omitempty"`
	Impressions      []int64 `json:"im,omitempty"`
	ImpressionCounts []int64 `json:"ic,omitempty"`
	Events           []int64 `json:"ev,omitempty"`
	Telemetry        []int64 `json:"te,omitempty"`
	Token            []int64 `json:"to,omitempty"`
}

// StreamingEvent is one push-subsystem lifecycle event.
type StreamingEvent struct {
	Type int   `json:"e"`
	Data int64 `json:"d"`
	Time int64 `json:"t"`
}

// UpdatesFromSSE counts storage updates applied straight from streaming
// payloads, without a catch-up fetch.
type UpdatesFromSSE struct {
	Splits int64 `json:"sp"`
}
