package dtos

// Impression is one evaluation outcome as tracked internally and posted to
// the backend. The short json tags are the bulk-post wire names.
type Impression struct {
	KeyName      string `json:"keyName"`
	BucketingKey string `json:"bucketingKey,omitempty"`
	FeatureName  string `json:"feature"`
	Treatment    string `json:"treatment"`
	Label        string `json:"label"`
	ChangeNumber int64  `json:"changeNumber"`
	Time         int64  `json:"time"`
	Pt           int64  `json:"pt,omitempty"`
}

// ImpressionsDTO groups the impressions of one feature for POST
// /testImpressions/bulk.
type ImpressionsDTO struct {
	TestName       string          `json:"f"`
	KeyImpressions []ImpressionDTO `json:"i"`
}

// ImpressionDTO is the compact per-key wire form.
type ImpressionDTO struct {
	KeyName      string `json:"k"`
	BucketingKey string `json:"b,omitempty"`
	Treatment    string `json:"t"`
	Label        string `json:"r"`
	ChangeNumber int64  `json:"c"`
	Time         int64  `json:"m"`
	Pt           int64  `json:"pt,omitempty"`
}

// ImpressionCountsDTO is the payload of POST /testImpressions/count.
type ImpressionCountsDTO struct {
	PerFeature []ImpressionCountDTO `json:"pf"`
}

// ImpressionCountDTO counts suppressed impressions of one feature within one
// hour-truncated time frame.
type ImpressionCountDTO struct {
	FeatureName string `json:"f"`
	TimeFrame   int64  `json:"m"`
	RawCount    int64  `json:"rc"`
}

// Metadata identifies the SDK instance in queue-stored records and headers.
type Metadata struct {
	SDKVersion  string `json:"s"`
	MachineIP   string `json:"i"`
	MachineName string `json:"n"`
}

// ImpressionQueueObject is the redis list element for consumer-mode
// impressions: impression plus instance metadata.
type ImpressionQueueObject struct {
	Metadata   Metadata   `json:"m"`
	Impression Impression `json:"i"`
}

// UniqueKeysDTO is the payload of POST /keys/ss (NONE impressions mode).
type UniqueKeysDTO struct {
	Keys []UniqueKeysFeatureDTO `json:"keys"`
}

// UniqueKeysFeatureDTO lists the distinct matching keys seen for one feature.
type UniqueKeysFeatureDTO struct {
	Feature string   `json:"f"`
	Keys    []string `json:"ks"`
}
