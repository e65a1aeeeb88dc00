package internal

import "time"

const FeatureLogMessageType = "featureLogMessage"

// FeatureLogMessage is one log record as stored in the log collection.
// Time is a human-readable local timestamp; TimeStamp is the UTC instant
// used for sorting.
type FeatureLogMessage struct {
	Time          string    `json:"time" bson:"time"`
	TimeStamp     time.Time `json:"timestamp" bson:"timestamp"`
	Importance    string    `json:"importance" bson:"importance"`
	Feature       string    `json:"feature" bson:"feature"`
	ChargePointId string    `json:"id" bson:"charge_point_id"`
	Text          string    `json:"text" bson:"text"`
}

func (fm *FeatureLogMessage) DataType() string {
	return FeatureLogMessageType
}
