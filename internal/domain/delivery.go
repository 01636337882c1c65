package domain

import "time"

// DeliveryStatus is the final state of one endpoint dispatch.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ResponseBodyLimit caps how much of a webhook response body is persisted
// on a delivery record.
const ResponseBodyLimit = 2048

// EndpointDelivery records one dispatch of a received email to an endpoint:
// the outgoing payload, the outcome, and timing. Rows follow their
// ReceivedEmail on delete.
type EndpointDelivery struct {
	ID         string `json:"id" db:"id"`
	EmailID    string `json:"email_id" db:"email_id"`
	EndpointID string `json:"endpoint_id" db:"endpoint_id"`

	DeliveryType EndpointType `json:"delivery_type" db:"delivery_type"`
	// Target snapshots where the dispatch went: the webhook URL, or the
	// comma-joined forward recipients.
	Target  string  `json:"target" db:"target"`
	Payload *string `json:"payload,omitempty" db:"payload"`

	Status   DeliveryStatus `json:"status" db:"status"`
	Attempts int            `json:"attempts" db:"attempts"`

	ResponseCode *int    `json:"response_code" db:"response_code"`
	ResponseBody *string `json:"response_body" db:"response_body"`
	ErrorMessage *string `json:"error_message" db:"error_message"`

	DeliveryTimeMS *int64     `json:"delivery_time_ms" db:"delivery_time_ms"`
	LastAttemptAt  *time.Time `json:"last_attempt_at" db:"last_attempt_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TruncateResponseBody clips a response body to ResponseBodyLimit bytes.
func TruncateResponseBody(body string) string {
	if len(body) <= ResponseBodyLimit {
		return body
	}
	return body[:ResponseBodyLimit]
}
