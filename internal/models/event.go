package models

import "strings"

// ConnectionEvent is reported by a proxy node when a client connects
type ConnectionEvent struct {
	UserID         string `json:"userId"`
	NodeID         string `json:"nodeId"`
	RemoteIP       string `json:"remoteIp"`
	ClientName     string `json:"clientName,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	TLSFingerprint string `json:"tlsFingerprint,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	UploadBytes    int64  `json:"uploadBytes"`
	DownloadBytes  int64  `json:"downloadBytes"`
}

const maxAttributeLength = 512

// Validate checks the event and canonicalizes RemoteIP in place
func (e *ConnectionEvent) Validate() error {
	e.UserID = strings.TrimSpace(e.UserID)
	e.NodeID = strings.TrimSpace(e.NodeID)

	if e.UserID == "" {
		return NewValidationError("userId", "cannot be empty")
	}
	if e.NodeID == "" {
		return NewValidationError("nodeId", "cannot be empty")
	}
	ip, err := NormalizeIP(e.RemoteIP)
	if err != nil {
		return err
	}
	e.RemoteIP = ip

	if e.UploadBytes < 0 || e.DownloadBytes < 0 {
		return NewValidationError("traffic", "byte counters cannot be negative")
	}
	for field, v := range map[string]string{
		"clientName":     e.ClientName,
		"userAgent":      e.UserAgent,
		"tlsFingerprint": e.TLSFingerprint,
	} {
		if len(v) > maxAttributeLength {
			return NewValidationError(field, "too long")
		}
	}
	return nil
}

// DecisionOutcome is the result of an admission evaluation
type DecisionOutcome string

const (
	OutcomeAccept DecisionOutcome = "accept"
	OutcomeReject DecisionOutcome = "reject"
)

// RejectReason explains a rejection
type RejectReason string

const (
	ReasonLimitExceeded RejectReason = "limit_exceeded"
	ReasonDeviceBlocked RejectReason = "device_blocked"
)

// Decision is Accept or Reject(reason). A rejection is an expected outcome, not an error.
type Decision struct {
	Outcome DecisionOutcome `json:"outcome"`
	Reason  RejectReason    `json:"reason,omitempty"`
}

// Accept returns an accepting decision
func Accept() Decision {
	return Decision{Outcome: OutcomeAccept}
}

// Reject returns a rejecting decision with reason
func Reject(reason RejectReason) Decision {
	return Decision{Outcome: OutcomeReject, Reason: reason}
}

// Accepted reports whether the decision accepts the connection
func (d Decision) Accepted() bool {
	return d.Outcome == OutcomeAccept
}

// IngestResult is returned to the reporting node
type IngestResult struct {
	Device   *Device  `json:"device,omitempty"`
	IsNew    bool     `json:"isNew"`
	Decision Decision `json:"decision"`
	Epoch    int64    `json:"epoch"`
}
