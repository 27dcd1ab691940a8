package model

import "time"

// Topic is one subscribed topic (or AMQP link address) plus its QoS.
type Topic struct {
	Name string
	QoS  byte
}

// Session is the live per-device record held by the shadow session table
// (C7): one per (peer, device) pair. The table knows the Transport field
// only through the shadow.Disposable interface; the owning adapter
// interprets the rest.
type Session struct {
	PrefixedName string
	EndpointType string
	Topics       []Topic

	// Transport is the adapter-owned connection handle. On removal the
	// table calls its Unsubscribe and Disconnect methods when it
	// implements shadow.Disposable, and otherwise leaves it untouched.
	Transport interface{}

	// Stop, when closed, asks the listener goroutine servicing this
	// session to halt at its next suspension point.
	Stop chan struct{}

	// Done is closed by the listener goroutine once it has returned,
	// so RemoveSession can join it before freeing the record.
	Done chan struct{}

	LastState time.Time
}

// CorrelationRecord is a pending async CoAP request awaiting either an
// async-response-id completion or a timeout, whichever comes first.
type CorrelationRecord struct {
	AsyncID        string
	Verb           string
	DeviceID       string
	URI            string
	InboundTopic   string
	ReplyTopic     string
	OriginalPayload []byte
	Created        time.Time
}
