package main

import (
	"fmt"
	"time"
)

// WSNotifier delivers notifications to the connections subscribed to a topic.
type WSNotifier struct {
	notify func(topic string, method string, params RPCDataParams)
	logger Logger
}

func NewWSNotifier(notifyFunc func(topic string, method string, params RPCDataParams), logger Logger) *WSNotifier {
	return &WSNotifier{
		notify: notifyFunc,
		logger: logger,
	}
}

func (n *WSNotifier) Notify(notifications ...*Notification) {
	for _, notification := range notifications {
		if notification != nil {
			n.notify(notification.topic, notification.eventType.String(), notification.data)
			if n.logger != nil {
				n.logger.Debug(fmt.Sprintf("%s notification sent", notification.eventType), "topic", notification.topic)
			}
		}
	}
}

type Notification struct {
	topic     string
	eventType EventType
	data      any
}

type EventType string

const (
	CustodyIDUpdateEventType EventType = "custody_id_update"
)

func (e EventType) String() string {
	return string(e)
}

// ledgerTopic is the subscription topic of a ledger.
func ledgerTopic(ledgerID string) string {
	return "ledger:" + ledgerID
}

// CustodyIDUpdate is pushed to ledger subscribers after every mutation.
// CustodyID is empty once the ledger has been cleared.
type CustodyIDUpdate struct {
	LedgerID    string `json:"ledger_id"`
	Epoch       uint64 `json:"epoch"`
	Version     uint64 `json:"version"`
	ActionCount int    `json:"action_count"`
	CustodyID   string `json:"custody_id"`
	UpdatedAt   string `json:"updated_at"`
}

func NewCustodyIDNotification(ledger CustodyLedger) *Notification {
	return &Notification{
		topic:     ledgerTopic(ledger.ID),
		eventType: CustodyIDUpdateEventType,
		data: CustodyIDUpdate{
			LedgerID:    ledger.ID,
			Epoch:       ledger.Epoch,
			Version:     ledger.Version,
			ActionCount: ledger.ActionCount,
			CustodyID:   ledger.CustodyID,
			UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
		},
	}
}
