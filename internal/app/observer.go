package app

import (
	"time"

	"github.com/frlp-jornadas/certship/internal/domain"
)

// Observer receives dispatch events. Calls happen synchronously on the
// dispatch loop.
type Observer interface {
	OnSessionOpened()
	OnSessionClosed(reason CloseReason, sends int)
	OnDelivered(id domain.Identity, took time.Duration)
	OnDeliveryFailed(id domain.Identity, stage domain.FailureStage)
}

// BaseObserver implements Observer with no-ops. Embed it to override only
// the events of interest.
type BaseObserver struct{}

func (BaseObserver) OnSessionOpened()                                               {}
func (BaseObserver) OnSessionClosed(reason CloseReason, sends int)                  {}
func (BaseObserver) OnDelivered(id domain.Identity, took time.Duration)             {}
func (BaseObserver) OnDeliveryFailed(id domain.Identity, stage domain.FailureStage) {}

// multiObserver fans events out in registration order.
type multiObserver []Observer

func (m multiObserver) OnSessionOpened() {
	for _, o := range m {
		o.OnSessionOpened()
	}
}

func (m multiObserver) OnSessionClosed(reason CloseReason, sends int) {
	for _, o := range m {
		o.OnSessionClosed(reason, sends)
	}
}

func (m multiObserver) OnDelivered(id domain.Identity, took time.Duration) {
	for _, o := range m {
		o.OnDelivered(id, took)
	}
}

func (m multiObserver) OnDeliveryFailed(id domain.Identity, stage domain.FailureStage) {
	for _, o := range m {
		o.OnDeliveryFailed(id, stage)
	}
}
