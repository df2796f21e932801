package main

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type sessionRequest struct {
	fn   func(p *Printer)
	done chan struct{}
}

// PrinterSession is the only goroutine that touches the Printer. Reports are applied
// in arrival order; other goroutines read snapshots or queue functions with Do.
type PrinterSession struct {
	printer      *Printer
	events       *Events
	inbound      <-chan []byte
	connectivity <-chan bool
	requests     chan sessionRequest
	logger       *log.Entry

	keepAlive      time.Duration
	printerUp      bool
	transportConns int

	snapshot  atomic.Pointer[PrinterSnapshot]
	connected atomic.Bool
}

// NewPrinterSession wires a printer to its transport feeds
func NewPrinterSession(publisher CommandPublisher, inbound <-chan []byte, connectivity <-chan bool, events *Events) *PrinterSession {
	s := &PrinterSession{
		printer:      NewPrinter(publisher, events.Trays),
		events:       events,
		inbound:      inbound,
		connectivity: connectivity,
		requests:     make(chan sessionRequest),
		logger:       log.WithField("component", "session"),
		keepAlive:    KeepAliveTimeout,
	}
	s.snapshot.Store(s.printer.Snapshot())
	return s
}

// Snapshot returns the printer state as of the last applied report
func (s *PrinterSession) Snapshot() *PrinterSnapshot {
	return s.snapshot.Load()
}

// Connected reports whether the printer has been heard from recently
func (s *PrinterSession) Connected() bool {
	return s.connected.Load()
}

// Run processes reports until ctx is cancelled
func (s *PrinterSession) Run(ctx context.Context) error {
	timer := time.NewTimer(s.keepAlive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-s.inbound:
			if !ok {
				s.inbound = nil
				continue
			}
			s.handlePayload(payload)
			timer.Reset(s.keepAlive)
		case up, ok := <-s.connectivity:
			if !ok {
				s.connectivity = nil
				continue
			}
			s.handleTransport(up)
		case req := <-s.requests:
			req.fn(s.printer)
			s.snapshot.Store(s.printer.Snapshot())
			close(req.done)
		case <-timer.C:
			s.handleSilence()
			timer.Reset(s.keepAlive)
		}
	}
}

// Do runs fn on the session goroutine and waits for it to finish
func (s *PrinterSession) Do(ctx context.Context, fn func(p *Printer)) error {
	req := sessionRequest{fn: fn, done: make(chan struct{})}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PrinterSession) handlePayload(payload []byte) {
	msg, err := ParsePrintMessage(payload)
	if errors.Is(err, ErrNoPrintSection) {
		s.setPrinterUp(true)
		return
	}
	if err != nil {
		s.logger.Warnf("Unprocessed message: %v", err)
		s.logger.Debugf("Payload: %s", payload)
		return
	}
	s.setPrinterUp(true)

	changed, cs := s.printer.ProcessMessage(msg)
	if !changed {
		return
	}
	s.snapshot.Store(s.printer.Snapshot())
	s.printer.Notify(cs)
}

func (s *PrinterSession) handleTransport(up bool) {
	if !up {
		s.logger.Warn("Printer transport disconnected")
		s.setPrinterUp(false)
		return
	}
	s.transportConns++
	if s.transportConns == 1 {
		s.logger.Info("Printer transport connected, fetching initial state")
		s.printer.InitialFetch()
		return
	}
	s.logger.Info("Printer transport reconnected, requesting full update")
	s.printer.RequestFullUpdate()
}

func (s *PrinterSession) handleSilence() {
	if !s.printerUp {
		return
	}
	s.logger.Warn("Printer connectivity issues suspected, checking")
	s.printer.RequestFullUpdate()
	s.setPrinterUp(false)
}

func (s *PrinterSession) setPrinterUp(up bool) {
	if s.printerUp == up {
		return
	}
	s.printerUp = up
	s.connected.Store(up)
	s.events.Connectivity.Publish(ConnectivityChange{Connected: up})
}
