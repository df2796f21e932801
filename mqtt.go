package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 250 // ms
	discoveryWindow       = 30 * time.Second
)

// MQTTTransport connects to the printer's MQTT broker. Reports are pushed to the
// inbound feed and commands are sent from a bounded queue; neither side blocks the
// session.
type MQTTTransport struct {
	printer      PrinterConfig
	outgoing     chan []byte
	inbound      chan []byte
	connectivity chan bool
	stopped      chan struct{}
	logger       *log.Entry

	// OnDiscovered is called when the printer address was found by discovery
	OnDiscovered func(PrinterLocation)
}

func NewMQTTTransport(printer PrinterConfig) *MQTTTransport {
	return &MQTTTransport{
		printer:      printer,
		outgoing:     make(chan []byte, OutgoingQueueSize),
		inbound:      make(chan []byte, InboundFeedSize),
		connectivity: make(chan bool, 4),
		stopped:      make(chan struct{}),
		logger:       log.WithField("component", "mqtt"),
	}
}

// Inbound is the feed of raw report payloads
func (t *MQTTTransport) Inbound() <-chan []byte { return t.inbound }

// Connectivity carries true on every (re)connect and false on connection loss
func (t *MQTTTransport) Connectivity() <-chan bool { return t.connectivity }

// Publish queues a command for the printer, false when the queue is full
func (t *MQTTTransport) Publish(payload []byte) bool {
	select {
	case t.outgoing <- payload:
		return true
	default:
		return false
	}
}

func (t *MQTTTransport) signal(up bool) {
	select {
	case t.connectivity <- up:
	case <-t.stopped:
	}
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case t.inbound <- msg.Payload():
	default:
		t.logger.Warn("Inbound feed full, dropping printer report")
	}
}

func (t *MQTTTransport) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", t.printer.IP, MQTTPort)).
		SetClientID(fmt.Sprintf("spoolbridge-%d", time.Now().UnixNano())).
		SetUsername(MQTTUser).
		SetPassword(t.printer.AccessCode).
		// printers present self-signed certificates
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetKeepAlive(KeepAliveTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := ReportTopic(t.printer.Serial)
		token := c.Subscribe(topic, 0, t.onMessage)
		if !token.WaitTimeout(mqttPublishTimeout) || token.Error() != nil {
			t.logger.Errorf("Failed to subscribe to %s: %v", topic, token.Error())
			return
		}
		t.logger.Infof("Connected to printer at %s", t.printer.IP)
		t.signal(true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warnf("Connection to printer lost: %v", err)
		t.signal(false)
	})
	return opts
}

// Run connects and forwards queued commands until ctx is cancelled
func (t *MQTTTransport) Run(ctx context.Context) error {
	defer close(t.stopped)

	if t.printer.IP == "" {
		loc, err := discoverWithRetry(ctx, t.printer.Serial, discoveryWindow)
		if err != nil {
			return nil
		}
		t.printer.IP = loc.IP
		if t.printer.Name == "" || t.printer.Name == DefaultPrinterName {
			t.printer.Name = loc.Name
		}
		if t.OnDiscovered != nil {
			t.OnDiscovered(loc)
		}
	}

	client := mqtt.NewClient(t.clientOptions())
	client.Connect()
	defer client.Disconnect(mqttDisconnectQuiesce)

	topic := RequestTopic(t.printer.Serial)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-t.outgoing:
			if !client.IsConnectionOpen() {
				t.logger.Warnf("Not connected, dropping command %s", payload)
				continue
			}
			token := client.Publish(topic, 0, false, payload)
			if !token.WaitTimeout(mqttPublishTimeout) {
				t.logger.Warn("Timed out publishing command")
			} else if err := token.Error(); err != nil {
				t.logger.Errorf("Failed to publish command: %v", err)
			}
		}
	}
}
