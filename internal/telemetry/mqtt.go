// Package telemetry publishes mediator events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/util"
)

// MQTT topics
const (
	TopicAdmin    = "partyline/admin"
	TopicStatus   = "partyline/status"
	TopicQueue    = "partyline/queue"
	TopicRequests = "partyline/requests"
	TopicSockets  = "partyline/sockets"
)

// MQTTHandler manages the MQTT connection and publishes telemetry events
// with TLS/mTLS support.
type MQTTHandler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.ApplicationData.MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	// Build system metadata
	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.Platform,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": "1.0.0",
	}

	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: metadata,
	}

	// Configure MQTT client
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("partyline-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	// TLS configuration
	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Private broker CA
		if mqttCfg.CAFile != "" {
			caPEM, err := os.ReadFile(mqttCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no certificates found in %s", mqttCfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}

		// mTLS: load client certificate
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	// Connection callbacks
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker and subscribes to events.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.ApplicationData.MQTT.BrokerURL).
		Int("port", h.cfg.ApplicationData.MQTT.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	// Subscribe to EventBus events for publishing
	h.subscribeEvents()

	// Block until context cancelled
	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventPacketQueueFull, "mqtt.queueFull", h.onQueueFull)
	h.eventBus.Subscribe(events.EventConnectionRequestReceived, "mqtt.requestReceived", h.onRequestReceived)
	h.eventBus.Subscribe(events.EventConnectionRequestRemoved, "mqtt.requestRemoved", h.onRequestRemoved)
	h.eventBus.Subscribe(events.EventSocketRegistered, "mqtt.socketRegistered", h.onSocketRegistered)
	h.eventBus.Subscribe(events.EventSocketUnregistered, "mqtt.socketUnregistered", h.onSocketUnregistered)
	h.eventBus.Subscribe(events.EventUserLoggedIn, "mqtt.userLoggedIn", h.onUserLoggedIn)
	h.eventBus.Subscribe(events.EventUserLoggedOut, "mqtt.userLoggedOut", h.onUserLoggedOut)
	h.eventBus.Subscribe(events.EventNotifyMQTT, "mqtt.notify", h.onNotify)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	// Merge metadata with payload
	msg := h.buildMessage(payload)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})

	// Add metadata
	for k, v := range h.metadata {
		msg[k] = v
	}

	// Add payload
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return msg
}

// Event handlers

func (h *MQTTHandler) onQueueFull(ctx context.Context, event events.Event) error {
	h.publish(TopicQueue, map[string]interface{}{
		"event":   "queue_full",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onRequestReceived(ctx context.Context, event events.Event) error {
	h.publish(TopicRequests, map[string]interface{}{
		"event":   "request_received",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onRequestRemoved(ctx context.Context, event events.Event) error {
	h.publish(TopicRequests, map[string]interface{}{
		"event":   "request_removed",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSocketRegistered(ctx context.Context, event events.Event) error {
	h.publish(TopicSockets, map[string]interface{}{
		"event":   "socket_registered",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSocketUnregistered(ctx context.Context, event events.Event) error {
	h.publish(TopicSockets, map[string]interface{}{
		"event":   "socket_unregistered",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onUserLoggedIn(ctx context.Context, event events.Event) error {
	h.publish(TopicAdmin, map[string]interface{}{
		"event":   "user_logged_in",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onUserLoggedOut(ctx context.Context, event events.Event) error {
	h.publish(TopicAdmin, map[string]interface{}{
		"event":   "user_logged_out",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onNotify(ctx context.Context, event events.Event) error {
	h.publish(TopicStatus, event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
