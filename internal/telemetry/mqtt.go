// Package telemetry publishes marketplace and room lifecycle events to an
// MQTT broker for external monitoring.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/util"
)

// statusInterval is how often a periodic daemon status message is
// published.
const statusInterval = 5 * time.Minute

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	client   mqtt.Client

	topicPrefix string

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": "1.0.0",
	}

	handler := &MQTTHandler{
		cfg:         cfg,
		eventBus:    eventBus,
		topicPrefix: mqttCfg.TopicPrefix,
		metadata:    metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("gamestored-%s", sysInfo.Hostname))
	}

	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
		opts.SetPassword(mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker, subscribes to bus events, and blocks
// until the context is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	mqttCfg := h.cfg.GetMQTT()
	log.Info().
		Str("broker", mqttCfg.BrokerURL).
		Int("port", mqttCfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	go h.runStatusLoop(ctx)

	<-ctx.Done()

	h.publishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventUserLogin, "mqtt.userLogin", h.onAccountEvent)
	h.eventBus.Subscribe(events.EventUserRegistered, "mqtt.userRegistered", h.onAccountEvent)
	h.eventBus.Subscribe(events.EventGameUploaded, "mqtt.gameUploaded", h.onCatalogEvent)
	h.eventBus.Subscribe(events.EventGameUpdated, "mqtt.gameUpdated", h.onCatalogEvent)
	h.eventBus.Subscribe(events.EventGameDeleted, "mqtt.gameDeleted", h.onCatalogEvent)
	h.eventBus.Subscribe(events.EventGameDownloaded, "mqtt.gameDownloaded", h.onCatalogEvent)
	h.eventBus.Subscribe(events.EventReviewSaved, "mqtt.reviewSaved", h.onCatalogEvent)
	h.eventBus.Subscribe(events.EventRoomCreated, "mqtt.roomCreated", h.onRoomEvent)
	h.eventBus.Subscribe(events.EventRoomJoined, "mqtt.roomJoined", h.onRoomEvent)
	h.eventBus.Subscribe(events.EventRoomClosed, "mqtt.roomClosed", h.onRoomEvent)
}

// runStatusLoop publishes a periodic heartbeat with host resource usage.
func (h *MQTTHandler) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := map[string]interface{}{"event": "heartbeat"}
			if cpuPct, err := util.GetCPUUsage(); err == nil {
				status["cpu_percent"] = cpuPct
			}
			if memUsage, err := util.GetMemoryUsage(); err == nil {
				status["memory"] = memUsage
			}
			h.publish(h.topic("daemon/status"), status)
		}
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.topicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

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

	for k, v := range h.metadata {
		msg[k] = v
	}

	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return msg
}

// Event handlers

func (h *MQTTHandler) onAccountEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topic("accounts"), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onCatalogEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topic("catalog"), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onRoomEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topic("rooms"), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

// publishShutdown sends a final shutdown message to the broker.
func (h *MQTTHandler) publishShutdown() {
	h.publish(h.topic("daemon/admin"), map[string]interface{}{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
