package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/config"
)

// queueSize bounds outcome messages waiting for the broker.
const queueSize = 64

// OutcomeMessage is the JSON payload published when a task ends.
type OutcomeMessage struct {
	TaskID              string    `json:"task_id"`
	State               string    `json:"state"`
	Detail              string    `json:"detail,omitempty"`
	Iterations          int       `json:"iterations"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int       `json:"total_failures"`
	Timestamp           time.Time `json:"timestamp"`
}

type outbound struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Publisher manages the MQTT connection and publishes task outcomes.
// It implements [agent.Observer]; OnEvent only enqueues, so a slow or
// absent broker never stalls a running task.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	tokens     *DailyTokens
	submit     SubmitFunc
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	queue      chan outbound
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. tokens may be nil.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "taskloop"
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		tokens:     tokens,
		logger:     logger.With("component", "mqtt"),
		queue:      make(chan outbound, queueSize),
	}
}

// Start connects to the MQTT broker and publishes queued messages. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message and, when task submission is enabled, subscribes to the
// submit topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	limiter := newMessageRateLimiter(int64(p.submitLimit()), time.Minute, p.logger)
	go limiter.start(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			if p.accepting() {
				p.subscribe(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(p.cfg.ClientID, p.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != p.submitTopic() {
						return false, nil
					}
					if !limiter.allow() {
						return true, nil
					}
					p.handleSubmission(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// OnEvent queues an outcome message when a task ends. Other events are
// ignored. A full queue drops the message with a warning.
func (p *Publisher) OnEvent(e agent.Event) {
	if e.Kind != agent.EventOutcome {
		return
	}
	msg, err := p.outcomeMessage(e)
	if err != nil {
		p.logger.Error("mqtt marshal outcome", "task_id", e.TaskID, "error", err)
		return
	}
	p.enqueue(msg)

	if p.tokens != nil {
		p.enqueue(p.tokensMessage())
	}
}

func (p *Publisher) enqueue(msg outbound) {
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("mqtt publish queue full, dropping message", "topic", msg.topic)
	}
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.BaseTopic + "/availability"
}

func (p *Publisher) outcomeTopic(taskID string) string {
	return p.cfg.BaseTopic + "/tasks/" + taskID + "/outcome"
}

func (p *Publisher) submitTopic() string {
	return p.cfg.BaseTopic + "/tasks/submit"
}

func (p *Publisher) tokensTopic() string {
	return p.cfg.BaseTopic + "/tokens_today"
}

// --- Payloads ---

func (p *Publisher) outcomeMessage(e agent.Event) (outbound, error) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := json.Marshal(OutcomeMessage{
		TaskID:              e.TaskID,
		State:               e.State,
		Detail:              e.Detail,
		Iterations:          e.Iteration,
		ConsecutiveFailures: e.Retry.Consecutive,
		TotalFailures:       e.Retry.Total,
		Timestamp:           ts.UTC(),
	})
	if err != nil {
		return outbound{}, err
	}
	return outbound{topic: p.outcomeTopic(e.TaskID), payload: payload, qos: 1}, nil
}

func (p *Publisher) tokensMessage() outbound {
	input, output, _ := p.tokens.Snapshot()
	return outbound{
		topic:   p.tokensTopic(),
		payload: []byte(strconv.FormatInt(input+output, 10)),
		retain:  true,
	}
}

// --- Connection ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if _, err := p.cm.Publish(ctx, &paho.Publish{
				Topic:   msg.topic,
				Payload: msg.payload,
				QoS:     msg.qos,
				Retain:  msg.retain,
			}); err != nil {
				p.logger.Warn("mqtt publish failed", "topic", msg.topic, "error", err)
				continue
			}
			p.logger.Debug("mqtt message published", "topic", msg.topic, "bytes", len(msg.payload))
		}
	}
}
