package nav

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/docent/internal/config"
)

const (
	// boardTTL bounds how long an unclaimed state report is kept.
	boardTTL = 10 * time.Minute
	// boardMax bounds the number of unclaimed state reports.
	boardMax = 1024

	mqttConnectTimeout = 10 * time.Second
)

// publisher is the part of *autopaho.ConnectionManager the provider
// uses to send commands.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTTProvider drives a robot base controller over MQTT. Commands go
// to {prefix}/{client_id}/goto and {prefix}/{client_id}/cancel; the
// controller reports progress on {prefix}/{client_id}/state with the
// same JSON body as the HTTP state endpoint.
type MQTTProvider struct {
	pub    publisher
	cm     *autopaho.ConnectionManager
	prefix string
	board  *stateBoard
	tick   time.Duration
	logger *slog.Logger
}

// NewMQTTProvider connects to the broker in cfg. The connection is
// retried in the background by autopaho; only an unusable broker URL
// fails here.
func NewMQTTProvider(ctx context.Context, cfg config.NavMQTTConfig, logger *slog.Logger) (*MQTTProvider, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, &ConfigError{Provider: "mqtt", Field: "nav.mqtt.broker", Reason: "required"}
	}
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil || brokerURL.Host == "" {
		return nil, &ConfigError{Provider: "mqtt", Field: "nav.mqtt.broker", Reason: "not a broker URL"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := newMQTTProvider(nil, cfg.TopicPrefix, logger)
	stateTopic := p.prefix + "/+/state"
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "docent-nav"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("nav mqtt connected", "broker", cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: stateTopic, QoS: 1}},
			}); err != nil {
				logger.Warn("nav mqtt subscribe failed", "topic", stateTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("nav mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.board.handle(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("nav mqtt connect: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("nav mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.pub = cm
	p.cm = cm
	return p, nil
}

func newMQTTProvider(pub publisher, prefix string, logger *slog.Logger) *MQTTProvider {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "docent/nav"
	}
	return &MQTTProvider{
		pub:    pub,
		prefix: prefix,
		board:  newStateBoard(),
		tick:   mockTick,
		logger: logger,
	}
}

// Ping reports whether the broker connection is up, waiting for a
// reconnect until ctx ends.
func (m *MQTTProvider) Ping(ctx context.Context) error {
	if m.cm == nil {
		return errors.New("nav mqtt: not connected")
	}
	return m.cm.AwaitConnection(ctx)
}

// Close disconnects from the broker.
func (m *MQTTProvider) Close(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	return m.cm.Disconnect(ctx)
}

func (m *MQTTProvider) topic(clientID, verb string) string {
	return m.prefix + "/" + clientID + "/" + verb
}

func (m *MQTTProvider) publish(ctx context.Context, topic string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = m.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	return err
}

// RunMove implements [Provider].
func (m *MQTTProvider) RunMove(ctx context.Context, req MoveRequest, cancel Canceller) Result {
	timeout := req.timeout()
	deadline := time.Now().Add(timeout)
	log := m.logger.With("client_id", req.ClientID, "request_id", req.RequestID, "stop_id", req.StopID)
	defer m.board.forget(req.RequestID)

	if isCancelled(ctx, cancel) {
		return cancelledResult(ctx, cancel)
	}

	pubCtx, pubCancel := context.WithTimeout(ctx, defaultRequestTimeout)
	err := m.publish(pubCtx, m.topic(req.ClientID, "goto"), goToBody{
		ClientID:  req.ClientID,
		RequestID: req.RequestID,
		StopID:    req.StopID,
		StopName:  req.StopName,
		TimeoutS:  timeout.Seconds(),
	})
	pubCancel()
	if err != nil {
		if ctx.Err() != nil {
			return cancelledResult(ctx, cancel)
		}
		log.Warn("nav goto publish failed", "error", err)
		return Result{State: StateFailed, Reason: "goto_publish_failed: " + err.Error()}
	}

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		if res, ok := m.board.take(req.RequestID); ok {
			return res
		}
		if isCancelled(ctx, cancel) {
			m.sendCancel(ctx, req, log)
			return cancelledResult(ctx, cancel)
		}
		if !time.Now().Before(deadline) {
			m.sendCancel(ctx, req, log)
			return Result{State: StateTimeout, Reason: fmt.Sprintf("no terminal state within %s", timeout)}
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (m *MQTTProvider) sendCancel(ctx context.Context, req MoveRequest, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := m.publish(cctx, m.topic(req.ClientID, "cancel"), cancelBody{
		ClientID:  req.ClientID,
		RequestID: req.RequestID,
	}); err != nil {
		log.Debug("nav cancel publish failed", "error", err)
	}
}

// stateBoard holds the latest terminal report per request id until the
// move waiting for it claims it.
type stateBoard struct {
	mu      sync.Mutex
	reports map[string]boardEntry
}

type boardEntry struct {
	result Result
	at     time.Time
}

func newStateBoard() *stateBoard {
	return &stateBoard{reports: make(map[string]boardEntry)}
}

// handle records a state message. Non-terminal and malformed messages
// are ignored.
func (b *stateBoard) handle(topic string, payload []byte) {
	if !strings.HasSuffix(topic, "/state") {
		return
	}
	var rep stateReport
	if err := json.Unmarshal(payload, &rep); err != nil || rep.RequestID == "" {
		return
	}
	res, ok := rep.result()
	if !ok {
		return
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reports) >= boardMax {
		for id, e := range b.reports {
			if now.Sub(e.at) > boardTTL {
				delete(b.reports, id)
			}
		}
	}
	if len(b.reports) < boardMax {
		b.reports[rep.RequestID] = boardEntry{result: res, at: now}
	}
}

func (b *stateBoard) take(requestID string) (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.reports[requestID]
	if ok {
		delete(b.reports, requestID)
	}
	return e.result, ok
}

func (b *stateBoard) forget(requestID string) {
	b.mu.Lock()
	delete(b.reports, requestID)
	b.mu.Unlock()
}
