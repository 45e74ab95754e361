// Package mqttbridge mirrors the in-process bus onto an external MQTT
// broker: every internal event is republished under the configured
// prefix as JSON, and command messages arriving under the prefix are
// forwarded onto the internal bus.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/config"
	customerrors "github.com/avhub/avhub/internal/errors"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	retryInterval     = time.Second
	maxRetryInterval  = 30 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

var errConnect = errors.New("mqtt connect failed")

// conn is the slice of the paho client the bridge uses. The real
// client satisfies it; tests substitute a recorder.
type conn interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	IsConnected() bool
}

var newConn = func(opts *pahomqtt.ClientOptions) conn {
	return pahomqtt.NewClient(opts)
}

// Bridge runs one broker connection for the lifetime of the process.
type Bridge struct {
	cfg    *config.MQTTConfig
	b      *bus.Bus
	opts   *pahomqtt.ClientOptions
	logger *zerolog.Logger

	client conn
	sub    *bus.Subscription
}

func New(cfg *config.MQTTConfig, b *bus.Bus) *Bridge {
	return &Bridge{cfg: cfg, b: b}
}

// Start connects to the broker and wires both directions. The broker
// subscription is established in the on-connect hook, so a reconnect
// re-establishes it automatically.
func (br *Bridge) Start(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	br.logger = logger

	opts := pahomqtt.NewClientOptions().
		AddBroker(br.cfg.Broker).
		SetClientID(br.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetMaxReconnectInterval(maxRetryInterval).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(
			statusTopic(br.cfg.Prefix),
			string(presencePayload(br.cfg.ClientID, statusOffline, "unexpected_disconnect")),
			1, true,
		)

	if br.cfg.Username != "" {
		opts.SetUsername(br.cfg.Username)
		opts.SetPassword(br.cfg.Password)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		br.handleConnect(logger)
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	br.opts = opts
	br.client = newConn(opts)

	token := br.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: no broker response within %s", errConnect, connectTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s", errConnect, err)
	}

	sub, err := br.b.Subscribe("event/#", br.republish)
	if err != nil {
		br.client.Disconnect(disconnectQuiesce)

		return err
	}

	br.sub = sub

	logger.Info().Str("broker", br.cfg.Broker).Str("prefix", br.cfg.Prefix).Msg("mqtt bridge up")

	return nil
}

// Close announces a graceful shutdown and drops the connection.
func (br *Bridge) Close() {
	if br.client == nil {
		return
	}

	if br.sub != nil {
		br.b.Unsubscribe(br.sub)
	}

	if br.client.IsConnected() {
		token := br.client.Publish(
			statusTopic(br.cfg.Prefix), 1, true,
			presencePayload(br.cfg.ClientID, statusOffline, "graceful_shutdown"),
		)
		token.WaitTimeout(publishTimeout)
	}

	br.client.Disconnect(disconnectQuiesce)
}

func (br *Bridge) handleConnect(logger *zerolog.Logger) {
	token := br.client.Subscribe(commandPattern(br.cfg.Prefix), byte(br.cfg.QoS), br.forward)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		logger.Warn().Err(token.Error()).Msg("mqtt command subscribe failed")
	}

	br.client.Publish(
		statusTopic(br.cfg.Prefix), 1, true,
		presencePayload(br.cfg.ClientID, statusOnline, ""),
	)
}

// republish pushes one internal bus event to the broker as JSON.
func (br *Bridge) republish(_ context.Context, msg bus.Message) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %s", customerrors.ErrBusDelivery, msg.Topic, err)
	}

	token := br.client.Publish(outboundTopic(br.cfg.Prefix, msg.Topic), byte(br.cfg.QoS), false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: publish %s timed out", customerrors.ErrBusDelivery, msg.Topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish %s: %s", customerrors.ErrBusDelivery, msg.Topic, err)
	}

	return nil
}

// forward moves one broker command onto the internal bus. Runs on a
// paho goroutine, so panics are contained here.
func (br *Bridge) forward(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			br.logger.Error().
				Interface("panic", rec).
				Str("topic", msg.Topic()).
				Msg("mqtt inbound handler panic recovered")
		}
	}()

	busTopic, ok := inboundTopic(br.cfg.Prefix, msg.Topic())
	if !ok {
		return
	}

	br.b.Publish(busTopic, msg.Payload())
}
