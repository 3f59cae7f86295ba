package ingest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
)

// Client owns the broker connection. Subscriptions are re-established in the
// OnConnect handler so reconnects pick them up automatically.
type Client struct {
	cfg    *config.Config
	client mqtt.Client
}

// NewClient builds the paho client around the dispatcher callback.
func NewClient(cfg *config.Config, dispatcher *Dispatcher) *Client {
	c := &Client{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(clientID(cfg))
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	if cfg.MQTTTLS {
		opts.SetTLSConfig(tlsConfig(cfg))
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		dispatcher.OnMessage(msg.Topic(), msg.Payload())
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logging.Log(logging.Info, "mqtt connected to %s", brokerURL(cfg))
		for _, topic := range cfg.MQTTTopics {
			topic := topic
			token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
				dispatcher.OnMessage(msg.Topic(), msg.Payload())
			})
			go func(t mqtt.Token) {
				t.Wait()
				if t.Error() != nil {
					logging.Log(logging.Error, "mqtt subscribe %s failed: %v", topic, t.Error())
				} else {
					logging.Log(logging.Info, "mqtt subscribed to %s", topic)
				}
			}(token)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.Log(logging.Error, "mqtt connection lost: %v", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the connection attempt; retry handling is asynchronous.
func (c *Client) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect flushes in-flight work and drops the connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func brokerURL(cfg *config.Config) string {
	if cfg.MQTTTransport == "websockets" {
		scheme := "ws"
		if cfg.MQTTTLS {
			scheme = "wss"
		}
		return fmt.Sprintf("%s://%s:%d%s", scheme, cfg.MQTTHost, cfg.MQTTPort, cfg.MQTTWSPath)
	}
	scheme := "tcp"
	if cfg.MQTTTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.MQTTHost, cfg.MQTTPort)
}

func clientID(cfg *config.Config) string {
	if cfg.MQTTClientID != "" {
		return cfg.MQTTClientID
	}
	return fmt.Sprintf("meshmap-%d", time.Now().UnixNano()%100000)
}

func tlsConfig(cfg *config.Config) *tls.Config {
	tc := &tls.Config{InsecureSkipVerify: cfg.MQTTInsecure}
	if cfg.MQTTCACert != "" {
		if pem, err := os.ReadFile(cfg.MQTTCACert); err == nil {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				tc.RootCAs = pool
			}
		} else {
			logging.Log(logging.Error, "failed reading CA cert %s: %v", cfg.MQTTCACert, err)
		}
	}
	return tc
}
