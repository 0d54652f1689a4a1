// Package mqttlink is the Server's MQTT uplink (spec §6): a publish-only
// client of the farm's broker, reconnecting before each publish attempt
// while the node is ONLINE (spec §4.6).
package mqttlink

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrPermanent wraps a Publish failure the caller should not expect to clear
// on retry — broker-rejected credentials or a payload the broker NACKs —
// as opposed to a transient connection loss, which leaves an archive slot
// Pending rather than Error (resolves Open Question 4).
var ErrPermanent = errors.New("mqttlink: permanent publish failure")

// permanentSubstrings are the paho/broker error phrasings that indicate a
// publish will never succeed by simply retrying, rather than a transient
// network condition.
var permanentSubstrings = []string{
	"not authorized",
	"bad user name or password",
	"identifier rejected",
	"malformed packet",
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, s := range permanentSubstrings {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
	}
	return err
}

// Options configures the broker connection.
type Options struct {
	Host     string
	Port     uint32
	ClientID string
	User     string
	Password string
}

// Link wraps a paho client with the connect-before-publish policy spec §4.6
// requires: "on connection loss, connect() is attempted before each
// publish."
type Link struct {
	client mqtt.Client
}

// New constructs a Link. It does not connect; call Connect (or rely on
// Publish's connect-before-publish retry) before the first publish.
func New(opts Options) *Link {
	broker := fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)
	co := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.User).
		SetPassword(opts.Password).
		SetAutoReconnect(false).
		SetConnectTimeout(5 * time.Second)
	return &Link{client: mqtt.NewClient(co)}
}

// Connect attempts one connection to the broker.
func (l *Link) Connect() error {
	if l.client.IsConnected() {
		return nil
	}
	token := l.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqttlink: connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttlink: connect: %w", err)
	}
	return nil
}

// Connected reports whether the client currently believes it has a live
// broker connection.
func (l *Link) Connected() bool {
	return l.client.IsConnected()
}

// Publish sends payload to topic at QoS 0, attempting a reconnect first if
// the client is not currently connected (spec §4.6). A broker rejection that
// retrying cannot clear is returned wrapping ErrPermanent, and the server
// marks that slot Error; after any other error the slot stays Pending and
// the caller retries on the next MQTT_INTERVAL tick (spec §7).
func (l *Link) Publish(topic string, payload []byte) error {
	if !l.client.IsConnected() {
		if err := l.Connect(); err != nil {
			return fmt.Errorf("mqttlink: reconnect before publish: %w", err)
		}
	}
	token := l.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqttlink: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return classify(fmt.Errorf("mqttlink: publish to %s: %w", topic, err))
	}
	return nil
}

// Disconnect closes the broker connection gracefully.
func (l *Link) Disconnect() {
	if l.client.IsConnected() {
		l.client.Disconnect(250)
	}
}

// Topic builds the record-publish topic for a given client id, per spec §6:
// milk/pum/{client_id}/record.
func Topic(clientID uint32) string {
	return fmt.Sprintf("milk/pum/%d/record", clientID)
}

func init() {
	// Route paho's ERROR and CRITICAL output through the node's own
	// logger (its other levels stay at paho's silent default), matching the
	// teacher's single-logger-per-process style.
	mqtt.ERROR = mqttLogger{}
	mqtt.CRITICAL = mqttLogger{}
}

type mqttLogger struct{}

func (mqttLogger) Println(v ...interface{}) {
	log.Println(append([]interface{}{"mqttlink:"}, v...)...)
}

func (mqttLogger) Printf(format string, v ...interface{}) {
	log.Printf("mqttlink: "+format, v...)
}
