package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakeClient implements paho.Client in memory.
type fakeClient struct {
	mu           sync.Mutex
	opts         *paho.ClientOptions
	connectErrs  []error
	connects     int
	subscribed   map[string]byte
	published    []published
	disconnected bool
}

func (f *fakeClient) IsConnected() bool      { return true }
func (f *fakeClient) IsConnectionOpen() bool { return true }

func (f *fakeClient) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return newFakeToken(err)
		}
	}
	return newFakeToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, retained: retained, payload: payload.(string)})
	return newFakeToken(nil)
}

func (f *fakeClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	return f.SubscribeMultiple(map[string]byte{topic: qos}, nil)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, _ paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribed == nil {
		f.subscribed = make(map[string]byte)
	}
	for k, v := range filters {
		f.subscribed[k] = v
	}
	return newFakeToken(nil)
}

func (f *fakeClient) Unsubscribe(...string) paho.Token         { return newFakeToken(nil) }
func (f *fakeClient) AddRoute(string, paho.MessageHandler)     {}
func (f *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 2 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
